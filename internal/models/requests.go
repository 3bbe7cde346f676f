package models

// ProvisionRequest triggers the provisioning pipeline. The owner comes from
// the authenticated session, never from the body.
type ProvisionRequest struct {
	Provider       Provider `json:"provider"`
	Sizing         string   `json:"sizing,omitempty"`
	Name           string   `json:"name,omitempty"`
	SandboxID      string   `json:"sandbox_id,omitempty"` // multi-sandbox mode: caller-supplied id
	MessagingToken string   `json:"messaging_token,omitempty"`
}

// ReprovisionRequest triggers teardown-and-recreate of a broken sandbox.
// No credentials are accepted; the pipeline runs from stored state only.
type ReprovisionRequest struct {
	SandboxID string `json:"sandbox_id,omitempty"`
}

// AcceptedResponse acknowledges an asynchronously launched pipeline
type AcceptedResponse struct {
	Accepted  bool   `json:"accepted"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

// ProviderConfig is the model-provider projection served from the catalog
type ProviderConfig struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	DefaultModel string `json:"default_model"`
	BaseURL      string `json:"base_url"`
}
