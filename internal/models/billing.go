package models

import (
	"encoding/json"
	"strings"
)

// billingSentinelPrefix marks an error message that encodes a structured
// billing restriction rather than free text.
const billingSentinelPrefix = "billing_required:"

// BillingRestriction carries the originally requested sizing so a client can
// prompt for an upgraded tier without re-collecting configuration.
type BillingRestriction struct {
	RequestedSizing string `json:"requested_sizing"`
	Message         string `json:"message,omitempty"`
}

// EncodeBillingRestriction renders the structured sentinel stored in a
// sandbox's error message when the provider rejects a tier for the account.
func EncodeBillingRestriction(r BillingRestriction) string {
	data, err := json.Marshal(r)
	if err != nil {
		return billingSentinelPrefix + `{"requested_sizing":"` + r.RequestedSizing + `"}`
	}
	return billingSentinelPrefix + string(data)
}

// ParseBillingRestriction decodes the sentinel; ok is false for free-text
// error messages.
func ParseBillingRestriction(msg string) (BillingRestriction, bool) {
	if !strings.HasPrefix(msg, billingSentinelPrefix) {
		return BillingRestriction{}, false
	}
	var r BillingRestriction
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, billingSentinelPrefix)), &r); err != nil {
		return BillingRestriction{}, false
	}
	return r, true
}
