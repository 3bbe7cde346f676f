package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBillingRestrictionRoundTrip(t *testing.T) {
	msg := EncodeBillingRestriction(BillingRestriction{
		RequestedSizing: "large",
		Message:         "quota exceeded for tier",
	})

	r, ok := ParseBillingRestriction(msg)
	require.True(t, ok)
	assert.Equal(t, "large", r.RequestedSizing)
	assert.Equal(t, "quota exceeded for tier", r.Message)
}

func TestParseBillingRestriction_RejectsFreeText(t *testing.T) {
	tests := []string{
		"",
		"resource creation failed after 3 attempts",
		"billing_required:not-json",
	}

	for _, msg := range tests {
		_, ok := ParseBillingRestriction(msg)
		assert.False(t, ok, msg)
	}
}

func TestResourceHandleVariants(t *testing.T) {
	var nilHandle *ResourceHandle
	assert.Empty(t, nilHandle.ResourceID())
	assert.Empty(t, nilHandle.Address())
	assert.Empty(t, nilHandle.Group())

	h := &ResourceHandle{
		Provider:     ProviderCloudCompute,
		CloudCompute: &CloudComputeHandle{InstanceID: "i-1", PublicIP: "1.2.3.4", SecurityGroup: "sg-1"},
	}
	assert.Equal(t, "i-1", h.ResourceID())
	assert.Equal(t, "1.2.3.4", h.Address())
	assert.Equal(t, "sg-1", h.Group())

	h = &ResourceHandle{
		Provider: ProviderComputerService,
		Computer: &ComputerHandle{ComputerID: "c-1", ProjectID: "p-1", Endpoint: "c1.example.com"},
	}
	assert.Equal(t, "c-1", h.ResourceID())
	assert.Equal(t, "c1.example.com", h.Address())
	assert.Equal(t, "p-1", h.Group())

	h = &ResourceHandle{
		Provider:  ProviderSandboxService,
		Container: &ContainerHandle{ContainerID: "ct-1", Address: "172.17.0.2"},
	}
	assert.Equal(t, "ct-1", h.ResourceID())
	assert.Equal(t, "", h.Group(), "containers have no group namespace")
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []SandboxStatus{StatusReady, StatusFailed, StatusRequiresPayment} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
	for _, s := range []SandboxStatus{StatusPending, StatusProvisioning, StatusConfiguringVM} {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsActive(), s)
	}
}
