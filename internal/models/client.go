package models

import (
	"strings"
	"time"
)

// ApiClient represents an authenticated API client. OwnerID scopes every
// sandbox operation the client performs; a client only ever sees and mutates
// its owner's sandboxes.
type ApiClient struct {
	ID          int               `json:"id"`
	Name        string            `json:"name"`
	OwnerID     string            `json:"owner_id"`
	ApiKey      string            `json:"-"` // Never serialize
	IsActive    bool              `json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasPermission checks if client has specific permission
// Supports wildcard permissions like "sandboxes:*"
func (c *ApiClient) HasPermission(required string) bool {
	if c == nil || !c.IsActive {
		return false
	}

	for _, perm := range c.Permissions {
		if perm == required || perm == "*" {
			return true
		}

		// Wildcard match (e.g., "sandboxes:*" matches "sandboxes:read")
		if strings.HasSuffix(perm, ":*") {
			if strings.HasPrefix(required, strings.TrimSuffix(perm, "*")) {
				return true
			}
		}
	}

	return false
}

// MaskedApiKey returns first 8 characters of API key for logging
func (c *ApiClient) MaskedApiKey() string {
	if len(c.ApiKey) < 8 {
		return "***"
	}
	return c.ApiKey[:8] + "..."
}
