package cloudcompute

import (
	"fmt"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
)

func init() {
	provider.Register(models.ProviderCloudCompute, func(cfg provider.Config) (provider.Client, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("cloud-compute: base URL is required")
		}
		return NewClient(cfg.BaseURL, cfg.APIKey), nil
	})
}
