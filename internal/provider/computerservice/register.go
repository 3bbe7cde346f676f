package computerservice

import (
	"fmt"

	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
)

func init() {
	provider.Register(models.ProviderComputerService, func(cfg provider.Config) (provider.Client, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("computer-service: base URL is required")
		}
		return NewClient(cfg.BaseURL, cfg.APIKey), nil
	})
}
