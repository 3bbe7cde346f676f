package dockerlocal

import (
	"github.com/terra-clan/outpost-engine/internal/models"
	"github.com/terra-clan/outpost-engine/internal/provider"
)

func init() {
	provider.Register(models.ProviderSandboxService, func(cfg provider.Config) (provider.Client, error) {
		host := cfg.DockerHost
		if host == "" {
			host = "unix:///var/run/docker.sock"
		}
		return NewClient(host, cfg.DockerNetwork, cfg.DefaultImage)
	})
}
