package cli

import (
	"os"

	"github.com/agentsh/sigguard/internal/config"
)

func defaultConfigPath() string {
	for _, p := range []string{"sigguard.yml", "sigguard.yaml", "/etc/sigguard/config.yaml", "/etc/sigguard/config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "/etc/sigguard/config.yaml"
}

func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}
