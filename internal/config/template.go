package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		BindAddress: "127.0.0.1",
		Port:        8080,

		LogLevel: "info",

		APIServer: "127.0.0.1:9090",

		CacheSize:     0,
		RegexTimeout:  DefaultRegexTimeout,
		ForceElevated: false,
		Initiator:     DefaultInitiator,

		MitM: MitMConfig{
			Enabled:  false,
			Hostname: "*.example.com",
		},

		ProbeTimeout: DefaultProbeTimeout,

		Rules: []Rule{
			{
				Domains: []string{"^https?://(www\\.)?example\\.com/.*$"},
				Headers: []Header{
					{Name: "X-Requested-By", Value: "reqhdr"},
					{Name: "Referer"},
				},
			},
		},
	}

	if writeToFile {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile("config.yaml", data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
