package common

import (
	"fmt"
	"os"
	"path/filepath"

	"bank-sync-go/internal/provider"

	"gopkg.in/yaml.v2"
)

// ProviderConfig is one catalog entry in providers.yaml. Client secrets are
// never stored in the file; each entry names the environment variables that
// carry them.
type ProviderConfig struct {
	Id                  string `yaml:"id"`
	AuthURL             string `yaml:"auth_url"`
	TokenURL            string `yaml:"token_url"`
	APIBaseURL          string `yaml:"api_base_url"`
	RedirectURI         string `yaml:"redirect_uri"`
	ClientIdEnv         string `yaml:"client_id_env"`
	ClientSecretEnv     string `yaml:"client_secret_env"`
	SupportsTransaction bool   `yaml:"supports_transactions"`
}

type ProvidersConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProviderCatalog reads providers.yaml.
func LoadProviderCatalog(providersFile string) ([]ProviderConfig, error) {
	var providersPath string
	if filepath.IsAbs(providersFile) {
		providersPath = providersFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		providersPath = filepath.Join(wd, providersFile)
	}

	data, err := os.ReadFile(providersPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", providersFile, err)
	}

	var config ProvidersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", providersFile, err)
	}

	for i, p := range config.Providers {
		if p.Id == "" {
			return nil, fmt.Errorf("provider at index %d missing id", i)
		}
		if p.TokenURL == "" || p.AuthURL == "" || p.APIBaseURL == "" {
			return nil, fmt.Errorf("provider %s missing endpoint urls", p.Id)
		}
		if p.ClientIdEnv == "" || p.ClientSecretEnv == "" {
			return nil, fmt.Errorf("provider %s missing credential env names", p.Id)
		}
	}

	return config.Providers, nil
}

// BuildRegistry turns catalog entries into registered adapters. Entries whose
// credential environment variables are unset are skipped with a warning so a
// partially configured deployment still starts.
func BuildRegistry(catalog []ProviderConfig) (*provider.Registry, []string, error) {
	registry := provider.NewRegistry()
	var skipped []string

	for _, p := range catalog {
		clientId := os.Getenv(p.ClientIdEnv)
		clientSecret := os.Getenv(p.ClientSecretEnv)
		if clientId == "" || clientSecret == "" {
			skipped = append(skipped, p.Id)
			continue
		}

		adapter, err := provider.NewOpenBank(provider.OpenBankConfig{
			ProviderId:          p.Id,
			ClientId:            clientId,
			ClientSecret:        clientSecret,
			AuthURL:             p.AuthURL,
			TokenURL:            p.TokenURL,
			APIBaseURL:          p.APIBaseURL,
			RedirectURI:         p.RedirectURI,
			SupportsTransaction: p.SupportsTransaction,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build adapter %s: %w", p.Id, err)
		}
		registry.Register(adapter)
	}

	return registry, skipped, nil
}
