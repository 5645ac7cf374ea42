package config

import (
	"fmt"

	"github.com/hashicorp/consul/api"
)

// ConsulSource reads yaml configuration documents stored as Consul KV values.
// The document is fetched once; it is handed to LoadConfigFromBytes and is not
// watched for changes.
type ConsulSource struct {
	kv     *api.KV
	prefix string
}

// NewConsulSource connects to the agent at addr. Keys are resolved below prefix.
func NewConsulSource(addr, prefix string) (*ConsulSource, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulSource{kv: client.KV(), prefix: prefix}, nil
}

func (s *ConsulSource) key(configName string) string {
	if s.prefix == "" {
		return configName
	}
	return s.prefix + "/" + configName
}

// Fetch returns the raw document stored for configName.
func (s *ConsulSource) Fetch(configName string) ([]byte, error) {
	pair, _, err := s.kv.Get(s.key(configName), nil)
	if err != nil {
		return nil, fmt.Errorf("consul get %s: %w", s.key(configName), err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", s.key(configName))
	}
	return pair.Value, nil
}

// Load fetches configName and decodes it into config through cm.
func (s *ConsulSource) Load(cm ConfigManager, configName string, config Config) error {
	data, err := s.Fetch(configName)
	if err != nil {
		return err
	}
	return cm.LoadConfigFromBytes(configName, data, config)
}
