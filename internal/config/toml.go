package config

import "github.com/BurntSushi/toml"

func unmarshalTOML(data []byte, cfg *Config) error {
	return toml.Unmarshal(data, cfg)
}
