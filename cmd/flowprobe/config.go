package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of a -config file. Every field is optional;
// pointer fields distinguish "omitted" from an explicit zero value, so a
// file can turn a boolean off.
type fileConfig struct {
	Target     *string `yaml:"target"`
	Transport  *string `yaml:"transport"`
	WSPath     *string `yaml:"ws_path"`
	Tunnel     *string `yaml:"tunnel"`
	ServerName *string `yaml:"server_name"`
	Insecure   *bool   `yaml:"insecure"`
	CAFile     *string `yaml:"ca"`
	PSK        *string `yaml:"psk"`
	Payload    *string `yaml:"payload"`
	Timeout    *string `yaml:"timeout"`

	Redial      *bool   `yaml:"redial"`
	Interactive *bool   `yaml:"interactive"`
	LogCBOR     *string `yaml:"log_cbor"`
	Verbose     *bool   `yaml:"verbose"`
}

// loadConfigFile overlays values from a YAML file onto cfg. Flags given
// explicitly on the command line keep their value; flagsSet holds those
// flag names.
func loadConfigFile(path string, cfg *Config, flagsSet map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if file.Target != nil && !flagsSet["target"] {
		cfg.Target = *file.Target
	}
	if file.Transport != nil && !flagsSet["transport"] {
		cfg.Transport = *file.Transport
	}
	if file.WSPath != nil && !flagsSet["ws-path"] {
		cfg.WSPath = *file.WSPath
	}
	if file.Tunnel != nil && !flagsSet["tunnel"] {
		cfg.Tunnel = *file.Tunnel
	}
	if file.ServerName != nil && !flagsSet["server-name"] {
		cfg.ServerName = *file.ServerName
	}
	if file.Insecure != nil && !flagsSet["insecure"] {
		cfg.Insecure = *file.Insecure
	}
	if file.CAFile != nil && !flagsSet["ca"] {
		cfg.CAFile = *file.CAFile
	}
	if file.PSK != nil && !flagsSet["psk"] {
		cfg.PSK = *file.PSK
	}
	if file.Payload != nil && !flagsSet["payload"] {
		cfg.Payload = *file.Payload
	}
	if file.Timeout != nil && !flagsSet["timeout"] {
		d, err := time.ParseDuration(*file.Timeout)
		if err != nil {
			return fmt.Errorf("parse %s: timeout: %w", path, err)
		}
		cfg.Timeout = d
	}
	if file.Redial != nil && !flagsSet["redial"] {
		cfg.Redial = *file.Redial
	}
	if file.Interactive != nil && !flagsSet["interactive"] {
		cfg.Interactive = *file.Interactive
	}
	if file.LogCBOR != nil && !flagsSet["log-cbor"] {
		cfg.LogCBOR = *file.LogCBOR
	}
	if file.Verbose != nil && !flagsSet["v"] {
		cfg.Verbose = *file.Verbose
	}
	return nil
}
