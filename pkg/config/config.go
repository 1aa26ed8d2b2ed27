// Package config loads meshd settings from a YAML file with MESH_ prefixed
// environment overrides, e.g. MESH_SERVICE_TYPE or MESH_REGISTRY_TTL.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Service struct {
		Type             string            `mapstructure:"type"`
		Index            int               `mapstructure:"index"`
		App              string            `mapstructure:"app"`
		ZoneID           int               `mapstructure:"zone_id"`
		Hostname         string            `mapstructure:"hostname"`
		Secret           string            `mapstructure:"secret"`
		ListenAddr       string            `mapstructure:"listen_addr"`
		Advertise        []string          `mapstructure:"advertise_addrs"`
		DialTimeout      time.Duration     `mapstructure:"dial_timeout"`
		HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
		Data             map[string]string `mapstructure:"data"`
	} `mapstructure:"service"`

	Registry struct {
		Backend         string        `mapstructure:"backend"`
		Endpoints       []string      `mapstructure:"endpoints"`
		DialTimeout     time.Duration `mapstructure:"dial_timeout"`
		PublishInterval time.Duration `mapstructure:"publish_interval"`
		ScanInterval    time.Duration `mapstructure:"scan_interval"`
		TTL             time.Duration `mapstructure:"ttl"`
	} `mapstructure:"registry"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.type", "")
	v.SetDefault("service.index", 0)
	v.SetDefault("service.app", "")
	v.SetDefault("service.zone_id", 0)
	v.SetDefault("service.hostname", "")
	v.SetDefault("service.secret", "")
	v.SetDefault("service.listen_addr", ":7000")
	v.SetDefault("service.advertise_addrs", []string{})
	v.SetDefault("service.dial_timeout", 5*time.Second)
	v.SetDefault("service.handshake_timeout", 5*time.Second)

	v.SetDefault("registry.backend", BackendEtcd)
	v.SetDefault("registry.endpoints", []string{"http://etcd:2379"})
	v.SetDefault("registry.dial_timeout", 5*time.Second)
	v.SetDefault("registry.publish_interval", 3*time.Second)
	v.SetDefault("registry.scan_interval", 3*time.Second)
	v.SetDefault("registry.ttl", 10*time.Second)

	v.SetDefault("log.level", "info")
}

// LoadConfig reads path, if given, and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendEtcd:
		if len(c.Registry.Endpoints) == 0 {
			return fmt.Errorf("%w: etcd backend needs registry.endpoints", ErrInvalid)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown registry.backend %q", ErrInvalid, c.Registry.Backend)
	}
	if c.Service.ListenAddr == "" {
		return fmt.Errorf("%w: service.listen_addr is empty", ErrInvalid)
	}
	return nil
}
