// Package config loads wsps settings from environment variables. A .env file
// in the working directory is read once before the first load; variables
// already set in the environment win over it.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/fastqm/wsps/internal/core/frame"
)

const (
	FederationNone   = "none"
	FederationMemory = "memory"
	FederationLibp2p = "libp2p"
	FederationRedis  = "redis"
)

var (
	ErrUnknownFederation = errors.New("config: unknown federation backend")
	ErrMissingRedisURL   = errors.New("config: redis federation needs WSPS_REDIS_URL")
	ErrBadSendBuffer     = errors.New("config: send buffer must be positive")
)

type LogConfig struct {
	Level  string `env:"WSPS_LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"WSPS_LOG_PRETTY" envDefault:"true"`
}

type HubConfig struct {
	Addr       string `env:"WSPS_ADDR" envDefault:":8090"`
	NodeID     string `env:"WSPS_NODE_ID"`
	Federation string `env:"WSPS_FEDERATION" envDefault:"none"`
	RedisURL   string `env:"WSPS_REDIS_URL"`
	SendBuffer int    `env:"WSPS_SEND_BUFFER" envDefault:"256"`

	Libp2pListen     []string `env:"WSPS_LIBP2P_LISTEN" envSeparator:","`
	Libp2pBootstrap  []string `env:"WSPS_LIBP2P_BOOTSTRAP" envSeparator:","`
	Libp2pMDNS       bool     `env:"WSPS_LIBP2P_MDNS" envDefault:"true"`
	Libp2pRendezvous string   `env:"WSPS_LIBP2P_RENDEZVOUS" envDefault:"wsps"`
	Libp2pIdentity   string   `env:"WSPS_LIBP2P_IDENTITY"`

	Log LogConfig
}

func (c HubConfig) Validate() error {
	switch c.Federation {
	case FederationNone, FederationMemory, FederationLibp2p:
	case FederationRedis:
		if c.RedisURL == "" {
			return ErrMissingRedisURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFederation, c.Federation)
	}
	if c.SendBuffer < 1 {
		return ErrBadSendBuffer
	}
	return nil
}

type ClientConfig struct {
	URL              string        `env:"WSPS_URL" envDefault:"ws://localhost:8090/ws"`
	DefaultRange     frame.Range   `env:"WSPS_DEFAULT_RANGE" envDefault:"server-only"`
	SendBuffer       int           `env:"WSPS_SEND_BUFFER" envDefault:"256"`
	HandshakeTimeout time.Duration `env:"WSPS_HANDSHAKE_TIMEOUT" envDefault:"10s"`

	Log LogConfig
}

func (c ClientConfig) Validate() error {
	if c.SendBuffer < 1 {
		return ErrBadSendBuffer
	}
	return nil
}

var dotenvOnce sync.Once

// Load fills cfg from the environment.
func Load[T any](cfg *T) error {
	dotenvOnce.Do(func() { _ = godotenv.Load() })
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadFile reads extra variables from path before a Load call. Existing
// variables are not overwritten.
func LoadFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func LoadHub() (HubConfig, error) {
	var c HubConfig
	if err := Load(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func LoadClient() (ClientConfig, error) {
	var c ClientConfig
	if err := Load(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}
