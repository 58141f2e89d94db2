package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures node settings. Environment variables are read first, then
// CLI flags override them, so containers can be configured either way.
type Config struct {
	ListenAddr     string        `env:"MESH_LISTEN"`
	AdvertiseHost  string        `env:"MESH_ADVERTISE_HOST"`
	AdvertisePort  int           `env:"MESH_ADVERTISE_PORT"`
	Introducer     string        `env:"MESH_INTRODUCER"`
	KeystorePath   string        `env:"MESH_KEYSTORE"`
	KeyPassphrase  string        `env:"MESH_KEY_PASSPHRASE"`
	LinkSecret     string        `env:"MESH_LINK_SECRET"`
	RequireAuth    bool          `env:"MESH_REQUIRE_AUTH"`
	AuthSecret     string        `env:"MESH_AUTH_SECRET"`
	HeartbeatEvery time.Duration `env:"MESH_HEARTBEAT_EVERY"`
	ReapAfter      time.Duration `env:"MESH_REAP_AFTER"`
	FileIdle       time.Duration `env:"MESH_FILE_IDLE"`
	SeenCacheSize  int           `env:"MESH_SEEN_CACHE"`
}

// Load builds the node configuration from env and flags.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     ":9470",
		AdvertiseHost:  "127.0.0.1",
		KeystorePath:   "data/keystore.db",
		HeartbeatEvery: 15 * time.Second,
		ReapAfter:      45 * time.Second,
		FileIdle:       60 * time.Second,
		SeenCacheSize:  10000,
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address the node listens on")
	flag.StringVar(&cfg.AdvertiseHost, "host", cfg.AdvertiseHost, "host peers should dial back")
	flag.IntVar(&cfg.AdvertisePort, "port", cfg.AdvertisePort, "port peers should dial back (defaults to the listen port)")
	flag.StringVar(&cfg.Introducer, "introducer", cfg.Introducer, "mesh URL of an existing node, e.g. ws://host:9470/mesh")
	flag.StringVar(&cfg.KeystorePath, "keystore", cfg.KeystorePath, "path to the identity keystore")
	flag.StringVar(&cfg.KeyPassphrase, "key-passphrase", cfg.KeyPassphrase, "passphrase sealing stored keys")
	flag.StringVar(&cfg.LinkSecret, "link-secret", cfg.LinkSecret, "shared secret encrypting mesh links")
	flag.BoolVar(&cfg.RequireAuth, "require-auth", cfg.RequireAuth, "require an operator token on HELLO")
	flag.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "secret validating operator tokens")
	flag.DurationVar(&cfg.HeartbeatEvery, "heartbeat", cfg.HeartbeatEvery, "peer heartbeat interval")
	flag.DurationVar(&cfg.ReapAfter, "reap-after", cfg.ReapAfter, "peer silence before reaping")
	flag.DurationVar(&cfg.FileIdle, "file-idle", cfg.FileIdle, "file relay idle timeout")
	flag.IntVar(&cfg.SeenCacheSize, "seen-cache", cfg.SeenCacheSize, "seen-id cache capacity")
	flag.Parse()

	if cfg.AdvertisePort == 0 {
		_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("derive advertise port from %q: %w", cfg.ListenAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("derive advertise port from %q: %w", cfg.ListenAddr, err)
		}
		cfg.AdvertisePort = port
	}
	if cfg.RequireAuth && cfg.AuthSecret == "" {
		return nil, fmt.Errorf("require-auth set without auth-secret")
	}
	return cfg, nil
}
