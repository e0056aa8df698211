package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// fileConfig is the TOML layout of protocold.toml.
type fileConfig struct {
	ListenAddr         string `toml:"listen_addr"`
	DataPath           string `toml:"data_path"`
	UpstreamURL        string `toml:"upstream_url"`
	LogLevel           string `toml:"log_level"`
	Workers            int    `toml:"workers"`
	InboxCapacity      int    `toml:"inbox_capacity"`
	RedeliveryMaxTries int    `toml:"redelivery_max_tries"`
	BlobUpdateRetryCap int64  `toml:"blob_update_retry_cap"`

	OwnedIdentities []ownedIdentityConfig `toml:"owned_identity"`
}

// ownedIdentityConfig declares one owned identity served by this daemon.
// PrivateKey is the base64 of the 32-byte ed25519 seed.
type ownedIdentityConfig struct {
	ServerDomain string `toml:"server_domain"`
	PrivateKey   string `toml:"private_key"`
}

type daemonConfig struct {
	ListenAddr         string
	DataPath           string
	UpstreamURL        string
	LogLevel           string
	Workers            int
	InboxCapacity      int
	RedeliveryMaxTries uint
	BlobUpdateRetryCap int64
	OwnedKeys          []ownedKey
}

type ownedKey struct {
	ServerDomain string
	Key          ed25519.PrivateKey
}

func defaultConfig() daemonConfig {
	return daemonConfig{
		ListenAddr:    ":8090",
		DataPath:      "./data",
		UpstreamURL:   "http://127.0.0.1:8091",
		LogLevel:      "info",
		InboxCapacity: 256,
	}
}

// loadConfig reads the TOML file (optional) and applies environment
// overrides on top. Environment wins so container deployments can reuse one
// file.
func loadConfig(path string) (daemonConfig, error) {
	cfg := defaultConfig()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return daemonConfig{}, fmt.Errorf("load config: %w", err)
		}
		if meta.IsDefined("listen_addr") {
			cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
		}
		if meta.IsDefined("data_path") {
			cfg.DataPath = strings.TrimSpace(raw.DataPath)
		}
		if meta.IsDefined("upstream_url") {
			cfg.UpstreamURL = strings.TrimRight(strings.TrimSpace(raw.UpstreamURL), "/")
		}
		if meta.IsDefined("log_level") {
			cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
		}
		if meta.IsDefined("workers") {
			cfg.Workers = raw.Workers
		}
		if meta.IsDefined("inbox_capacity") && raw.InboxCapacity > 0 {
			cfg.InboxCapacity = raw.InboxCapacity
		}
		if meta.IsDefined("redelivery_max_tries") && raw.RedeliveryMaxTries > 0 {
			cfg.RedeliveryMaxTries = uint(raw.RedeliveryMaxTries)
		}
		if meta.IsDefined("blob_update_retry_cap") {
			cfg.BlobUpdateRetryCap = raw.BlobUpdateRetryCap
		}
		for i, oc := range raw.OwnedIdentities {
			key, err := parsePrivateKey(oc.PrivateKey)
			if err != nil {
				return daemonConfig{}, fmt.Errorf("owned_identity %d: %w", i, err)
			}
			cfg.OwnedKeys = append(cfg.OwnedKeys, ownedKey{
				ServerDomain: strings.TrimSpace(oc.ServerDomain),
				Key:          key,
			})
		}
	}

	if v := os.Getenv("PROTOCOLD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		cfg.UpstreamURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROTOCOLD_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return daemonConfig{}, fmt.Errorf("PROTOCOLD_WORKERS: %w", err)
		}
		cfg.Workers = n
	}

	return cfg, nil
}

func parsePrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key: want %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}
