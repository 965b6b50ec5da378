// Package config loads the node configuration, generating a default
// config file on first start.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type TowerConfig struct {
	Address string
	Pubkey  string
}

type SwapLimitsConfig struct {
	MinAmountSat  uint64
	MaxLoopInSat  uint64
	MaxLoopOutSat uint64
}

type Config struct {
	// Network is one of mainnet, testnet3, regtest.
	Network string

	ElectrumAddr string
	DBPath       string
	LogPath      string

	// MaxHeaderStorageBytes bounds how much header history a sync run
	// keeps, oldest headers are skipped to stay inside it.
	MaxHeaderStorageBytes uint64
	SyncIntervalSec       uint32

	FallbackFeeRateSatVB uint64
	FundingMinConf       uint32
	PollIntervalSec      uint32

	Towers                 []TowerConfig
	TowerConnectTimeoutSec uint32
	TowerHeartbeatSec      uint32

	SwapLimits SwapLimitsConfig

	MetricsListenAddr string
}

func defaultConfig() *Config {
	return &Config{
		Network:                "mainnet",
		ElectrumAddr:           "electrum.blockstream.info:50001",
		DBPath:                 "./wallet-node-db",
		LogPath:                "./wallet-node.log",
		MaxHeaderStorageBytes:  64 << 20,
		SyncIntervalSec:        120,
		FallbackFeeRateSatVB:   10,
		FundingMinConf:         3,
		PollIntervalSec:        30,
		Towers:                 []TowerConfig{},
		TowerConnectTimeoutSec: 10,
		TowerHeartbeatSec:      30,
		SwapLimits: SwapLimitsConfig{
			MinAmountSat:  50_000,
			MaxLoopInSat:  10_000_000,
			MaxLoopOutSat: 5_000_000,
		},
		MetricsListenAddr: "127.0.0.1:9332",
	}
}

// LoadConfig reads the config at path, writing a fresh default file
// first when none exists yet.
func LoadConfig(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if _, err = os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(dir, os.ModePerm)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check directory: %w", err)
		}
	}

	if _, err = os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		if err = SaveConfig(cfg, path); err != nil {
			return nil, err
		}
		return cfg, nil
	} else if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err = json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err = validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Network {
	case "mainnet", "testnet3", "regtest":
	default:
		return fmt.Errorf("unknown network %q", cfg.Network)
	}
	if cfg.ElectrumAddr == "" {
		return fmt.Errorf("ElectrumAddr must be set")
	}
	if cfg.MaxHeaderStorageBytes < 80 {
		return fmt.Errorf("MaxHeaderStorageBytes too small to hold a single header")
	}
	if cfg.FallbackFeeRateSatVB == 0 {
		return fmt.Errorf("FallbackFeeRateSatVB must be non-zero")
	}
	return nil
}

func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}

	if err = os.WriteFile(path, data, 0766); err != nil {
		return err
	}
	return nil
}
