package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App     `json:"app"     toml:"app"`
		HTTP    `json:"http"    toml:"http"`
		DB      `json:"db"      toml:"db"`
		Log     `json:"logger"  toml:"logger"`
		Workers `json:"workers" toml:"workers"`
		Chains  `json:"chains"  toml:"chains"`
	}

	App struct {
		Name        string `json:"name"        toml:"name"        env:"APP_NAME"`
		Environment string `json:"environment" toml:"environment" env:"ENV_NAME" env-default:"dev"`
		Debug       bool   `json:"debug"       toml:"debug"       env:"DEBUG"    env-default:"false"`
	}

	HTTP struct {
		Port string `json:"port" toml:"port" env:"HTTP_PORT" env-default:"8080"`
	}

	DB struct {
		DatabaseURL       string `json:"database_url"        toml:"database_url"        env:"DATABASE_URL"`
		PoolMax           int32  `json:"pool_max"            toml:"pool_max"            env:"PG_POOL_MAX" env-default:"10"`
		ConnectTimeout    int    `json:"connect_timeout"     toml:"connect_timeout"     env:"PG_POOL_CONN_TIMEOUT" env-default:"5"`
		HealthCheckPeriod int    `json:"health_check_period" toml:"health_check_period" env:"PG_POOL_HEALTHCHECK" env-default:"1"`
	}

	Log struct {
		Level slog.Level `json:"level" toml:"level" env:"LOG_LEVEL"`
	}

	// Workers holds pipeline tunables. Retry and interval values are
	// configuration, not code.
	Workers struct {
		ConfirmationIntervalSeconds int `json:"confirmation_interval_seconds" toml:"confirmation_interval_seconds" env:"CONFIRMATION_INTERVAL" env-default:"60"`
		ScanTimeoutSeconds          int `json:"scan_timeout_seconds"          toml:"scan_timeout_seconds"          env:"SCAN_TIMEOUT"           env-default:"120"`
		StalenessWindowHours        int `json:"staleness_window_hours"        toml:"staleness_window_hours"        env:"STALENESS_WINDOW_HOURS" env-default:"24"`
	}

	// ChainEndpoint configures one chain/network/asset watched by a
	// detector. A chain missing its required credentials is skipped at
	// detector initialization with a warning, never a fatal error.
	ChainEndpoint struct {
		Enabled             bool   `json:"enabled"               toml:"enabled"`
		Network             string `json:"network"               toml:"network" env-default:"mainnet"`
		RPCURL              string `json:"rpc_url"               toml:"rpc_url"`
		APIKey              string `json:"api_key"               toml:"api_key"`
		Asset               string `json:"asset"                 toml:"asset"`
		TokenContract       string `json:"token_contract"        toml:"token_contract"`
		TokenDecimals       int32  `json:"token_decimals"        toml:"token_decimals"`
		ScanIntervalSeconds int    `json:"scan_interval_seconds" toml:"scan_interval_seconds" env-default:"30"`
	}

	Chains struct {
		Bitcoin      ChainEndpoint `json:"bitcoin"       toml:"bitcoin"`
		Ethereum     ChainEndpoint `json:"ethereum"      toml:"ethereum"`
		EthereumUSDT ChainEndpoint `json:"ethereum_usdt" toml:"ethereum_usdt"`
		Tron         ChainEndpoint `json:"tron"          toml:"tron"`
		Cardano      ChainEndpoint `json:"cardano"       toml:"cardano"`
		Ripple       ChainEndpoint `json:"ripple"        toml:"ripple"`
	}
)

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	_, b, _, _ := runtime.Caller(0)
	basePath := filepath.Dir(b)

	configTomlPath := filepath.Join(basePath, "config.toml")
	err := cleanenv.ReadConfig(configTomlPath, cfg)
	if err != nil {
		configJsonPath := filepath.Join(basePath, "config.json")
		err = cleanenv.ReadConfig(configJsonPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}

	return cfg, nil
}
