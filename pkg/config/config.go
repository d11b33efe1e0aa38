package config

// Package config provides a reusable loader for execution-kernel
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"synnergy-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a kernel process: cost limits
// fed into FeeReserve/FeeTable, the network's address HRP suffix, and
// logging. It mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Costing struct {
		CostUnitLimit   uint64  `mapstructure:"cost_unit_limit" json:"cost_unit_limit"`
		XrdPerCostUnit  uint64  `mapstructure:"xrd_per_cost_unit" json:"xrd_per_cost_unit"`
		WasmGasLimit    uint64  `mapstructure:"wasm_gas_limit" json:"wasm_gas_limit"`
		MaxInvokeDepth  int     `mapstructure:"max_invoke_depth" json:"max_invoke_depth"`
		InvokesPerSecond float64 `mapstructure:"invokes_per_second" json:"invokes_per_second"`
		MaxTransactionMillis uint64 `mapstructure:"max_transaction_millis" json:"max_transaction_millis"`
	} `mapstructure:"costing" json:"costing"`

	Network struct {
		HRPSuffix string `mapstructure:"hrp_suffix" json:"hrp_suffix"`
	} `mapstructure:"network" json:"network"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // consults process environment variables on lookup

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}
