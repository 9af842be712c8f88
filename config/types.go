package config

import "lienchain/native/loan"

// Config is the on-disk configuration for a settlement node. The loan section
// carries the module policy applied to every operation; its zero values fall
// back to the production defaults.
type Config struct {
	RPCAddress       string `toml:"RPCAddress"`
	DataDir          string `toml:"DataDir"`
	GenesisFile      string `toml:"GenesisFile"`
	NetworkName      string `toml:"NetworkName"`
	Environment      string `toml:"Environment"`
	LogLevel         string `toml:"LogLevel"`
	AllowAutogenesis bool   `toml:"AllowAutogenesis"`

	Loan loan.Config `toml:"loan"`
}

// DefaultConfig returns the configuration written when no file exists yet.
func DefaultConfig() *Config {
	return &Config{
		RPCAddress:  ":8080",
		DataDir:     "./lien-data",
		GenesisFile: "",
		NetworkName: "lien-local",
		Environment: "dev",
		LogLevel:    "info",
		Loan:        loan.DefaultConfig(),
	}
}
