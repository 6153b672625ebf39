package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendpool/crypto"
)

type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	DataDir         string `toml:"DataDir"`
	ChainEnv        string `toml:"ChainEnv"`
	AdminAddress    string `toml:"AdminAddress"`
	TreasuryAddress string `toml:"TreasuryAddress"`
	VaultAddress    string `toml:"VaultAddress"`
	MaxQuoteAgeSecs uint64 `toml:"MaxQuoteAgeSeconds"`
	RateLimitRPS    int    `toml:"RateLimitRPS"`
	RateLimitBurst  int    `toml:"RateLimitBurst"`

	Reserves []ReserveConfig `toml:"reserve"`
}

// ReserveConfig is the bootstrap shape of one reserve. All risk parameters are
// basis points of the configured value.
type ReserveConfig struct {
	Asset                   string `toml:"Asset"`
	SToken                  string `toml:"SToken"`
	DebtToken               string `toml:"DebtToken"`
	Decimals                uint32 `toml:"Decimals"`
	CollateralFactorBps     uint64 `toml:"CollateralFactorBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64 `toml:"LiquidationBonusBps"`
	ReserveFactorBps        uint64 `toml:"ReserveFactorBps"`
	UtilizationCapBps       uint64 `toml:"UtilizationCapBps"`
	FlashLoanFeeBps         uint64 `toml:"FlashLoanFeeBps"`
	BaseRateBps             uint64 `toml:"BaseRateBps"`
	Slope1Bps               uint64 `toml:"Slope1Bps"`
	Slope2Bps               uint64 `toml:"Slope2Bps"`
	OptimalUtilBps          uint64 `toml:"OptimalUtilBps"`
	Frozen                  bool   `toml:"Frozen"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = "0.0.0.0:8660"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./lendpool-data"
	}
	if strings.TrimSpace(c.ChainEnv) == "" {
		c.ChainEnv = "local"
	}
	if c.MaxQuoteAgeSecs == 0 {
		c.MaxQuoteAgeSecs = 300
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 50
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 100
	}
}

// Validate checks the addresses decode and that every configured reserve has
// a coherent parameter set.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"AdminAddress":    c.AdminAddress,
		"TreasuryAddress": c.TreasuryAddress,
		"VaultAddress":    c.VaultAddress,
	} {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("config: %s must be set", name)
		}
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	seen := make(map[string]struct{}, len(c.Reserves))
	for _, reserve := range c.Reserves {
		asset := strings.TrimSpace(reserve.Asset)
		if asset == "" {
			return fmt.Errorf("config: reserve with empty asset symbol")
		}
		if _, ok := seen[asset]; ok {
			return fmt.Errorf("config: duplicate reserve %s", asset)
		}
		seen[asset] = struct{}{}
		if strings.TrimSpace(reserve.SToken) == "" || strings.TrimSpace(reserve.DebtToken) == "" {
			return fmt.Errorf("config: reserve %s needs SToken and DebtToken symbols", asset)
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
