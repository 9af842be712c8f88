package loan

import "fmt"

// Module names used by the pause guard.
const (
	ModuleCreate    = "loan.create"
	ModuleRepay     = "loan.repay"
	ModuleRefinance = "loan.refinance"
	ModuleClaim     = "loan.claim"
	ModuleExtend    = "loan.extend"
	ModuleDraw      = "loan.draw"
	ModuleTransfer  = "loan.transfer"
)

// Pauses captures the per-operation circuit breakers for the module.
type Pauses struct {
	Create    bool `toml:"Create"`
	Repay     bool `toml:"Repay"`
	Refinance bool `toml:"Refinance"`
	Claim     bool `toml:"Claim"`
	Extend    bool `toml:"Extend"`
	Draw      bool `toml:"Draw"`
	Transfer  bool `toml:"Transfer"`
}

// IsPaused implements the pause view consumed by native/common.Guard.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case ModuleCreate:
		return p.Create
	case ModuleRepay:
		return p.Repay
	case ModuleRefinance:
		return p.Refinance
	case ModuleClaim:
		return p.Claim
	case ModuleExtend:
		return p.Extend
	case ModuleDraw:
		return p.Draw
	case ModuleTransfer:
		return p.Transfer
	default:
		return false
	}
}

// Config captures the runtime configuration for the loan module. Durations
// are in seconds; rates use the encodings documented in interest.go.
type Config struct {
	MinDuration           int64  `toml:"MinDurationSeconds"`
	MaxDuration           int64  `toml:"MaxDurationSeconds"`
	MaxAnnualRate         uint64 `toml:"MaxAnnualRate"`
	MinExtensionDuration  int64  `toml:"MinExtensionDurationSeconds"`
	MaxExtensionDuration  int64  `toml:"MaxExtensionDurationSeconds"`
	DebtLimitPostponement int64  `toml:"DebtLimitPostponementSeconds"`
	MaxFeeBps             uint64 `toml:"MaxFeeBps"`
	Pauses                Pauses `toml:"pauses"`
}

// DefaultConfig returns the production defaults for the module.
func DefaultConfig() Config {
	return Config{
		MinDuration:           10 * 60,
		MaxDuration:           10 * 365 * 24 * 60 * 60,
		MaxAnnualRate:         16_000_000,
		MinExtensionDuration:  24 * 60 * 60,
		MaxExtensionDuration:  90 * 24 * 60 * 60,
		DebtLimitPostponement: 30 * 24 * 60 * 60,
		MaxFeeBps:             1_000,
	}
}

// EnsureDefaults fills zero-valued fields with the production defaults so a
// partially specified TOML section behaves predictably.
func (c *Config) EnsureDefaults() {
	def := DefaultConfig()
	if c.MinDuration <= 0 {
		c.MinDuration = def.MinDuration
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = def.MaxDuration
	}
	if c.MaxAnnualRate == 0 {
		c.MaxAnnualRate = def.MaxAnnualRate
	}
	if c.MinExtensionDuration <= 0 {
		c.MinExtensionDuration = def.MinExtensionDuration
	}
	if c.MaxExtensionDuration <= 0 {
		c.MaxExtensionDuration = def.MaxExtensionDuration
	}
	if c.DebtLimitPostponement <= 0 {
		c.DebtLimitPostponement = def.DebtLimitPostponement
	}
	if c.MaxFeeBps == 0 {
		c.MaxFeeBps = def.MaxFeeBps
	}
}

// Validate rejects configurations whose bounds contradict each other.
func (c Config) Validate() error {
	if c.MinDuration <= 0 || c.MaxDuration < c.MinDuration {
		return fmt.Errorf("loan config: duration bounds invalid [%d, %d]", c.MinDuration, c.MaxDuration)
	}
	if c.MinExtensionDuration <= 0 || c.MaxExtensionDuration < c.MinExtensionDuration {
		return fmt.Errorf("loan config: extension bounds invalid [%d, %d]", c.MinExtensionDuration, c.MaxExtensionDuration)
	}
	if c.DebtLimitPostponement <= 0 {
		return fmt.Errorf("loan config: debt limit postponement must be positive")
	}
	if c.MaxFeeBps > 10_000 {
		return fmt.Errorf("loan config: fee cap above 10000 bps")
	}
	return nil
}
