package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pegkeeper/services/pegd/controller"
	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/oracle"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Amount is a human decimal token amount such as "1500.25".
type Amount struct {
	decimal.Decimal
	set bool
}

// UnmarshalYAML parses a decimal literal.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("amount must be scalar")
	}
	raw := strings.ReplaceAll(strings.TrimSpace(value.Value), "_", "")
	if raw == "" {
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse amount %q: %w", value.Value, err)
	}
	if parsed.IsNegative() {
		return fmt.Errorf("amount %q must not be negative", value.Value)
	}
	a.Decimal = parsed
	a.set = true
	return nil
}

// IsSet reports whether the amount appeared in the file.
func (a Amount) IsSet() bool { return a.set }

// E18 converts the amount to 1e18 fixed point.
func (a Amount) E18() (*uint256.Int, error) {
	return oracle.ToE18(a.Decimal)
}

// Fraction converts the amount, read as a ratio such as "0.003", to PricePrecision scale.
func (a Amount) Fraction() (uint64, error) {
	scaled := a.Decimal.Mul(decimal.NewFromInt(controller.PricePrecision)).Truncate(0)
	if scaled.GreaterThan(decimal.NewFromInt(controller.PricePrecision)) {
		return 0, fmt.Errorf("fraction %s above 1", a.Decimal)
	}
	return uint64(scaled.IntPart()), nil
}

// Config captures runtime configuration for pegd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Database      string           `yaml:"database"`
	Environment   string           `yaml:"environment"`
	Log           LogConfig        `yaml:"log"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
	Controller    ControllerConfig `yaml:"controller"`
	Pool          PoolConfig       `yaml:"pool"`
	Genesis       []Balance        `yaml:"genesis"`
	Oracle        OracleConfig     `yaml:"oracle"`
	Sources       []Source         `yaml:"sources"`
	Keeper        KeeperConfig     `yaml:"keeper"`
	Auth          AuthConfig       `yaml:"auth"`
	Stream        StreamConfig     `yaml:"stream"`
}

// LogConfig selects the log destination. An empty file logs to stdout.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// ControllerConfig seeds the controller on first start.
type ControllerConfig struct {
	Address     string    `yaml:"address"`
	Owner       string    `yaml:"owner"`
	Timelock    string    `yaml:"timelock"`
	AMOs        []string  `yaml:"amos"`
	MintFee     FeeConfig `yaml:"mint_fee"`
	RedeemFee   FeeConfig `yaml:"redeem_fee"`
	Bands       Bands     `yaml:"bands"`
	Caps        Caps      `yaml:"caps"`
	SwapPeriod  Duration  `yaml:"swap_period"`
	CallTimeout Duration  `yaml:"call_timeout"`
}

// FeeConfig is a fee mode. Mode is "manual" or "delta"; fee and max are ratios.
type FeeConfig struct {
	Mode string `yaml:"mode"`
	Fee  Amount `yaml:"fee"`
	Max  Amount `yaml:"max"`
}

// Bands are peg half-widths as ratios.
type Bands struct {
	Mint   Amount `yaml:"mint"`
	Redeem Amount `yaml:"redeem"`
	TWAMM  Amount `yaml:"twamm"`
}

// Caps are token amounts.
type Caps struct {
	MintCap       Amount `yaml:"mint_cap"`
	FRAXBorrowCap Amount `yaml:"frax_borrow_cap"`
	MaxSwapFRAX   Amount `yaml:"max_swap_frax"`
	MaxSwapFPI    Amount `yaml:"max_swap_fpi"`
}

// PoolConfig configures the local TWAMM pool.
type PoolConfig struct {
	Address       string   `yaml:"address"`
	FeeBps        uint64   `yaml:"fee_bps"`
	OrderInterval Duration `yaml:"order_interval"`
	Provider      string   `yaml:"provider"`
	SeedFRAX      Amount   `yaml:"seed_frax"`
	SeedFPI       Amount   `yaml:"seed_fpi"`
}

// Balance credits an account at startup.
type Balance struct {
	Account string `yaml:"account"`
	Asset   string `yaml:"asset"`
	Amount  Amount `yaml:"amount"`
}

// OracleConfig tunes the aggregation loop and the CPI ramp.
type OracleConfig struct {
	Interval    Duration `yaml:"interval"`
	MaxAge      Duration `yaml:"max_age"`
	MinFeeds    int      `yaml:"min_feeds"`
	InitialPeg  Amount   `yaml:"initial_peg"`
	RampPeriod  Duration `yaml:"ramp_period"`
	MaxCPIDelta Amount   `yaml:"max_cpi_delta"`
}

// Source describes an upstream oracle feed.
type Source struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Endpoint      string            `yaml:"endpoint"`
	APIKey        string            `yaml:"api_key"`
	Feeds         map[string]string `yaml:"feeds"`
	TimestampPath string            `yaml:"timestamp_path"`
}

// KeeperConfig holds cron specs. The keeper acts as Role with Address.
type KeeperConfig struct {
	Execute   string   `yaml:"execute"`
	Collect   string   `yaml:"collect"`
	Rebalance string   `yaml:"rebalance"`
	Role      string   `yaml:"role"`
	Address   string   `yaml:"address"`
	Timeout   Duration `yaml:"timeout"`
}

// AuthConfig carries API credentials. Values of the form ${NAME} are read from the
// environment.
type AuthConfig struct {
	OwnerToken    string  `yaml:"owner_token"`
	TimelockToken string  `yaml:"timelock_token"`
	JWTSecret     string  `yaml:"jwt_secret"`
	JWTIssuer     string  `yaml:"jwt_issuer"`
	RateLimit     float64 `yaml:"rate_limit"`
	RateBurst     int     `yaml:"rate_burst"`
}

// StreamConfig configures the websocket event stream.
type StreamConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	Buffer         int      `yaml:"buffer"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML, expands ${VAR} references, applies defaults and validates.
func Parse(raw []byte) (Config, error) {
	cfg := Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.Database == "" {
		cfg.Database = "file:/var/data/pegd.sqlite"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Controller.SwapPeriod.Duration == 0 {
		cfg.Controller.SwapPeriod.Duration = controller.DefaultSwapPeriod
	}
	if cfg.Controller.CallTimeout.Duration == 0 {
		cfg.Controller.CallTimeout.Duration = controller.DefaultCallTimeout
	}
	if cfg.Controller.MintFee.Mode == "" {
		cfg.Controller.MintFee.Mode = "manual"
	}
	if cfg.Controller.RedeemFee.Mode == "" {
		cfg.Controller.RedeemFee.Mode = "manual"
	}
	if cfg.Pool.FeeBps == 0 {
		cfg.Pool.FeeBps = 30
	}
	if cfg.Pool.OrderInterval.Duration == 0 {
		cfg.Pool.OrderInterval.Duration = time.Hour
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = time.Minute
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 10 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if !cfg.Oracle.InitialPeg.IsSet() {
		cfg.Oracle.InitialPeg = Amount{Decimal: decimal.NewFromInt(1), set: true}
	}
	if cfg.Oracle.RampPeriod.Duration == 0 {
		cfg.Oracle.RampPeriod.Duration = oracle.DefaultRampPeriod
	}
	if cfg.Keeper.Role == "" {
		cfg.Keeper.Role = "owner"
		if cfg.Controller.Timelock != "" {
			cfg.Keeper.Role = "timelock"
		}
	}
	if cfg.Keeper.Timeout.Duration == 0 {
		cfg.Keeper.Timeout.Duration = 30 * time.Second
	}
	if cfg.Auth.RateLimit == 0 {
		cfg.Auth.RateLimit = 5
	}
	if cfg.Auth.RateBurst == 0 {
		cfg.Auth.RateBurst = 10
	}
	if cfg.Auth.JWTIssuer == "" {
		cfg.Auth.JWTIssuer = "pegd"
	}
	if cfg.Stream.WriteTimeout.Duration == 0 {
		cfg.Stream.WriteTimeout.Duration = 5 * time.Second
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 64
	}
}

func validate(cfg Config) error {
	for name, addr := range map[string]string{
		"controller.address": cfg.Controller.Address,
		"controller.owner":   cfg.Controller.Owner,
		"pool.address":       cfg.Pool.Address,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address", name)
		}
	}
	for _, amo := range cfg.Controller.AMOs {
		if !common.IsHexAddress(amo) {
			return fmt.Errorf("controller.amos: %q is not a hex address", amo)
		}
	}
	if cfg.Controller.SwapPeriod.Duration < cfg.Pool.OrderInterval.Duration {
		return fmt.Errorf("controller.swap_period shorter than pool.order_interval")
	}
	if cfg.Pool.FeeBps >= 10_000 {
		return fmt.Errorf("pool.fee_bps must be below 10000")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	if _, err := cfg.KeeperPrincipal(); err != nil {
		return err
	}
	for _, bal := range cfg.Genesis {
		if !common.IsHexAddress(bal.Account) {
			return fmt.Errorf("genesis: %q is not a hex address", bal.Account)
		}
		if _, err := ledger.ParseAsset(bal.Asset); err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
	}
	if _, err := cfg.ControllerParams(); err != nil {
		return err
	}
	return nil
}

// ControllerParams converts the controller section into constructor parameters.
func (cfg Config) ControllerParams() (controller.Params, error) {
	c := cfg.Controller
	mint, err := c.MintFee.mode()
	if err != nil {
		return controller.Params{}, fmt.Errorf("controller.mint_fee: %w", err)
	}
	redeem, err := c.RedeemFee.mode()
	if err != nil {
		return controller.Params{}, fmt.Errorf("controller.redeem_fee: %w", err)
	}
	var bands controller.PegBands
	for _, field := range []struct {
		name string
		in   Amount
		out  *uint64
	}{
		{"mint", c.Bands.Mint, &bands.Mint},
		{"redeem", c.Bands.Redeem, &bands.Redeem},
		{"twamm", c.Bands.TWAMM, &bands.TWAMM},
	} {
		v, err := field.in.Fraction()
		if err != nil {
			return controller.Params{}, fmt.Errorf("controller.bands.%s: %w", field.name, err)
		}
		*field.out = v
	}
	var caps controller.SafetyCaps
	for _, field := range []struct {
		name string
		in   Amount
		out  **uint256.Int
	}{
		{"mint_cap", c.Caps.MintCap, &caps.MintCap},
		{"frax_borrow_cap", c.Caps.FRAXBorrowCap, &caps.FRAXBorrowCap},
		{"max_swap_frax", c.Caps.MaxSwapFRAX, &caps.MaxSwapIn[ledger.FRAX]},
		{"max_swap_fpi", c.Caps.MaxSwapFPI, &caps.MaxSwapIn[ledger.FPI]},
	} {
		v, err := field.in.E18()
		if err != nil {
			return controller.Params{}, fmt.Errorf("controller.caps.%s: %w", field.name, err)
		}
		*field.out = v
	}
	amos := make([]common.Address, 0, len(c.AMOs))
	for _, amo := range c.AMOs {
		amos = append(amos, common.HexToAddress(amo))
	}
	var timelock common.Address
	if common.IsHexAddress(c.Timelock) {
		timelock = common.HexToAddress(c.Timelock)
	}
	return controller.Params{
		Address:     common.HexToAddress(c.Address),
		Owner:       common.HexToAddress(c.Owner),
		Timelock:    timelock,
		Fees:        controller.FeePolicy{Mint: mint, Redeem: redeem},
		Bands:       bands,
		Caps:        caps,
		SwapPeriod:  c.SwapPeriod.Duration,
		CallTimeout: c.CallTimeout.Duration,
		AMOs:        amos,
	}, nil
}

func (f FeeConfig) mode() (controller.FeeMode, error) {
	fee, err := f.Fee.Fraction()
	if err != nil {
		return nil, err
	}
	feeMax := fee
	if f.Max.IsSet() {
		if feeMax, err = f.Max.Fraction(); err != nil {
			return nil, err
		}
	}
	switch strings.ToLower(strings.TrimSpace(f.Mode)) {
	case "manual":
		return controller.NewFeeMode(true, fee, feeMax)
	case "delta":
		return controller.NewFeeMode(false, fee, feeMax)
	default:
		return nil, fmt.Errorf("unknown fee mode %q", f.Mode)
	}
}

// KeeperPrincipal returns the identity the keeper acts as. Without an address the
// keeper acts as the configured owner.
func (cfg Config) KeeperPrincipal() (controller.Principal, error) {
	role, err := controller.ParseRole(cfg.Keeper.Role)
	if err != nil {
		return controller.Principal{}, fmt.Errorf("keeper.role: %w", err)
	}
	addr := cfg.Keeper.Address
	if addr == "" {
		switch role {
		case controller.RoleTimelock:
			addr = cfg.Controller.Timelock
		default:
			addr = cfg.Controller.Owner
		}
	}
	if !common.IsHexAddress(addr) {
		return controller.Principal{}, fmt.Errorf("keeper.address must be a hex address")
	}
	return controller.Principal{Role: role, Address: common.HexToAddress(addr)}, nil
}

// OracleSources converts the sources section.
func (cfg Config) OracleSources() []oracle.SourceConfig {
	out := make([]oracle.SourceConfig, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		out = append(out, oracle.SourceConfig{
			Name:          src.Name,
			Type:          src.Type,
			Endpoint:      src.Endpoint,
			APIKey:        src.APIKey,
			Paths:         src.Feeds,
			TimestampPath: src.TimestampPath,
		})
	}
	return out
}
