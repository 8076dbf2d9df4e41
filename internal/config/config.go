// Package config handles configuration management with validation.
//
// Required settings arrive through the environment and fail the boot with a
// per-variable error when missing. Non-secret tuning may come from an
// optional YAML file with ${ENV} expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment variable names. All are required.
const (
	EnvMongoURI         = "MONGO_URI"
	EnvAPIKey           = "BINANCE_US_API_KEY"
	EnvAPISecret        = "BINANCE_US_API_SECRET"
	EnvBaseURL          = "BINANCE_US_BASE_URL"
	EnvSignalTier       = "SIGNAL_TIER"
	EnvPort             = "PORT"
	EnvJWTSecret        = "JWT_SECRET"
	EnvJWTRefreshSecret = "JWT_REFRESH_SECRET"
)

// TierConfig holds the parameters selected by SIGNAL_TIER.
type TierConfig struct {
	Name                string
	ImpulseThresholdPct decimal.Decimal // playbook C excursion minimum
	PositionPct         decimal.Decimal // default position size cap as fraction of equity
	MaxPositions        int
	MinMLConfidence     float64 // stored for the outer layer; the core does not gate on it
}

var tiers = map[string]TierConfig{
	"TIER_1_CONSERVATIVE": {
		Name:                "TIER_1_CONSERVATIVE",
		ImpulseThresholdPct: decimal.NewFromFloat(0.05),
		PositionPct:         decimal.NewFromFloat(0.05),
		MaxPositions:        2,
		MinMLConfidence:     0.75,
	},
	"TIER_2_MODERATE": {
		Name:                "TIER_2_MODERATE",
		ImpulseThresholdPct: decimal.NewFromFloat(0.04),
		PositionPct:         decimal.NewFromFloat(0.10),
		MaxPositions:        3,
		MinMLConfidence:     0.65,
	},
	"TIER_3_AGGRESSIVE": {
		Name:                "TIER_3_AGGRESSIVE",
		ImpulseThresholdPct: decimal.NewFromFloat(0.03),
		PositionPct:         decimal.NewFromFloat(0.15),
		MaxPositions:        5,
		MinMLConfidence:     0.55,
	},
}

// PlaybookTuning is the YAML shape for one playbook's thresholds.
type PlaybookTuning struct {
	Enabled             *bool   `yaml:"enabled"`
	VolumeMult          float64 `yaml:"volume_mult"`
	StopATRMult         float64 `yaml:"stop_atr_mult"`
	DeviationATRMult    float64 `yaml:"deviation_atr_mult"`
	MaxTradesPerSession int     `yaml:"max_trades_per_session"`
	MaxHoldingMinutes   int     `yaml:"max_holding_minutes"`
}

// Tuning holds the optional non-secret YAML settings.
type Tuning struct {
	UserID                 string                    `yaml:"user_id"`
	LogLevel               string                    `yaml:"log_level"`
	ScanIntervalSeconds    int                       `yaml:"scan_interval_seconds"`
	MonitorIntervalSeconds int                       `yaml:"monitor_interval_seconds"`
	Universe               []string                  `yaml:"universe"`
	MinQuoteVolume         float64                   `yaml:"min_quote_volume"`
	MaxSpread              float64                   `yaml:"max_spread"`
	MinTOBDepth            float64                   `yaml:"min_tob_depth"`
	RPct                   float64                   `yaml:"r_pct"` // decimal fraction: 0.01 == 1%
	MaxHeat                float64                   `yaml:"max_heat"`
	MaxExposurePct         float64                   `yaml:"max_exposure_pct"`
	CooldownMinutes        int                       `yaml:"cooldown_minutes"`
	ReserveTarget          float64                   `yaml:"reserve_target"`
	ReserveFloor           float64                   `yaml:"reserve_floor"`
	SlippageLimitBps       float64                   `yaml:"slippage_limit_bps"`
	EventSlippageLimitBps  float64                   `yaml:"event_slippage_limit_bps"`
	DailyRLimit            float64                   `yaml:"daily_r_limit"`
	WeeklyRLimit           float64                   `yaml:"weekly_r_limit"`
	MakerFirst             *bool                     `yaml:"maker_first"`
	VWAPBias               bool                      `yaml:"vwap_bias"`
	LimitBypass            bool                      `yaml:"limit_bypass"`
	ScanWorkers            int                       `yaml:"scan_workers"`
	Playbooks              map[string]PlaybookTuning `yaml:"playbooks"`
}

// Config is the complete process configuration.
type Config struct {
	MongoURI         Secret
	APIKey           Secret
	APISecret        Secret
	BaseURL          string
	Tier             TierConfig
	Port             int
	JWTSecret        Secret
	JWTRefreshSecret Secret
	Tuning           Tuning
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads the environment and the optional tuning file. Every missing or
// malformed required variable produces its own ConfigError; boot fails fast
// on the first.
func Load(tuningPath string) (*Config, error) {
	cfg := &Config{}

	mongoURI, err := requireEnv(EnvMongoURI)
	if err != nil {
		return nil, err
	}
	cfg.MongoURI = Secret(mongoURI)

	apiKey, err := requireEnv(EnvAPIKey)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = Secret(apiKey)

	apiSecret, err := requireEnv(EnvAPISecret)
	if err != nil {
		return nil, err
	}
	cfg.APISecret = Secret(apiSecret)

	baseURL, err := requireEnv(EnvBaseURL)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, &apperrors.ConfigError{Variable: EnvBaseURL, Reason: fmt.Sprintf("must be an http(s) URL, got %q", baseURL)}
	}
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/")

	tierName, err := requireEnv(EnvSignalTier)
	if err != nil {
		return nil, err
	}
	tier, ok := tiers[tierName]
	if !ok {
		return nil, &apperrors.ConfigError{
			Variable: EnvSignalTier,
			Reason:   fmt.Sprintf("unknown tier %q (want TIER_1_CONSERVATIVE, TIER_2_MODERATE or TIER_3_AGGRESSIVE)", tierName),
		}
	}
	cfg.Tier = tier

	portStr, err := requireEnv(EnvPort)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, &apperrors.ConfigError{Variable: EnvPort, Reason: fmt.Sprintf("must be a valid port, got %q", portStr)}
	}
	cfg.Port = port

	jwtSecret, err := requireEnv(EnvJWTSecret)
	if err != nil {
		return nil, err
	}
	cfg.JWTSecret = Secret(jwtSecret)

	jwtRefresh, err := requireEnv(EnvJWTRefreshSecret)
	if err != nil {
		return nil, err
	}
	cfg.JWTRefreshSecret = Secret(jwtRefresh)

	tuning, err := loadTuning(tuningPath)
	if err != nil {
		return nil, err
	}
	cfg.Tuning = *tuning

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func requireEnv(name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", &apperrors.ConfigError{Variable: name, Reason: "required but not set"}
	}
	return v, nil
}

func loadTuning(path string) (*Tuning, error) {
	t := defaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning file: %w", err)
	}
	return t, nil
}

func defaultTuning() *Tuning {
	return &Tuning{
		UserID:                 "default",
		LogLevel:               "INFO",
		ScanIntervalSeconds:    60,
		MonitorIntervalSeconds: 30,
		Universe:               []string{"BTCUSDT", "ETHUSDT"},
		MinQuoteVolume:         1_000_000,
		MaxSpread:              10,
		MinTOBDepth:            5_000,
		RPct:                   0.01,
		MaxHeat:                0.20,
		MaxExposurePct:         0.50,
		CooldownMinutes:        30,
		ReserveTarget:          0.20,
		ReserveFloor:           0.10,
		SlippageLimitBps:       20,
		EventSlippageLimitBps:  50,
		DailyRLimit:            3,
		WeeklyRLimit:           6,
		ScanWorkers:            8,
	}
}

// Validate performs per-section validation of the tuning values.
func (c *Config) Validate() error {
	var errs []string

	t := &c.Tuning
	if t.UserID == "" {
		errs = append(errs, ValidationError{Field: "user_id", Value: t.UserID, Message: "must not be empty"}.Error())
	}
	if len(t.Universe) == 0 {
		errs = append(errs, ValidationError{Field: "universe", Value: t.Universe, Message: "must list at least one pair"}.Error())
	}
	if t.ScanIntervalSeconds < 10 || t.ScanIntervalSeconds > 3600 {
		errs = append(errs, ValidationError{Field: "scan_interval_seconds", Value: t.ScanIntervalSeconds, Message: "must be between 10 and 3600"}.Error())
	}
	if t.MonitorIntervalSeconds < 5 || t.MonitorIntervalSeconds > 3600 {
		errs = append(errs, ValidationError{Field: "monitor_interval_seconds", Value: t.MonitorIntervalSeconds, Message: "must be between 5 and 3600"}.Error())
	}
	// R is a decimal fraction, never a percent: 0.01 == 1% of equity per R.
	if t.RPct <= 0 || t.RPct > 0.1 {
		errs = append(errs, ValidationError{Field: "r_pct", Value: t.RPct, Message: "must be a fraction in (0, 0.1]"}.Error())
	}
	if t.MaxHeat <= 0 || t.MaxHeat > 1 {
		errs = append(errs, ValidationError{Field: "max_heat", Value: t.MaxHeat, Message: "must be a fraction in (0, 1]"}.Error())
	}
	if t.ReserveFloor < 0 || t.ReserveFloor > t.ReserveTarget {
		errs = append(errs, ValidationError{Field: "reserve_floor", Value: t.ReserveFloor, Message: "must be in [0, reserve_target]"}.Error())
	}
	if t.CooldownMinutes < 0 {
		errs = append(errs, ValidationError{Field: "cooldown_minutes", Value: t.CooldownMinutes, Message: "must not be negative"}.Error())
	}
	switch strings.ToUpper(t.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		errs = append(errs, ValidationError{Field: "log_level", Value: t.LogLevel, Message: "must be one of DEBUG INFO WARN ERROR FATAL"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ScanInterval returns the scan cadence as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Tuning.ScanIntervalSeconds) * time.Second
}

// MonitorInterval returns the position monitor cadence as a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Tuning.MonitorIntervalSeconds) * time.Second
}

// BotConfig builds the per-user trading configuration from the tuning file
// seeded with the tier defaults.
func (c *Config) BotConfig() *core.BotConfig {
	t := &c.Tuning

	bc := &core.BotConfig{
		UserID:                 t.UserID,
		Universe:               append([]string(nil), t.Universe...),
		MinQuoteVolume:         decimal.NewFromFloat(t.MinQuoteVolume),
		MaxSpread:              decimal.NewFromFloat(t.MaxSpread),
		MinTOBDepth:            decimal.NewFromFloat(t.MinTOBDepth),
		RPct:                   decimal.NewFromFloat(t.RPct),
		MaxExposurePct:         decimal.NewFromFloat(t.MaxExposurePct),
		MaxHeat:                decimal.NewFromFloat(t.MaxHeat),
		MaxConcurrentPositions: c.Tier.MaxPositions,
		ReserveTarget:          decimal.NewFromFloat(t.ReserveTarget),
		ReserveFloor:           decimal.NewFromFloat(t.ReserveFloor),
		CooldownMinutes:        t.CooldownMinutes,
		SlippageLimitBps:       decimal.NewFromFloat(t.SlippageLimitBps),
		EventSlippageLimitBps:  decimal.NewFromFloat(t.EventSlippageLimitBps),
		DailyRLimit:            decimal.NewFromFloat(t.DailyRLimit),
		WeeklyRLimit:           decimal.NewFromFloat(t.WeeklyRLimit),
		Playbooks:              defaultPlaybooks(),
	}

	for name, pt := range t.Playbooks {
		p := core.Playbook(strings.ToUpper(name))
		cfg, ok := bc.Playbooks[p]
		if !ok {
			continue
		}
		if pt.Enabled != nil {
			cfg.Enabled = *pt.Enabled
		}
		if pt.VolumeMult > 0 {
			cfg.VolumeMult = decimal.NewFromFloat(pt.VolumeMult)
		}
		if pt.StopATRMult > 0 {
			cfg.StopATRMult = decimal.NewFromFloat(pt.StopATRMult)
		}
		if pt.DeviationATRMult > 0 {
			cfg.DeviationATRMult = decimal.NewFromFloat(pt.DeviationATRMult)
		}
		if pt.MaxTradesPerSession > 0 {
			cfg.MaxTradesPerSession = pt.MaxTradesPerSession
		}
		if pt.MaxHoldingMinutes > 0 {
			cfg.MaxHoldingMinutes = pt.MaxHoldingMinutes
		}
		bc.Playbooks[p] = cfg
	}

	return bc
}

func defaultPlaybooks() map[core.Playbook]core.PlaybookConfig {
	return map[core.Playbook]core.PlaybookConfig{
		core.PlaybookA: {
			Enabled:           true,
			VolumeMult:        decimal.NewFromFloat(1.5),
			StopATRMult:       decimal.NewFromFloat(1.2),
			MaxHoldingMinutes: 24 * 60,
		},
		core.PlaybookB: {
			Enabled:             true,
			DeviationATRMult:    decimal.NewFromFloat(2.0),
			StopATRMult:         decimal.NewFromFloat(1.0),
			MaxTradesPerSession: 3,
			MaxHoldingMinutes:   4 * 60,
		},
		core.PlaybookC: {
			Enabled:           true,
			StopATRMult:       decimal.NewFromFloat(1.5),
			MaxHoldingMinutes: 2 * 60,
		},
		core.PlaybookD: {
			Enabled:           true,
			VolumeMult:        decimal.NewFromFloat(2.0),
			StopATRMult:       decimal.NewFromFloat(1.0),
			MaxHoldingMinutes: 12 * 60,
		},
	}
}

// expandEnvVars expands ${VAR} references in the YAML content, leaving
// unknown references untouched so validation can report them.
func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}
