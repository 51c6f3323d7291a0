package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Gateway struct {
	BaseURL            string  `yaml:"base_url"`
	Account            string  `yaml:"account"`
	InsecureSkipVerify bool    `yaml:"insecure_skip_verify"` // local gateway runs with a self-signed cert
	TimeoutMs          int     `yaml:"timeout_ms"`
	RateLimitPerSec    float64 `yaml:"rate_limit_per_sec"`
	RateBurst          int     `yaml:"rate_burst"`
	MaxRetries         int     `yaml:"max_retries"`
	BackoffBaseMs      int     `yaml:"backoff_base_ms"`
	BackoffMaxMs       int     `yaml:"backoff_max_ms"`
	JitterMs           int     `yaml:"jitter_ms"`
}

type Session struct {
	KeepAliveSeconds int `yaml:"keep_alive_seconds"` // must stay below the gateway idle timeout
	MaxAuthRetries   int `yaml:"max_auth_retries"`
	BackoffBaseMs    int `yaml:"backoff_base_ms"`
	BackoffMaxMs     int `yaml:"backoff_max_ms"`
}

type Risk struct {
	MaxPositionPct      float64            `yaml:"max_position_pct"`       // per-position cap as fraction of NAV
	SleeveCaps          map[string]float64 `yaml:"sleeve_caps"`            // sleeve label -> cap fraction of NAV
	Sleeves             map[string]string  `yaml:"sleeves"`                // symbol -> sleeve label
	MaxADVParticipation float64            `yaml:"max_adv_participation"`  // order qty <= ADV * this
	StopLossPct         float64            `yaml:"stop_loss_pct"`          // unrealized loss fraction forcing an exit
	DriftBand           float64            `yaml:"drift_band"`             // |delta|/NAV below this emits no order
	MinOrderNotional    float64            `yaml:"min_order_notional"`
	LotSize             float64            `yaml:"lot_size"`
	MaxGrossExposurePct float64            `yaml:"max_gross_exposure_pct"`
	HeldNotTraded       []string           `yaml:"held_not_traded"` // positions exempt from full-exit on missing target
}

type Executor struct {
	PollIntervalMs   int  `yaml:"poll_interval_ms"`
	FillTimeoutMs    int  `yaml:"fill_timeout_ms"`
	ManualConfirm    bool `yaml:"manual_confirm"`
	ConfirmTimeoutMs int  `yaml:"confirm_timeout_ms"`
}

type Paper struct {
	StatePath      string `yaml:"state_path"` // seed positions and quotes for the simulated venue
	LatencyMsMin   int    `yaml:"latency_ms_min"`
	LatencyMsMax   int    `yaml:"latency_ms_max"`
	SlippageBpsMin int    `yaml:"slippage_bps_min"`
	SlippageBpsMax int    `yaml:"slippage_bps_max"`
}

type Root struct {
	TradingMode  string   `yaml:"trading_mode"` // paper | live
	LogLevel     string   `yaml:"log_level"`
	LogPretty    bool     `yaml:"log_pretty"`
	JournalDir   string   `yaml:"journal_dir"`
	Schedule     string   `yaml:"schedule"`      // cron expression for the trigger loop; empty = run once
	ConfirmAddr  string   `yaml:"confirm_addr"`  // listen address for manual approve/deny signals
	ADVDays      int      `yaml:"adv_days"`      // history window for average daily volume
	Gateway      Gateway  `yaml:"gateway"`
	Session      Session  `yaml:"session"`
	Risk         Risk     `yaml:"risk"`
	Executor     Executor `yaml:"executor"`
	Paper        Paper    `yaml:"paper"`
}

// Load reads the YAML config, applies defaults and overlays gateway
// credentials from the environment (.env honored when present).
func Load(path string) (Root, error) {
	var c Root

	// Credentials never live in the YAML file.
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("failed to parse config: %w", err)
	}

	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.JournalDir == "" {
		c.JournalDir = "data/journal"
	}
	if c.ConfirmAddr == "" {
		c.ConfirmAddr = "127.0.0.1:8092"
	}
	if c.ADVDays == 0 {
		c.ADVDays = 20
	}

	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "https://localhost:8765/v1/api"
	}
	if v := os.Getenv("GATEWAY_BASE_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("GATEWAY_ACCOUNT"); v != "" {
		c.Gateway.Account = v
	}
	if c.Gateway.TimeoutMs == 0 {
		c.Gateway.TimeoutMs = 10000
	}
	if c.Gateway.RateLimitPerSec == 0 {
		c.Gateway.RateLimitPerSec = 5
	}
	if c.Gateway.RateBurst == 0 {
		c.Gateway.RateBurst = 5
	}
	if c.Gateway.MaxRetries == 0 {
		c.Gateway.MaxRetries = 3
	}
	if c.Gateway.BackoffBaseMs == 0 {
		c.Gateway.BackoffBaseMs = 200
	}
	if c.Gateway.BackoffMaxMs == 0 {
		c.Gateway.BackoffMaxMs = 5000
	}
	if c.Gateway.JitterMs == 0 {
		c.Gateway.JitterMs = 100
	}

	if c.Session.KeepAliveSeconds == 0 {
		c.Session.KeepAliveSeconds = 60
	}
	if c.Session.MaxAuthRetries == 0 {
		c.Session.MaxAuthRetries = 3
	}
	if c.Session.BackoffBaseMs == 0 {
		c.Session.BackoffBaseMs = 500
	}
	if c.Session.BackoffMaxMs == 0 {
		c.Session.BackoffMaxMs = 10000
	}

	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 0.10
	}
	if c.Risk.MaxADVParticipation == 0 {
		c.Risk.MaxADVParticipation = 0.10
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 0.30
	}
	if c.Risk.DriftBand == 0 {
		c.Risk.DriftBand = 0.03
	}
	if c.Risk.MinOrderNotional == 0 {
		c.Risk.MinOrderNotional = 200
	}
	if c.Risk.LotSize == 0 {
		c.Risk.LotSize = 1
	}
	if c.Risk.MaxGrossExposurePct == 0 {
		c.Risk.MaxGrossExposurePct = 1.0
	}

	if c.Executor.PollIntervalMs == 0 {
		c.Executor.PollIntervalMs = 1000
	}
	if c.Executor.FillTimeoutMs == 0 {
		c.Executor.FillTimeoutMs = 120000
	}
	if c.Executor.ConfirmTimeoutMs == 0 {
		c.Executor.ConfirmTimeoutMs = 60000
	}

	if c.Paper.StatePath == "" {
		c.Paper.StatePath = "data/paper_state.yaml"
	}
	if c.Paper.LatencyMsMin == 0 {
		c.Paper.LatencyMsMin = 10
	}
	if c.Paper.LatencyMsMax == 0 {
		c.Paper.LatencyMsMax = 50
	}
	if c.Paper.SlippageBpsMin == 0 {
		c.Paper.SlippageBpsMin = 1
	}
	if c.Paper.SlippageBpsMax == 0 {
		c.Paper.SlippageBpsMax = 5
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate rejects configurations that could place orders we cannot audit
// or bound.
func (c *Root) Validate() error {
	if c.TradingMode != "paper" && c.TradingMode != "live" {
		return fmt.Errorf("trading_mode must be paper or live, got %q", c.TradingMode)
	}
	if c.TradingMode == "live" && c.Gateway.Account == "" {
		return fmt.Errorf("gateway account is required for live trading")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("max_position_pct must be in (0,1], got %f", c.Risk.MaxPositionPct)
	}
	if c.Risk.DriftBand < 0 || c.Risk.DriftBand > 1 {
		return fmt.Errorf("drift_band must be in [0,1], got %f", c.Risk.DriftBand)
	}
	if c.Risk.MaxADVParticipation <= 0 || c.Risk.MaxADVParticipation > 1 {
		return fmt.Errorf("max_adv_participation must be in (0,1], got %f", c.Risk.MaxADVParticipation)
	}
	for sleeve, cap := range c.Risk.SleeveCaps {
		if cap <= 0 || cap > 1 {
			return fmt.Errorf("sleeve cap for %q must be in (0,1], got %f", sleeve, cap)
		}
	}
	return nil
}
