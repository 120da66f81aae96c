// Package config loads and hot-reloads the engine's configuration surface:
// a viper-backed loader with yaml defaults, environment overrides, and an
// fsnotify watcher that reloads and fans out to registered callbacks on
// file change. One EngineConfig tree covers everything the trade-execution
// core consumes — no HTTP/gRPC/websocket/JWT/gin sections, since this
// process exposes none of those surfaces.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// OrderConfig holds the order-placement controls.
type OrderConfig struct {
	DefaultProduct        string `yaml:"default_product" default:"MIS"`
	DefaultVariety        string `yaml:"default_order_variety" default:"regular"`
	EntryOrderType        string `yaml:"entry_order_type" default:"LIMIT"`
	EntryOrderTypeOpt     string `yaml:"entry_order_type_opt" default:"LIMIT"`
	EnforceMarketProtection bool `yaml:"enforce_market_protection" default:"true"`
	MarketProtectionPct   float64 `yaml:"market_protection" default:"0.5"`
}

// RateConfig holds the OrderRateLimiter's per-process and broker-mirror
// caps.
type RateConfig struct {
	MaxOrdersPerSec   int `yaml:"max_orders_per_sec" default:"3"`
	MaxOrdersPerMin   int `yaml:"max_orders_per_min" default:"60"`
	MaxOrdersPerDay   int `yaml:"max_orders_per_day" default:"2000"`
	BrokerMaxPerSec   int `yaml:"broker_max_orders_per_sec" default:"10"`
	BrokerMaxPerMin   int `yaml:"broker_max_orders_per_min" default:"180"`
}

// SlippageConfig bounds acceptable entry slippage and the feedback cooldown
// it triggers ("Slippage" line).
type SlippageConfig struct {
	MaxEntryBps        float64       `yaml:"max_entry_slippage_bps" default:"15"`
	MaxEntryBpsOpt     float64       `yaml:"max_entry_slippage_bps_opt" default:"40"`
	KillBps            float64       `yaml:"max_entry_slippage_kill_bps" default:"80"`
	KillTicks          int           `yaml:"max_entry_slippage_ticks" default:"10"`
	FeedbackWindow     int           `yaml:"slippage_feedback_window" default:"20"`
	FeedbackCooldown   time.Duration `yaml:"slippage_feedback_cooldown" default:"5m"`
}

// RiskConfig carries the per-trade and per-day risk caps ("Risk" line).
type RiskConfig struct {
	RiskPerTradeInr     float64 `yaml:"risk_per_trade_inr" default:"600"`
	DailyMaxLossInr     float64 `yaml:"daily_max_loss_inr" default:"3000"`
	DailyProfitGoalInr  float64 `yaml:"daily_profit_goal_inr" default:"6000"`
	MaxPositionValueInr float64 `yaml:"max_position_value_inr" default:"150000"`
	LotRiskCapEnforce   bool    `yaml:"lot_risk_cap_enforce" default:"true"`
	LotRiskCapEpsPct    float64 `yaml:"lot_risk_cap_eps_pct" default:"0.02"`
	MaxConsecutiveFails int     `yaml:"max_consecutive_fails" default:"3"`
}

// StopsConfig covers stop-loss/target order-type selection and buffers
// ("Stops/targets" line).
type StopsConfig struct {
	StopLossOrderTypeEQ string  `yaml:"stoploss_order_type_eq" default:"SL-M"`
	StopLossOrderTypeFO string  `yaml:"stoploss_order_type_fo" default:"SL-M"`
	SLLimitBufferBps    float64 `yaml:"sl_limit_buffer_bps" default:"5"`
	SLLimitBufferTicks  int     `yaml:"sl_limit_buffer_ticks" default:"2"`
	SLLimitBufferAbs    float64 `yaml:"sl_limit_buffer_abs" default:"0"`
	SLLimitMaxBufferBps float64 `yaml:"sl_limit_buffer_max_bps" default:"50"`
	RRTarget            float64 `yaml:"rr_target" default:"2"`
	OptSLMode           string  `yaml:"opt_sl_mode" default:"PCT"`
	OptStopPct          float64 `yaml:"opt_stop_pct" default:"0.25"`
	OptSLPoints         float64 `yaml:"opt_sl_points" default:"0"`
	OptTargetMode       string  `yaml:"opt_target_mode" default:"BROKER"`
}

// WatchdogConfig bundles the SL/target/panic-exit watchdog timers
// ("Watchdogs" line).
type WatchdogConfig struct {
	SLWatchdogEnabled       bool          `yaml:"sl_watchdog_enabled" default:"true"`
	SLWatchdogOpenSecs      time.Duration `yaml:"sl_watchdog_open_sec" default:"5s"`
	SLWatchdogRequireBreach bool          `yaml:"sl_watchdog_require_ltp_breach" default:"true"`
	SLWatchdogTriggerBpsBuf float64       `yaml:"sl_watchdog_trigger_bps_buffer" default:"2"`
	SLWatchdogKillOnFire    bool          `yaml:"sl_watchdog_kill_switch_on_fire" default:"false"`
	TargetWatchdogEnabled   bool          `yaml:"target_watchdog_enabled" default:"true"`
	TargetWatchdogRetries   int           `yaml:"target_watchdog_retries" default:"3"`
	PanicExitFillTimeout    time.Duration `yaml:"panic_exit_fill_timeout_ms" default:"5s"`
	PanicExitMaxRetries     int           `yaml:"panic_exit_max_retries" default:"3"`
}

// ReconcileConfig tunes the position-first reconciler's cadence ("Reconcile"
// line).
type ReconcileConfig struct {
	OnOrderUpdate        bool          `yaml:"reconcile_on_order_update" default:"true"`
	DebounceMs           time.Duration `yaml:"reconcile_debounce_ms" default:"500ms"`
	PositionReconciler   bool          `yaml:"oco_position_reconciler_enabled" default:"true"`
	FlatGraceMs          time.Duration `yaml:"oco_flat_grace_ms" default:"10s"`
	PeriodicInterval     time.Duration `yaml:"reconcile_periodic_interval" default:"30s"`
}

// PacingConfig gates entries by confidence, spread, regime, and time window
// ("Pacing/regime" line).
type PacingConfig struct {
	MinSignalConfidence float64         `yaml:"min_signal_confidence" default:"70"`
	MaxSpreadBps        float64         `yaml:"max_spread_bps" default:"20"`
	MaxSpreadBpsEQ      float64         `yaml:"max_spread_bps_eq" default:"10"`
	MaxSpreadBpsFut     float64         `yaml:"max_spread_bps_fut" default:"15"`
	MaxSpreadBpsOpt     float64         `yaml:"max_spread_bps_opt" default:"25"`
	MinATRPct           float64         `yaml:"min_atr_pct" default:"0.1"`
	MaxATRPct           float64         `yaml:"max_atr_pct" default:"3.0"`
	MinRelVolume        float64         `yaml:"min_rel_volume" default:"1.0"`
	NoTradeWindows      []string        `yaml:"no_trade_windows"`
	ForceFlattenAt      string          `yaml:"force_flatten_at" default:"15:20"`
	EODMisToNrmlAt      string          `yaml:"eod_mis_to_nrml_at" default:"15:15"`
}

// CircuitBreakerConfig names the process-level circuit breakers that sit in
// front of the broker adapter ("Circuit breakers" line).
type CircuitBreakerConfig struct {
	Enabled             bool          `yaml:"circuit_breakers_enabled" default:"true"`
	MaxRejects5m        int           `yaml:"cb_max_rejects_5m" default:"5"`
	MaxSpreadSpikes5m   int           `yaml:"cb_max_spread_spikes_5m" default:"5"`
	MaxStaleTicks5m     int           `yaml:"cb_max_stale_ticks_5m" default:"10"`
	MaxQuoteGuardHits5m int           `yaml:"cb_max_quote_guard_hits_5m" default:"5"`
	CooldownSecs        time.Duration `yaml:"cb_cooldown_sec" default:"60s"`
}

// ExitConfig bundles the exitplanner's tunables: trail-arm threshold,
// breakeven lock, ATR trailing.
type ExitConfig struct {
	TrailArmR           float64       `yaml:"trail_arm_r" default:"1"`
	BELockCostMult      float64       `yaml:"be_lock_cost_mult" default:"1.5"`
	BELockBufferPts     float64       `yaml:"be_lock_buffer_pts" default:"0.5"`
	ATRPeriod           int           `yaml:"atr_period" default:"14"`
	ATRTrailMult        float64       `yaml:"atr_trail_mult" default:"1.5"`
	MinGreenHoldSecs    time.Duration `yaml:"min_green_hold_secs" default:"30s"`
	RoundLevelBufferPts float64       `yaml:"round_level_buffer_pts" default:"0.1"`
	CandleInterval      time.Duration `yaml:"candle_interval" default:"1m"`
	CandleLookback      int           `yaml:"candle_lookback" default:"30"`
}

// DatabaseConfig bounds the gorm/postgres connection TradeStore is backed
// by.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" default:""`
	MaxOpenConns    int           `yaml:"max_open_conns" default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"5"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" default:"5m"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"1h"`
}

// EventsConfig bounds the NATS transport events.Bus connects over.
type EventsConfig struct {
	URL               string        `yaml:"url" default:""`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" default:"5s"`
	MaxReconnects     int           `yaml:"max_reconnects" default:"10"`
	ReconnectWait     time.Duration `yaml:"reconnect_wait" default:"1s"`
	TickFunnelBuffer  int           `yaml:"tick_funnel_buffer" default:"256"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" default:"30s"`
	OrphanSweepInterval time.Duration `yaml:"orphan_sweep_interval" default:"15m"`
}

// EngineConfig is the full typed configuration surface the trade-execution
// core consumes.
type EngineConfig struct {
	Environment string               `yaml:"environment" default:"development"`
	LogLevel    string               `yaml:"log_level" default:"info"`
	LotPolicy   string               `yaml:"lot_policy" default:"FORCE_ONE_LOT"`
	Order       OrderConfig          `yaml:"order"`
	Rate        RateConfig           `yaml:"rate"`
	Slippage    SlippageConfig       `yaml:"slippage"`
	Risk        RiskConfig           `yaml:"risk"`
	Stops       StopsConfig          `yaml:"stops"`
	Watchdog    WatchdogConfig       `yaml:"watchdog"`
	Reconcile   ReconcileConfig      `yaml:"reconcile"`
	Pacing      PacingConfig         `yaml:"pacing"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Database    DatabaseConfig       `yaml:"database"`
	Events      EventsConfig         `yaml:"events"`
	Exit        ExitConfig           `yaml:"exit"`
}

// Manager owns the live EngineConfig, reloading it from disk on fsnotify
// events and fanning the new value out to registered callbacks. One config
// tree, one watched file.
type Manager struct {
	viper      *viper.Viper
	configPath string
	env        string

	config atomic.Value // *EngineConfig

	watcher    *fsnotify.Watcher
	reloadChan chan struct{}

	cbMu      sync.RWMutex
	callbacks []func(*EngineConfig)

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a Manager, performs the initial load, and starts
// watching configPath's directory for changes.
func NewManager(configPath, env string) (*Manager, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	m := &Manager{
		viper:      viper.New(),
		configPath: configPath,
		env:        env,
		watcher:    watcher,
		reloadChan: make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	m.viper.SetConfigFile(configPath)
	m.viper.SetEnvPrefix("TRADECORE")
	m.viper.AutomaticEnv()
	setDefaults(m.viper, DefaultEngineConfig())

	if err := m.load(); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := m.startWatching(); err != nil {
		watcher.Close()
		return nil, err
	}
	return m, nil
}

// DefaultEngineConfig returns an EngineConfig populated with the defaults
// named in each field's `default` tag, used both as viper's fallback layer
// and as the config a caller gets if no file is present at all.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Environment: "development",
		LotPolicy:   "FORCE_ONE_LOT",
		Order: OrderConfig{
			DefaultProduct: "MIS", DefaultVariety: "regular",
			EntryOrderType: "LIMIT", EntryOrderTypeOpt: "LIMIT",
			EnforceMarketProtection: true, MarketProtectionPct: 0.5,
		},
		Rate: RateConfig{
			MaxOrdersPerSec: 3, MaxOrdersPerMin: 60, MaxOrdersPerDay: 2000,
			BrokerMaxPerSec: 10, BrokerMaxPerMin: 180,
		},
		Slippage: SlippageConfig{
			MaxEntryBps: 15, MaxEntryBpsOpt: 40, KillBps: 80, KillTicks: 10,
			FeedbackWindow: 20, FeedbackCooldown: 5 * time.Minute,
		},
		Risk: RiskConfig{
			RiskPerTradeInr: 600, DailyMaxLossInr: 3000, DailyProfitGoalInr: 6000,
			MaxPositionValueInr: 150000, LotRiskCapEnforce: true, LotRiskCapEpsPct: 0.02,
			MaxConsecutiveFails: 3,
		},
		Stops: StopsConfig{
			StopLossOrderTypeEQ: "SL-M", StopLossOrderTypeFO: "SL-M",
			SLLimitBufferBps: 5, SLLimitBufferTicks: 2, SLLimitMaxBufferBps: 50,
			RRTarget: 2, OptSLMode: "PCT", OptStopPct: 0.25, OptTargetMode: "BROKER",
		},
		Watchdog: WatchdogConfig{
			SLWatchdogEnabled: true, SLWatchdogOpenSecs: 5 * time.Second,
			SLWatchdogRequireBreach: true, SLWatchdogTriggerBpsBuf: 2,
			TargetWatchdogEnabled: true, TargetWatchdogRetries: 3,
			PanicExitFillTimeout: 5 * time.Second, PanicExitMaxRetries: 3,
		},
		Reconcile: ReconcileConfig{
			OnOrderUpdate: true, DebounceMs: 500 * time.Millisecond,
			PositionReconciler: true, FlatGraceMs: 10 * time.Second,
			PeriodicInterval: 30 * time.Second,
		},
		Pacing: PacingConfig{
			MinSignalConfidence: 70, MaxSpreadBps: 20, MaxSpreadBpsEQ: 10,
			MaxSpreadBpsFut: 15, MaxSpreadBpsOpt: 25, MinATRPct: 0.1, MaxATRPct: 3.0,
			MinRelVolume: 1.0, ForceFlattenAt: "15:20", EODMisToNrmlAt: "15:15",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true, MaxRejects5m: 5, MaxSpreadSpikes5m: 5,
			MaxStaleTicks5m: 10, MaxQuoteGuardHits5m: 5, CooldownSecs: 60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10, MaxIdleConns: 5,
			ConnMaxIdleTime: 5 * time.Minute, ConnMaxLifetime: time.Hour,
		},
		Events: EventsConfig{
			ConnectionTimeout: 5 * time.Second, MaxReconnects: 10,
			ReconnectWait: time.Second, TickFunnelBuffer: 256,
			ReconcileInterval:   30 * time.Second,
			OrphanSweepInterval: 15 * time.Minute,
		},
		Exit: ExitConfig{
			TrailArmR: 1, BELockCostMult: 1.5, BELockBufferPts: 0.5,
			ATRPeriod: 14, ATRTrailMult: 1.5, MinGreenHoldSecs: 30 * time.Second,
			RoundLevelBufferPts: 0.1,
			CandleInterval:      time.Minute,
			CandleLookback:      30,
		},
		LogLevel: "info",
	}
}

// setDefaults seeds viper's default layer from an EngineConfig so a
// partially-specified YAML file still resolves every field.
func setDefaults(v *viper.Viper, d EngineConfig) {
	v.SetDefault("environment", d.Environment)
	v.SetDefault("lot_policy", d.LotPolicy)
	v.SetDefault("order", d.Order)
	v.SetDefault("rate", d.Rate)
	v.SetDefault("slippage", d.Slippage)
	v.SetDefault("risk", d.Risk)
	v.SetDefault("stops", d.Stops)
	v.SetDefault("watchdog", d.Watchdog)
	v.SetDefault("reconcile", d.Reconcile)
	v.SetDefault("pacing", d.Pacing)
	v.SetDefault("circuit_breaker", d.CircuitBreaker)
	v.SetDefault("database", d.Database)
	v.SetDefault("events", d.Events)
	v.SetDefault("exit", d.Exit)
	v.SetDefault("log_level", d.LogLevel)
}

func (m *Manager) load() error {
	if _, err := os.Stat(m.configPath); err == nil {
		if err := m.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	cfg := DefaultEngineConfig()
	raw, err := yaml.Marshal(m.viper.AllSettings())
	if err != nil {
		return fmt.Errorf("marshal config settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Environment = m.env
	m.config.Store(&cfg)
	m.notify(&cfg)
	return nil
}

func (m *Manager) startWatching() error {
	dir := filepath.Dir(m.configPath)
	if err := m.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != m.configPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case m.reloadChan <- struct{}{}:
			default:
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		case <-m.reloadChan:
			time.Sleep(100 * time.Millisecond) // debounce rapid successive writes
			if err := m.load(); err != nil {
				continue
			}
		}
	}
}

func (m *Manager) notify(cfg *EngineConfig) {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()
	for _, cb := range m.callbacks {
		go cb(cfg)
	}
}

// RegisterCallback subscribes to future config reloads.
func (m *Manager) RegisterCallback(cb func(*EngineConfig)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Get returns the current EngineConfig.
func (m *Manager) Get() *EngineConfig {
	return m.config.Load().(*EngineConfig)
}

// Close stops the watcher goroutine and releases the fsnotify watcher.
func (m *Manager) Close() error {
	close(m.stop)
	m.wg.Wait()
	return m.watcher.Close()
}

// ParseTimeOfDay parses an "HH:MM" string into a time.Duration offset since
// local midnight, as trademanager.Config.ForceFlattenAt expects. Returns 0
// (disabled) if s is empty or malformed.
func ParseTimeOfDay(s string) time.Duration {
	if s == "" {
		return 0
	}
	var h, min int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &min); err != nil {
		return 0
	}
	return time.Duration(h)*time.Hour + time.Duration(min)*time.Minute
}
