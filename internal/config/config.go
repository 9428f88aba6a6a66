package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all bot configuration
type Config struct {
	Wallet    WalletConfig    `mapstructure:"wallet"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Poll      PollConfig      `mapstructure:"poll"`
	Jupiter   JupiterConfig   `mapstructure:"jupiter"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Virtual   VirtualConfig   `mapstructure:"virtual"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	SourceWallet  string `mapstructure:"source_wallet"`
}

type RPCConfig struct {
	PrimaryURL        string `mapstructure:"primary_url"`
	PrimaryAPIKeyEnv  string `mapstructure:"primary_api_key_env"`
	FallbackURL       string `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv string `mapstructure:"fallback_api_key_env"`
}

type WebSocketConfig struct {
	URL                   string `mapstructure:"url"`
	ReconnectDelayMs      int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs        int    `mapstructure:"ping_interval_ms"`
	HealthIntervalSeconds int    `mapstructure:"health_interval_seconds"`
}

type WebhookConfig struct {
	ListenHost         string `mapstructure:"listen_host"`
	ListenPort         int    `mapstructure:"listen_port"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
}

type PollConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	SignatureLimit  int `mapstructure:"signature_limit"`
}

type JupiterConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	SlippageBps    int    `mapstructure:"slippage_bps"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	APIKeysEnv     string `mapstructure:"api_keys_env"`
}

type TradingConfig struct {
	CopyRatio        float64 `mapstructure:"copy_ratio"`
	MaxSolPerTrade   float64 `mapstructure:"max_sol_per_trade"`
	MinSolPerTrade   float64 `mapstructure:"min_sol_per_trade"`
	MaxSolPerDay     float64 `mapstructure:"max_sol_per_day"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`

	MaxPriceImpactBps int     `mapstructure:"max_price_impact_bps"`
	MaxPriceDriftPct  float64 `mapstructure:"max_price_drift_pct"` // 0 = drift guard off
	CooldownSeconds   int     `mapstructure:"cooldown_seconds"`

	AllowUnsafeParseTrades    bool `mapstructure:"allow_unsafe_parse_trades"`
	DisableDriftGuardOnUnsafe bool `mapstructure:"disable_drift_guard_on_unsafe_parse"`
	AllowSellOnSentPosition   bool `mapstructure:"allow_sell_on_sent_position"`
	SellOnSentTimeoutSeconds  int  `mapstructure:"sell_on_sent_timeout_seconds"`
	PendingTimeoutMinutes     int  `mapstructure:"pending_position_timeout_minutes"`

	RestrictIntermediateTokens bool `mapstructure:"restrict_intermediate_tokens"`

	PauseTrading bool `mapstructure:"pause_trading"`
	DryRun       bool `mapstructure:"dry_run"`
}

type FeesConfig struct {
	PriorityFeeLamports uint64  `mapstructure:"priority_fee_lamports"`
	MaxFeePct           float64 `mapstructure:"max_fee_pct"`
	MinReserveSol       float64 `mapstructure:"min_reserve_sol"`
	Mode                string  `mapstructure:"mode"` // "estimate" or "accurate"
	CompareAlertPct     float64 `mapstructure:"compare_alert_pct"`
}

type SafetyConfig struct {
	BlockIfMintAuthority   bool `mapstructure:"block_if_mint_authority"`
	BlockIfFreezeAuthority bool `mapstructure:"block_if_freeze_authority"`
}

type BreakerConfig struct {
	FailRatePct       float64 `mapstructure:"fail_rate_pct"`
	FailWindowMinutes int     `mapstructure:"fail_window_minutes"`
	LatencyP99Ms      int64   `mapstructure:"latency_p99_ms"`
	NoPositionSpike   int     `mapstructure:"no_position_spike"`
	AutoResetMinutes  int     `mapstructure:"auto_reset_minutes"`
}

type VirtualConfig struct {
	StartingSol float64 `mapstructure:"starting_sol"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type TelegramConfig struct {
	BotTokenEnv string `mapstructure:"bot_token_env"`
	ChatID      int64  `mapstructure:"chat_id"`
}

// Manager handles config loading, validation and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads and validates the config file. Environment variables
// prefixed COPYBOT_ override file values (COPYBOT_TRADING_DRY_RUN etc).
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COPYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// A reload that fails validation keeps the previous config.
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wallet.private_key_env", "WALLET_PRIVATE_KEY")
	v.SetDefault("rpc.primary_api_key_env", "SHYFT_API_KEY")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.fallback_api_key_env", "HELIUS_API_KEY")
	v.SetDefault("websocket.reconnect_delay_ms", 2000)
	v.SetDefault("websocket.ping_interval_ms", 15000)
	v.SetDefault("websocket.health_interval_seconds", 30)
	v.SetDefault("webhook.listen_host", "0.0.0.0")
	v.SetDefault("webhook.listen_port", 8080)
	v.SetDefault("webhook.rate_limit_per_minute", 120)
	v.SetDefault("poll.interval_seconds", 5)
	v.SetDefault("poll.signature_limit", 10)
	v.SetDefault("jupiter.base_url", "https://api.jup.ag/swap/v1")
	v.SetDefault("jupiter.slippage_bps", 300)
	v.SetDefault("jupiter.timeout_seconds", 10)
	v.SetDefault("jupiter.api_keys_env", "JUPITER_API_KEYS")
	v.SetDefault("trading.copy_ratio", 0.1)
	v.SetDefault("trading.max_sol_per_trade", 0.5)
	v.SetDefault("trading.min_sol_per_trade", 0.01)
	v.SetDefault("trading.max_sol_per_day", 2.0)
	v.SetDefault("trading.max_open_positions", 10)
	v.SetDefault("trading.max_price_impact_bps", 500)
	v.SetDefault("trading.cooldown_seconds", 60)
	v.SetDefault("trading.sell_on_sent_timeout_seconds", 10)
	v.SetDefault("trading.pending_position_timeout_minutes", 5)
	v.SetDefault("trading.restrict_intermediate_tokens", true)
	v.SetDefault("trading.dry_run", true)
	v.SetDefault("fees.priority_fee_lamports", 100000)
	v.SetDefault("fees.max_fee_pct", 1.0)
	v.SetDefault("fees.min_reserve_sol", 0.01)
	v.SetDefault("fees.mode", "estimate")
	v.SetDefault("fees.compare_alert_pct", 2.0)
	v.SetDefault("safety.block_if_mint_authority", true)
	v.SetDefault("safety.block_if_freeze_authority", true)
	v.SetDefault("breaker.fail_rate_pct", 30)
	v.SetDefault("breaker.fail_window_minutes", 10)
	v.SetDefault("breaker.latency_p99_ms", 15000)
	v.SetDefault("breaker.no_position_spike", 5)
	v.SetDefault("breaker.auto_reset_minutes", 0)
	v.SetDefault("virtual.starting_sol", 10.0)
	v.SetDefault("storage.sqlite_path", "./data/copybot.db")
	v.SetDefault("telegram.bot_token_env", "TELEGRAM_BOT_TOKEN")
}

// Validate checks typed constraints. The process must refuse to start
// with a config that fails any of these.
func (c *Config) Validate() error {
	if c.Wallet.SourceWallet == "" {
		return fmt.Errorf("wallet.source_wallet is required")
	}
	if r := c.Trading.CopyRatio; r <= 0 || r > 1 {
		return fmt.Errorf("trading.copy_ratio must be in (0,1], got %v", r)
	}
	if c.Trading.MaxSolPerTrade <= 0 {
		return fmt.Errorf("trading.max_sol_per_trade must be > 0")
	}
	if c.Trading.MinSolPerTrade <= 0 || c.Trading.MinSolPerTrade > c.Trading.MaxSolPerTrade {
		return fmt.Errorf("trading.min_sol_per_trade must be in (0, max_sol_per_trade]")
	}
	if c.Trading.MaxSolPerDay < c.Trading.MaxSolPerTrade {
		return fmt.Errorf("trading.max_sol_per_day must be >= max_sol_per_trade")
	}
	if c.Trading.MaxOpenPositions <= 0 {
		return fmt.Errorf("trading.max_open_positions must be > 0")
	}
	if s := c.Jupiter.SlippageBps; s < 1 || s > 5000 {
		return fmt.Errorf("jupiter.slippage_bps must be in [1,5000], got %d", s)
	}
	if c.Trading.MaxPriceImpactBps < 0 {
		return fmt.Errorf("trading.max_price_impact_bps must be >= 0")
	}
	if d := c.Trading.MaxPriceDriftPct; d < 0 || d > 100 {
		return fmt.Errorf("trading.max_price_drift_pct must be in [0,100], got %v", d)
	}
	if p := c.Fees.MaxFeePct; p < 0 || p > 100 {
		return fmt.Errorf("fees.max_fee_pct must be in [0,100], got %v", p)
	}
	if c.Fees.MinReserveSol < 0 {
		return fmt.Errorf("fees.min_reserve_sol must be >= 0")
	}
	if m := c.Fees.Mode; m != "estimate" && m != "accurate" {
		return fmt.Errorf("fees.mode must be \"estimate\" or \"accurate\", got %q", m)
	}
	if c.Trading.CooldownSeconds < 0 {
		return fmt.Errorf("trading.cooldown_seconds must be >= 0")
	}
	if c.Trading.SellOnSentTimeoutSeconds <= 0 {
		return fmt.Errorf("trading.sell_on_sent_timeout_seconds must be > 0")
	}
	if c.Trading.PendingTimeoutMinutes <= 0 {
		return fmt.Errorf("trading.pending_position_timeout_minutes must be > 0")
	}
	if c.Breaker.FailRatePct <= 0 || c.Breaker.FailRatePct > 100 {
		return fmt.Errorf("breaker.fail_rate_pct must be in (0,100]")
	}
	if c.Breaker.FailWindowMinutes <= 0 {
		return fmt.Errorf("breaker.fail_window_minutes must be > 0")
	}
	if c.Virtual.StartingSol <= 0 {
		return fmt.Errorf("virtual.starting_sol must be > 0")
	}
	if c.Webhook.RateLimitPerMinute <= 0 {
		return fmt.Errorf("webhook.rate_limit_per_minute must be > 0")
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll.interval_seconds must be > 0")
	}
	if c.Poll.SignatureLimit <= 0 || c.Poll.SignatureLimit > 1000 {
		return fmt.Errorf("poll.signature_limit must be in [1,1000]")
	}
	if c.RPC.PrimaryURL == "" {
		return fmt.Errorf("rpc.primary_url is required")
	}
	return nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetTrading returns trading config (most frequently accessed)
func (m *Manager) GetTrading() TradingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Trading
}

// GetFees returns fee config
func (m *Manager) GetFees() FeesConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Fees
}

// GetBreaker returns circuit breaker thresholds
func (m *Manager) GetBreaker() BreakerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Breaker
}

// SetOnChange registers a callback invoked after every successful
// reload or Update
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update modifies mutable trading knobs and persists them to the file
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(m.config)

	if err := m.config.Validate(); err != nil {
		return err
	}

	m.viper.Set("trading.copy_ratio", m.config.Trading.CopyRatio)
	m.viper.Set("trading.max_sol_per_trade", m.config.Trading.MaxSolPerTrade)
	m.viper.Set("trading.max_sol_per_day", m.config.Trading.MaxSolPerDay)
	m.viper.Set("trading.max_open_positions", m.config.Trading.MaxOpenPositions)
	m.viper.Set("trading.pause_trading", m.config.Trading.PauseTrading)

	if err := m.viper.WriteConfig(); err != nil {
		return err
	}

	if m.onChange != nil {
		m.onChange(m.config)
	}
	return nil
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("reloaded config invalid, keeping previous")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetPrivateKey loads the bot wallet key from environment
func (m *Manager) GetPrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallet.PrivateKeyEnv)
}

// GetTelegramToken loads the notifier bot token from environment
func (m *Manager) GetTelegramToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Telegram.BotTokenEnv)
}

// GetJupiterAPIKeys loads aggregator API keys from environment
// (comma separated, empty slice when unset)
func (m *Manager) GetJupiterAPIKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw := os.Getenv(m.config.Jupiter.APIKeysEnv)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// GetPrimaryRPCURL returns the primary RPC URL with API key injected
func (m *Manager) GetPrimaryRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectKey(m.config.RPC.PrimaryURL, os.Getenv(m.config.RPC.PrimaryAPIKeyEnv))
}

// GetFallbackRPCURL returns the fallback RPC URL with API key injected
func (m *Manager) GetFallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectKey(m.config.RPC.FallbackURL, os.Getenv(m.config.RPC.FallbackAPIKeyEnv))
}

// GetWSURL returns the log-subscription WebSocket URL with API key injected
func (m *Manager) GetWSURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectKey(m.config.WebSocket.URL, os.Getenv(m.config.RPC.PrimaryAPIKeyEnv))
}

func injectKey(url, key string) string {
	if key == "" || url == "" {
		return url
	}
	if strings.Contains(url, "api_key") || strings.Contains(url, "api-key") {
		return url
	}

	// Helius endpoints use api-key, everything else api_key
	param := "api_key"
	if strings.Contains(url, "helius") {
		param = "api-key"
	}

	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + key
	}
	return url + "?" + param + "=" + key
}

// GetPollInterval returns the pull-source period as a duration
func (m *Manager) GetPollInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Poll.IntervalSeconds) * time.Second
}

// GetCooldown returns the per-token buy cooldown as a duration
func (m *Manager) GetCooldown() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Trading.CooldownSeconds) * time.Second
}
