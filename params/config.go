package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MarketConfig declares one tradable market.
type MarketConfig struct {
	ID                 string `mapstructure:"id"`
	Token              string `mapstructure:"token"`
	MaxLeverageX       int64  `mapstructure:"max_leverage"`
	MaintMarginBps     int64  `mapstructure:"maintenance_margin_bps"`
	TakerFeeBps        int64  `mapstructure:"taker_fee_bps"`
	MakerFeeBps        int64  `mapstructure:"maker_fee_bps"`
	FundingIntervalSec int64  `mapstructure:"funding_interval_s"`
	MaxFundingBps      int64  `mapstructure:"max_funding_bps"`
	InsuranceSeed      int64  `mapstructure:"insurance_seed"`
	InsuranceFeeBps    int64  `mapstructure:"insurance_fee_bps"`
	LiquidationFeeBps  int64  `mapstructure:"liquidation_fee_bps"`
}

// OracleConfig selects and tunes the spot price feed.
type OracleConfig struct {
	// Source is "static" (devnet) or "http".
	Source string `mapstructure:"source"`
	// URL is the base URL for the http source.
	URL          string        `mapstructure:"url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Staleness    time.Duration `mapstructure:"staleness"`
	// StaticPrices seeds the static source, market id to 1e6 fixed-point price.
	StaticPrices map[string]int64 `mapstructure:"static_prices"`
}

// ChainConfig pins the signing domain.
type ChainConfig struct {
	ChainID           int64  `mapstructure:"chain_id"`
	SettlementAddress string `mapstructure:"settlement_address"`
	RPCURL            string `mapstructure:"rpc_url"`
}

// EngineConfig tunes the matching and risk core.
type EngineConfig struct {
	RiskTickInterval       time.Duration `mapstructure:"risk_tick_interval"`
	AllowNegativeInsurance bool          `mapstructure:"allow_negative_insurance"`
	// KlineResolutions lists candle resolutions in seconds.
	KlineResolutions []int64 `mapstructure:"kline_resolutions"`
	JournalPath      string  `mapstructure:"journal_path"`
}

// ServerConfig binds the outward surfaces.
type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogPath     string `mapstructure:"log_path"`
}

type Config struct {
	Chain   ChainConfig    `mapstructure:"chain"`
	Engine  EngineConfig   `mapstructure:"engine"`
	Oracle  OracleConfig   `mapstructure:"oracle"`
	Server  ServerConfig   `mapstructure:"server"`
	Markets []MarketConfig `mapstructure:"markets"`
}

// Default returns the devnet configuration: one MEME market against a static
// oracle, journaling to ./data.
func Default() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:           1337,
			SettlementAddress: "0x0000000000000000000000000000000000000001",
		},
		Engine: EngineConfig{
			RiskTickInterval:       100 * time.Millisecond,
			AllowNegativeInsurance: false,
			KlineResolutions:       []int64{60, 300, 3600},
			JournalPath:            "data/journal",
		},
		Oracle: OracleConfig{
			Source:       "static",
			PollInterval: time.Second,
			Staleness:    10 * time.Second,
			StaticPrices: map[string]int64{"MEME": 1_000_000},
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
			LogPath:     "logs/engine.log",
		},
		Markets: []MarketConfig{{
			ID:                 "MEME",
			Token:              "0x00000000000000000000000000000000deadbeef",
			MaxLeverageX:       100,
			MaintMarginBps:     100,
			TakerFeeBps:        10,
			MakerFeeBps:        2,
			FundingIntervalSec: 3600,
			MaxFundingBps:      75,
			InsuranceSeed:      0,
			InsuranceFeeBps:    5000,
			LiquidationFeeBps:  100,
		}},
	}
}

// Load reads configPath (YAML, optional), layers ENGINE_* environment
// variables on top, and validates. Priority: env > file > defaults.
func Load(configPath string) (Config, error) {
	// .env is optional; real env vars win over it.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	// Scalar env overrides. Slice/map shapes come from the file only.
	if v.IsSet("chain.chain_id") {
		cfg.Chain.ChainID = v.GetInt64("chain.chain_id")
	}
	if s := v.GetString("chain.settlement_address"); s != "" {
		cfg.Chain.SettlementAddress = s
	}
	if s := v.GetString("chain.rpc_url"); s != "" {
		cfg.Chain.RPCURL = s
	}
	if s := v.GetString("server.listen_addr"); s != "" {
		cfg.Server.ListenAddr = s
	}
	if s := v.GetString("server.metrics_addr"); s != "" {
		cfg.Server.MetricsAddr = s
	}
	if s := v.GetString("engine.journal_path"); s != "" {
		cfg.Engine.JournalPath = s
	}
	if s := v.GetString("oracle.url"); s != "" {
		cfg.Oracle.URL = s
	}
	if s := v.GetString("oracle.source"); s != "" {
		cfg.Oracle.Source = s
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive, got %d", c.Chain.ChainID)
	}
	if c.Chain.SettlementAddress == "" {
		return fmt.Errorf("settlement_address is required")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if m.ID == "" {
			return fmt.Errorf("market id is required")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate market %s", m.ID)
		}
		seen[m.ID] = true
	}
	switch c.Oracle.Source {
	case "static":
	case "http":
		if c.Oracle.URL == "" {
			return fmt.Errorf("oracle url is required for http source")
		}
	default:
		return fmt.Errorf("unknown oracle source %q", c.Oracle.Source)
	}
	if c.Engine.RiskTickInterval <= 0 {
		return fmt.Errorf("risk_tick_interval must be positive")
	}
	if len(c.Engine.KlineResolutions) == 0 {
		return fmt.Errorf("at least one kline resolution is required")
	}
	return nil
}
