// Package configs loads the engine configuration. Precedence is
// environment variables over file values over defaults.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"talon"
	"talon/internal/detector"
	"talon/internal/oracle"
	"talon/internal/planner"
	"talon/internal/safety"
	"talon/internal/stateengine"
)

// Config is the on-disk configuration shape.
type Config struct {
	ChainID uint64 `yaml:"chainId"`
	Network string `yaml:"network"`

	RPC        RPCConfig        `yaml:"rpc"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Oracles    OracleConfig     `yaml:"oracles"`
	Safety     SafetyConfig     `yaml:"safety"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Monitoring MonitoringConfig `yaml:"monitoring"`

	Protocols map[string]ProtocolConfig `yaml:"protocols"`
	Assets    map[string]AssetConfig    `yaml:"assets"`

	ScanIntervalSec    int `yaml:"scanIntervalSec"`
	ConfirmationBlocks int `yaml:"confirmationBlocks"`
}

type RPCConfig struct {
	PrimaryHTTP string `yaml:"primaryHttp"`
	PrimaryWS   string `yaml:"primaryWs"`
	BackupHTTP  string `yaml:"backupHttp"`
	BackupWS    string `yaml:"backupWs"`
	ArchiveHTTP string `yaml:"archiveHttp"`
	TimeoutSec  int    `yaml:"timeoutSec"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttlSeconds"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslMode"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type ProtocolConfig struct {
	Pool                 string `yaml:"pool"`
	Lens                 string `yaml:"lens"`
	LiquidationThreshold string `yaml:"liquidationThreshold"`
	LiquidationBonus     string `yaml:"liquidationBonus"`
	AaveStyle            bool   `yaml:"aaveStyle"`
}

type AssetConfig struct {
	Address       string `yaml:"address"`
	Decimals      int32  `yaml:"decimals"`
	Feed          string `yaml:"feed"`
	SecondaryFeed string `yaml:"secondaryFeed"`
}

type OracleConfig struct {
	MaxDivergencePercent string `yaml:"maxDivergencePercent"`
	MaxMovementPercent   string `yaml:"maxMovementPercent"`
	EthUsdAsset          string `yaml:"ethUsdAsset"`
}

type SafetyConfig struct {
	MinProfitUSD           string `yaml:"minProfitUsd"`
	MaxSingleExecutionUSD  string `yaml:"maxSingleExecutionUsd"`
	MaxDailyVolumeUSD      string `yaml:"maxDailyVolumeUsd"`
	MaxConsecutiveFailures int    `yaml:"maxConsecutiveFailures"`
	ThrottleInclusionRate  string `yaml:"throttleInclusionRate"`
	ThrottleAccuracy       string `yaml:"throttleAccuracy"`
	HaltInclusionRate      string `yaml:"haltInclusionRate"`
	HaltAccuracy           string `yaml:"haltAccuracy"`
	ThrottleSeed           int64  `yaml:"throttleSeed"`
}

type ExecutionConfig struct {
	Executor            string `yaml:"executor"`
	L1GasOracle         string `yaml:"l1GasOracle"`
	BaselineBribePct    string `yaml:"baselineBribePercent"`
	BribeIncreasePct    string `yaml:"bribeIncreasePercent"`
	BribeDecreasePct    string `yaml:"bribeDecreasePercent"`
	MaxBribePct         string `yaml:"maxBribePercent"`
	FlashLoanPremiumPct string `yaml:"flashLoanPremiumPercent"`
	MaxSlippagePct      string `yaml:"maxSlippagePercent"`
}

type MonitoringConfig struct {
	MetricsAddr              string `yaml:"metricsAddr"`
	MetricsExportIntervalSec int    `yaml:"metricsExportIntervalSec"`
}

// LoadConfig reads the YAML file, applies defaults, then environment
// overrides, then validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", talon.ErrConfiguration, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config YAML: %v", talon.ErrConfiguration, err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.ChainID == 0 {
		c.ChainID = 8453
	}
	if c.Network == "" {
		c.Network = "base"
	}
	if c.ScanIntervalSec == 0 {
		c.ScanIntervalSec = 5
	}
	if c.ConfirmationBlocks == 0 {
		c.ConfirmationBlocks = 2
	}
	if c.RPC.TimeoutSec == 0 {
		c.RPC.TimeoutSec = 10
	}
	if c.Redis.TTLSeconds == 0 {
		c.Redis.TTLSeconds = 60
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Oracles.MaxDivergencePercent == "" {
		c.Oracles.MaxDivergencePercent = "5.0"
	}
	if c.Oracles.MaxMovementPercent == "" {
		c.Oracles.MaxMovementPercent = "30.0"
	}
	if c.Safety.MinProfitUSD == "" {
		c.Safety.MinProfitUSD = "50"
	}
	if c.Safety.MaxSingleExecutionUSD == "" {
		c.Safety.MaxSingleExecutionUSD = "500"
	}
	if c.Safety.MaxDailyVolumeUSD == "" {
		c.Safety.MaxDailyVolumeUSD = "2500"
	}
	if c.Safety.MaxConsecutiveFailures == 0 {
		c.Safety.MaxConsecutiveFailures = 3
	}
	if c.Safety.ThrottleInclusionRate == "" {
		c.Safety.ThrottleInclusionRate = "0.60"
	}
	if c.Safety.ThrottleAccuracy == "" {
		c.Safety.ThrottleAccuracy = "0.90"
	}
	if c.Safety.HaltInclusionRate == "" {
		c.Safety.HaltInclusionRate = "0.50"
	}
	if c.Safety.HaltAccuracy == "" {
		c.Safety.HaltAccuracy = "0.85"
	}
	if c.Execution.L1GasOracle == "" {
		c.Execution.L1GasOracle = "0x420000000000000000000000000000000000000F"
	}
	if c.Execution.BaselineBribePct == "" {
		c.Execution.BaselineBribePct = "15.0"
	}
	if c.Execution.BribeIncreasePct == "" {
		c.Execution.BribeIncreasePct = "5.0"
	}
	if c.Execution.BribeDecreasePct == "" {
		c.Execution.BribeDecreasePct = "2.0"
	}
	if c.Execution.MaxBribePct == "" {
		c.Execution.MaxBribePct = "40.0"
	}
	if c.Execution.FlashLoanPremiumPct == "" {
		c.Execution.FlashLoanPremiumPct = "0.09"
	}
	if c.Execution.MaxSlippagePct == "" {
		c.Execution.MaxSlippagePct = "1.0"
	}
	if c.Monitoring.MetricsAddr == "" {
		c.Monitoring.MetricsAddr = ":8000"
	}
	if c.Monitoring.MetricsExportIntervalSec == 0 {
		c.Monitoring.MetricsExportIntervalSec = 60
	}
}

func (c *Config) applyEnvOverrides() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.RPC.PrimaryHTTP, "RPC_PRIMARY_HTTP")
	setString(&c.RPC.PrimaryWS, "RPC_PRIMARY_WS")
	setString(&c.RPC.BackupHTTP, "RPC_BACKUP_HTTP")
	setString(&c.RPC.BackupWS, "RPC_BACKUP_WS")
	setString(&c.RPC.ArchiveHTTP, "RPC_ARCHIVE_HTTP")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Execution.Executor, "EXECUTOR_CONTRACT")
	setString(&c.Safety.MinProfitUSD, "MIN_PROFIT_USD")
	setString(&c.Safety.MaxDailyVolumeUSD, "MAX_DAILY_VOLUME_USD")

	if v := os.Getenv("SCAN_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ScanIntervalSec = n
		}
	}
	if v := os.Getenv("CONFIRMATION_BLOCKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ConfirmationBlocks = n
		}
	}
}

func (c *Config) validate() error {
	if len(c.Protocols) == 0 {
		return fmt.Errorf("%w: at least one protocol must be configured", talon.ErrConfiguration)
	}
	if c.RPC.PrimaryHTTP == "" || c.RPC.PrimaryWS == "" {
		return fmt.Errorf("%w: primary rpc endpoints are required", talon.ErrConfiguration)
	}
	if c.RPC.ArchiveHTTP == "" {
		return fmt.Errorf("%w: archive rpc endpoint is required", talon.ErrConfiguration)
	}
	if c.Execution.Executor == "" {
		return fmt.Errorf("%w: executor contract address is required", talon.ErrConfiguration)
	}
	for name, p := range c.Protocols {
		if !common.IsHexAddress(p.Pool) || !common.IsHexAddress(p.Lens) {
			return fmt.Errorf("%w: protocol %s has malformed addresses", talon.ErrConfiguration, name)
		}
		if _, err := decimal.NewFromString(p.LiquidationThreshold); err != nil {
			return fmt.Errorf("%w: protocol %s liquidation threshold: %v", talon.ErrConfiguration, name, err)
		}
		if _, err := decimal.NewFromString(p.LiquidationBonus); err != nil {
			return fmt.Errorf("%w: protocol %s liquidation bonus: %v", talon.ErrConfiguration, name, err)
		}
	}
	for name, a := range c.Assets {
		if !common.IsHexAddress(a.Address) {
			return fmt.Errorf("%w: asset %s has a malformed address", talon.ErrConfiguration, name)
		}
	}
	return nil
}

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// RPCTimeout returns the per-attempt HTTP timeout.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPC.TimeoutSec) * time.Second
}

// CacheTTL returns the position-cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

// AssetDecimals maps asset addresses to their token decimals.
func (c *Config) AssetDecimals() map[common.Address]int32 {
	out := make(map[common.Address]int32, len(c.Assets))
	for _, a := range c.Assets {
		out[common.HexToAddress(a.Address)] = a.Decimals
	}
	return out
}

// ToOracleFeeds builds the oracle gateway feed map.
func (c *Config) ToOracleFeeds() map[common.Address]oracle.FeedConfig {
	out := make(map[common.Address]oracle.FeedConfig, len(c.Assets))
	for _, a := range c.Assets {
		if a.Feed == "" {
			continue
		}
		cfg := oracle.FeedConfig{Primary: common.HexToAddress(a.Feed)}
		if a.SecondaryFeed != "" {
			secondary := common.HexToAddress(a.SecondaryFeed)
			cfg.Secondary = &secondary
		}
		out[common.HexToAddress(a.Address)] = cfg
	}
	return out
}

// EthUsdAssetAddress resolves the asset whose feed prices gas costs.
func (c *Config) EthUsdAssetAddress() common.Address {
	if a, ok := c.Assets[c.Oracles.EthUsdAsset]; ok {
		return common.HexToAddress(a.Address)
	}
	return common.Address{}
}

// ToStateProtocols builds the state engine protocol list.
func (c *Config) ToStateProtocols() []stateengine.Protocol {
	out := make([]stateengine.Protocol, 0, len(c.Protocols))
	for name, p := range c.Protocols {
		out = append(out, stateengine.Protocol{
			Name:                 name,
			Pool:                 common.HexToAddress(p.Pool),
			Lens:                 common.HexToAddress(p.Lens),
			LiquidationThreshold: mustDecimal(p.LiquidationThreshold),
			LiquidationBonus:     mustDecimal(p.LiquidationBonus),
			AaveStyle:            p.AaveStyle,
		})
	}
	return out
}

// ToDetectorConfig builds the detector configuration.
func (c *Config) ToDetectorConfig() detector.Config {
	return detector.Config{
		ScanInterval:        time.Duration(c.ScanIntervalSec) * time.Second,
		ConfirmationBlocks:  c.ConfirmationBlocks,
		MinProfitUSD:        mustDecimal(c.Safety.MinProfitUSD),
		FlashLoanPremiumPct: mustDecimal(c.Execution.FlashLoanPremiumPct),
		MaxSlippagePct:      mustDecimal(c.Execution.MaxSlippagePct),
		AssetDecimals:       c.AssetDecimals(),
	}
}

// ToPlannerConfig builds the planner configuration.
func (c *Config) ToPlannerConfig() planner.Config {
	protocols := make(map[string]planner.ProtocolInfo, len(c.Protocols))
	for name, p := range c.Protocols {
		protocols[name] = planner.ProtocolInfo{
			Pool:      common.HexToAddress(p.Pool),
			AaveStyle: p.AaveStyle,
		}
	}
	return planner.Config{
		ChainID:             c.ChainID,
		Executor:            common.HexToAddress(c.Execution.Executor),
		L1GasOracle:         common.HexToAddress(c.Execution.L1GasOracle),
		MinProfitUSD:        mustDecimal(c.Safety.MinProfitUSD),
		BaselineBribePct:    mustDecimal(c.Execution.BaselineBribePct),
		BribeIncreasePct:    mustDecimal(c.Execution.BribeIncreasePct),
		BribeDecreasePct:    mustDecimal(c.Execution.BribeDecreasePct),
		MaxBribePct:         mustDecimal(c.Execution.MaxBribePct),
		FlashLoanPremiumPct: mustDecimal(c.Execution.FlashLoanPremiumPct),
		MaxSlippagePct:      mustDecimal(c.Execution.MaxSlippagePct),
		AssetDecimals:       c.AssetDecimals(),
		Protocols:           protocols,
	}
}

// ToSafetyLimits builds the safety controller limits.
func (c *Config) ToSafetyLimits() safety.Limits {
	return safety.Limits{
		MinProfitUSD:           mustDecimal(c.Safety.MinProfitUSD),
		MaxSingleExecutionUSD:  mustDecimal(c.Safety.MaxSingleExecutionUSD),
		MaxDailyVolumeUSD:      mustDecimal(c.Safety.MaxDailyVolumeUSD),
		MaxConsecutiveFailures: c.Safety.MaxConsecutiveFailures,
		ThrottleInclusionRate:  mustDecimal(c.Safety.ThrottleInclusionRate),
		ThrottleAccuracy:       mustDecimal(c.Safety.ThrottleAccuracy),
		HaltInclusionRate:      mustDecimal(c.Safety.HaltInclusionRate),
		HaltAccuracy:           mustDecimal(c.Safety.HaltAccuracy),
	}
}

// OracleBounds returns the divergence and movement limits.
func (c *Config) OracleBounds() (divergence, movement decimal.Decimal) {
	return mustDecimal(c.Oracles.MaxDivergencePercent), mustDecimal(c.Oracles.MaxMovementPercent)
}
