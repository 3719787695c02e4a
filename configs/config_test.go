package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talon"
)

const sampleYAML = `
chainId: 8453
network: base
rpc:
  primaryHttp: https://mainnet.base.org
  primaryWs: wss://mainnet.base.org
  backupHttp: https://backup.base.org
  backupWs: wss://backup.base.org
  archiveHttp: https://archive.base.org
redis:
  addr: localhost:6379
database:
  host: localhost
  user: talon
  password: talon
  name: talon
protocols:
  seamless:
    pool: "0x8F44Fd754285aa6A2b8B9B97739B79746e0475a7"
    lens: "0x00000000000000000000000000000000000C0DE5"
    liquidationThreshold: "0.80"
    liquidationBonus: "0.05"
    aaveStyle: true
assets:
  WETH:
    address: "0x4200000000000000000000000000000000000006"
    decimals: 18
    feed: "0x71041dddad3595F9CEd3DcCFBe3D1F4b0a16Bb70"
  USDC:
    address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    decimals: 6
    feed: "0x7e860098F58bBFC8648a4311b374B1D669a2bc6B"
    secondaryFeed: "0x0000000000000000000000000000000000000F01"
oracles:
  ethUsdAsset: WETH
execution:
  executor: "0x00000000000000000000000000000000000Ec5e1"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, uint64(8453), cfg.ChainID)
	assert.Equal(t, 5, cfg.ScanIntervalSec)
	assert.Equal(t, 2, cfg.ConfirmationBlocks)
	assert.Equal(t, "50", cfg.Safety.MinProfitUSD)
	assert.Equal(t, "15.0", cfg.Execution.BaselineBribePct)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL())
	assert.Equal(t, 10*time.Second, cfg.RPCTimeout())
	assert.Equal(t, ":8000", cfg.Monitoring.MetricsAddr)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("RPC_PRIMARY_HTTP", "https://override.example")
	t.Setenv("MIN_PROFIT_USD", "75")
	t.Setenv("SCAN_INTERVAL_SEC", "9")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://override.example", cfg.RPC.PrimaryHTTP)
	assert.Equal(t, "75", cfg.Safety.MinProfitUSD)
	assert.Equal(t, 9, cfg.ScanIntervalSec)
}

func TestMissingProtocolsRejected(t *testing.T) {
	bad := `
rpc:
  primaryHttp: https://mainnet.base.org
  primaryWs: wss://mainnet.base.org
  archiveHttp: https://archive.base.org
execution:
  executor: "0x00000000000000000000000000000000000Ec5e1"
`
	_, err := LoadConfig(writeConfig(t, bad))
	assert.ErrorIs(t, err, talon.ErrConfiguration)
}

func TestMalformedProtocolAddressRejected(t *testing.T) {
	broken := `
rpc:
  primaryHttp: https://mainnet.base.org
  primaryWs: wss://mainnet.base.org
  archiveHttp: https://archive.base.org
execution:
  executor: "0x00000000000000000000000000000000000Ec5e1"
protocols:
  seamless:
    pool: "not-an-address"
    lens: "0x00000000000000000000000000000000000C0DE5"
    liquidationThreshold: "0.80"
    liquidationBonus: "0.05"
`
	_, err := LoadConfig(writeConfig(t, broken))
	assert.ErrorIs(t, err, talon.ErrConfiguration)
}

func TestMissingFileRejected(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, talon.ErrConfiguration)
}

func TestConverters(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	dec := cfg.ToDetectorConfig()
	assert.Equal(t, 5*time.Second, dec.ScanInterval)
	assert.Equal(t, int32(6), dec.AssetDecimals[common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")])

	pc := cfg.ToPlannerConfig()
	assert.Equal(t, uint64(8453), pc.ChainID)
	assert.True(t, pc.Protocols["seamless"].AaveStyle)
	assert.True(t, pc.BaselineBribePct.Equal(mustDecimal("15.0")))

	limits := cfg.ToSafetyLimits()
	assert.Equal(t, 3, limits.MaxConsecutiveFailures)
	assert.True(t, limits.HaltInclusionRate.Equal(mustDecimal("0.50")))

	feeds := cfg.ToOracleFeeds()
	usdcFeed := feeds[common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")]
	require.NotNil(t, usdcFeed.Secondary)
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000F01"), *usdcFeed.Secondary)

	protos := cfg.ToStateProtocols()
	require.Len(t, protos, 1)
	assert.Equal(t, "seamless", protos[0].Name)

	assert.Equal(t, common.HexToAddress("0x4200000000000000000000000000000000000006"), cfg.EthUsdAssetAddress())
}
