package oracle

import (
	"context"
	"io"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talon/pkg/logging"
)

var (
	weth     = common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdc     = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	wethFeed = common.HexToAddress("0x71041dddad3595F9CEd3DcCFBe3D1F4b0a16Bb70")
	usdcFeed = common.HexToAddress("0x7e860098F58bBFC8648a4311b374B1D669a2bc6B")
	wethSec  = common.HexToAddress("0x0000000000000000000000000000000000000F01")
)

// fakeCaller answers latestRoundData and decimals per configured feed.
type fakeCaller struct {
	answers  map[common.Address]*big.Int
	decimals map[common.Address]uint8
	fail     map[common.Address]bool
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	feed := *msg.To
	if f.fail[feed] {
		return nil, assert.AnError
	}
	method, err := aggregatorABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "latestRoundData":
		answer := f.answers[feed]
		if answer == nil {
			return nil, assert.AnError
		}
		return method.Outputs.Pack(
			big.NewInt(1), answer, big.NewInt(0), big.NewInt(0), big.NewInt(1),
		)
	case "decimals":
		return method.Outputs.Pack(f.decimals[feed])
	}
	return nil, assert.AnError
}

func testGateway(caller ContractCaller) *Gateway {
	log := logging.New("oracle", "error")
	log.SetOutput(io.Discard)
	feeds := map[common.Address]FeedConfig{
		weth: {Primary: wethFeed, Secondary: &wethSec},
		usdc: {Primary: usdcFeed},
	}
	return New(caller, feeds,
		decimal.RequireFromString("5.0"),
		decimal.RequireFromString("30.0"),
		log)
}

func TestPriceScalesByFeedDecimals(t *testing.T) {
	caller := &fakeCaller{
		answers:  map[common.Address]*big.Int{wethFeed: big.NewInt(200000000000)}, // 2000.00000000
		decimals: map[common.Address]uint8{wethFeed: 8},
	}
	g := testGateway(caller)

	price, ok := g.Price(context.Background(), weth)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(2000)), "got %s", price)
}

func TestPriceMissingFeed(t *testing.T) {
	g := testGateway(&fakeCaller{})
	_, ok := g.Price(context.Background(), common.HexToAddress("0xbeef"))
	assert.False(t, ok)
}

func TestPriceFeedFailure(t *testing.T) {
	caller := &fakeCaller{fail: map[common.Address]bool{wethFeed: true}}
	g := testGateway(caller)
	_, ok := g.Price(context.Background(), weth)
	assert.False(t, ok)
}

func TestSanityDivergenceBoundary(t *testing.T) {
	// Secondary at exactly 5% divergence from primary: accept.
	caller := &fakeCaller{
		answers:  map[common.Address]*big.Int{wethSec: big.NewInt(190000000000)}, // 1900
		decimals: map[common.Address]uint8{wethSec: 8},
	}
	g := testGateway(caller)

	ok := g.SanityCheck(context.Background(),
		weth, decimal.NewFromInt(2000),
		usdc, decimal.NewFromInt(1))
	assert.True(t, ok, "divergence exactly at the limit is accepted")

	// Just over 5%: reject.
	caller.answers[wethSec] = big.NewInt(189900000000) // 1899
	g2 := testGateway(caller)
	ok = g2.SanityCheck(context.Background(),
		weth, decimal.NewFromInt(2000),
		usdc, decimal.NewFromInt(1))
	assert.False(t, ok)
}

func TestSanityMovementCheck(t *testing.T) {
	g := testGateway(&fakeCaller{
		answers:  map[common.Address]*big.Int{wethSec: big.NewInt(200000000000)},
		decimals: map[common.Address]uint8{wethSec: 8},
	})
	ctx := context.Background()

	require.True(t, g.SanityCheck(ctx, weth, decimal.NewFromInt(2000), usdc, decimal.NewFromInt(1)))

	// A 30% move is still rejected here: the secondary, pinned at 2000,
	// fails the divergence check first.
	require.False(t, g.SanityCheck(ctx, weth, decimal.NewFromInt(2600), usdc, decimal.NewFromInt(1)),
		"secondary still pinned at 2000 so divergence rejects first")

	g2 := testGateway(&fakeCaller{})
	require.True(t, g2.SanityCheck(ctx, usdc, decimal.NewFromInt(100), weth, decimal.NewFromInt(2000)))
	assert.True(t, g2.SanityCheck(ctx, usdc, decimal.NewFromInt(130), weth, decimal.NewFromInt(2000)),
		"movement of exactly 30% passes")
	assert.False(t, g2.SanityCheck(ctx, usdc, decimal.RequireFromString("169.1"), weth, decimal.NewFromInt(2000)),
		"movement above 30% from the last accepted observation fails")
}

func TestPreviousPriceOnlyAdvancesOnPass(t *testing.T) {
	g := testGateway(&fakeCaller{})
	ctx := context.Background()

	require.True(t, g.SanityCheck(ctx, usdc, decimal.NewFromInt(100), weth, decimal.NewFromInt(2000)))

	// A wild price fails the movement check...
	require.False(t, g.SanityCheck(ctx, usdc, decimal.NewFromInt(500), weth, decimal.NewFromInt(2000)))

	// ...and must not have become the new baseline: 120 is within 30%
	// of 100, far outside 30% of 500.
	assert.True(t, g.SanityCheck(ctx, usdc, decimal.NewFromInt(120), weth, decimal.NewFromInt(2000)))
}

func TestSecondaryPriceAbsent(t *testing.T) {
	g := testGateway(&fakeCaller{})
	_, ok := g.SecondaryPrice(context.Background(), usdc)
	assert.False(t, ok)
}
