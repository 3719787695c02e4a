// Package detector scans cached positions against oracle prices and
// emits validated liquidation opportunities. Every filter fails
// closed: any rejection drops the position for this tick.
package detector

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"talon"
	"talon/internal/cache"
	"talon/internal/stateengine"
	"talon/pkg/logging"
)

var (
	one = decimal.NewFromInt(1)

	// Pre-estimate constants: assumed arbitrage upside and the flat
	// gas figure used before simulation refines both.
	assumedArbPct     = decimal.RequireFromString("0.03")
	assumedGasUSD     = decimal.RequireFromString("15.0")
	assumedBribeShare = decimal.RequireFromString("0.20")
)

// PriceSource yields sanity-checked USD prices.
type PriceSource interface {
	Price(ctx context.Context, asset common.Address) (decimal.Decimal, bool)
	SanityCheck(ctx context.Context, assetA common.Address, priceA decimal.Decimal, assetB common.Address, priceB decimal.Decimal) bool
}

// ProtocolState answers protocol-level guard queries.
type ProtocolState interface {
	LiquidationsPaused(ctx context.Context, protocol string) (bool, error)
	Protocols() map[string]stateengine.Protocol
}

// Config is the detector's tunable surface.
type Config struct {
	ScanInterval        time.Duration
	ConfirmationBlocks  int
	MinProfitUSD        decimal.Decimal
	FlashLoanPremiumPct decimal.Decimal
	MaxSlippagePct      decimal.Decimal
	AssetDecimals       map[common.Address]int32
}

// Detector applies the ordered opportunity filter.
type Detector struct {
	cfg    Config
	cache  *cache.Store
	prices PriceSource
	protos ProtocolState
	log    *logging.Logger

	currentBlock func() uint64

	onDetected func()
}

// New builds a Detector. currentBlock reports the engine's chain head.
func New(cfg Config, store *cache.Store, prices PriceSource, protos ProtocolState, currentBlock func() uint64, onDetected func(), log *logging.Logger) *Detector {
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.ConfirmationBlocks == 0 {
		cfg.ConfirmationBlocks = 2
	}
	return &Detector{
		cfg:          cfg,
		cache:        store,
		prices:       prices,
		protos:       protos,
		log:          log,
		currentBlock: currentBlock,
		onDetected:   onDetected,
	}
}

// Run ticks every ScanInterval, skipping ticks while skipTick reports
// backpressure, and sends opportunities to out.
func (d *Detector) Run(ctx context.Context, out chan<- talon.Opportunity, skipTick func() bool) {
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if skipTick != nil && skipTick() {
				d.log.Plain().Debug("scan_tick_skipped")
				continue
			}
			d.Scan(ctx, out)
		}
	}
}

// Scan checks every cached position once.
func (d *Detector) Scan(ctx context.Context, out chan<- talon.Opportunity) {
	positions := d.cache.ListAll(ctx)
	for i := range positions {
		opp, err := d.Check(ctx, &positions[i])
		if err != nil {
			d.log.Event(map[string]interface{}{
				"position": positions[i].Key(), "error": err.Error(),
			}).Warn("position_check_failed")
			continue
		}
		if opp == nil {
			continue
		}
		if d.onDetected != nil {
			d.onDetected()
		}
		select {
		case out <- *opp:
		case <-ctx.Done():
			return
		}
	}
}

// Check applies the ordered filter to one position and returns an
// Opportunity when every stage passes, nil when the position is
// dropped.
func (d *Detector) Check(ctx context.Context, pos *talon.Position) (*talon.Opportunity, error) {
	// 1. Health factor. Missing prices drop the position without
	// touching the confirmation streak.
	collateralPrice, ok := d.prices.Price(ctx, pos.CollateralAsset)
	if !ok {
		return nil, nil
	}
	debtPrice, ok := d.prices.Price(ctx, pos.DebtAsset)
	if !ok {
		return nil, nil
	}

	health := d.HealthFactor(pos, collateralPrice, debtPrice)
	if health.GreaterThanOrEqual(one) {
		if _, err := d.cache.UpdateHealth(ctx, pos.Protocol, pos.User.Hex(), true, d.currentBlock()); err != nil {
			return nil, err
		}
		return nil, nil
	}

	// 2. Oracle sanity. Suspect data must not accrue toward the
	// confirmation count, so the streak is untouched on failure.
	if !d.prices.SanityCheck(ctx, pos.CollateralAsset, collateralPrice, pos.DebtAsset, debtPrice) {
		d.log.Event(map[string]interface{}{"position": pos.Key()}).Warn("oracle_sanity_rejected")
		return nil, nil
	}

	// 3. Confirmation blocks.
	streak, err := d.cache.UpdateHealth(ctx, pos.Protocol, pos.User.Hex(), false, d.currentBlock())
	if err != nil {
		return nil, err
	}
	if streak < d.cfg.ConfirmationBlocks {
		d.log.Event(map[string]interface{}{
			"position": pos.Key(), "blocks_unhealthy": streak, "required": d.cfg.ConfirmationBlocks,
		}).Debug("confirmation_pending")
		return nil, nil
	}

	// 4. Protocol state.
	paused, err := d.protos.LiquidationsPaused(ctx, pos.Protocol)
	if err != nil {
		return nil, err
	}
	if paused {
		d.log.Event(map[string]interface{}{"position": pos.Key()}).Warn("protocol_paused")
		return nil, nil
	}

	proto, ok := d.protos.Protocols()[pos.Protocol]
	if !ok {
		return nil, nil
	}

	// 5. Pre-estimate profit.
	gross, net := d.EstimateProfit(pos, proto.LiquidationBonus, collateralPrice, debtPrice)
	if net.LessThan(d.cfg.MinProfitUSD) {
		d.log.Event(map[string]interface{}{
			"position": pos.Key(), "estimated_net_usd": net.String(),
		}).Debug("profit_below_minimum")
		return nil, nil
	}

	// 6. Emit.
	fresh, ok := d.cache.Get(ctx, pos.Protocol, pos.User.Hex())
	if !ok {
		return nil, nil
	}
	opp, err := talon.NewOpportunity(
		*fresh, health, collateralPrice, debtPrice,
		proto.LiquidationBonus, gross, net,
		d.currentBlock(), time.Now(),
	)
	if err != nil {
		return nil, err
	}
	d.log.Event(map[string]interface{}{
		"position":          pos.Key(),
		"health_factor":     health.String(),
		"estimated_net_usd": net.String(),
		"scan_id":           uuid.NewString(),
	}).Info("opportunity_detected")
	return opp, nil
}

// HealthFactor computes
// (collateral × price × threshold) / (debt × price), with amounts
// scaled by each asset's own decimals.
func (d *Detector) HealthFactor(pos *talon.Position, collateralPrice, debtPrice decimal.Decimal) decimal.Decimal {
	collateral := d.toUnits(pos.CollateralAsset, pos.CollateralAmount)
	debt := d.toUnits(pos.DebtAsset, pos.DebtAmount)

	debtValue := debt.Mul(debtPrice)
	if debtValue.Sign() == 0 {
		return decimal.NewFromInt(999999)
	}
	return collateral.Mul(collateralPrice).Mul(pos.LiquidationThreshold).Div(debtValue)
}

// EstimateProfit is the rough pre-simulation profit model:
// gross = bonus×collateralValue + 3%×collateralValue; costs are a flat
// gas figure, 20% of gross as bribe, the flash-loan premium on the
// debt, and the slippage allowance on the collateral.
func (d *Detector) EstimateProfit(pos *talon.Position, bonus, collateralPrice, debtPrice decimal.Decimal) (gross, net decimal.Decimal) {
	collateralValue := d.toUnits(pos.CollateralAsset, pos.CollateralAmount).Mul(collateralPrice)
	debtValue := d.toUnits(pos.DebtAsset, pos.DebtAmount).Mul(debtPrice)

	gross = collateralValue.Mul(bonus).Add(collateralValue.Mul(assumedArbPct))

	hundred := decimal.NewFromInt(100)
	costs := assumedGasUSD.
		Add(gross.Mul(assumedBribeShare)).
		Add(debtValue.Mul(d.cfg.FlashLoanPremiumPct).Div(hundred)).
		Add(collateralValue.Mul(d.cfg.MaxSlippagePct).Div(hundred))

	return gross, gross.Sub(costs)
}

// toUnits converts a raw amount to token units using the asset's
// configured decimals, defaulting to 18.
func (d *Detector) toUnits(asset common.Address, amount *big.Int) decimal.Decimal {
	decimals, ok := d.cfg.AssetDecimals[asset]
	if !ok {
		decimals = 18
	}
	return decimal.NewFromBigInt(amount, -decimals)
}
