package execution

import (
	"github.com/shopspring/decimal"

	"campaign-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// SizeFromEquity converts an equity percentage into a contract count:
//
//	equity × pct/100 × leverage / (price × ctVal)
//
// floored to the instrument's lot size. Returns zero when the result is
// below the minimum order size or inputs are degenerate.
func SizeFromEquity(equity decimal.Decimal, pct float64, leverage int, price float64, inst model.Instrument) decimal.Decimal {
	if pct <= 0 || leverage <= 0 || price <= 0 || inst.CtVal <= 0 {
		return decimal.Zero
	}
	notional := equity.Mul(decimal.NewFromFloat(pct)).Div(hundred).Mul(decimal.NewFromInt(int64(leverage)))
	perContract := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(inst.CtVal))
	contracts := notional.Div(perContract)

	if inst.LotSz > 0 {
		lot := decimal.NewFromFloat(inst.LotSz)
		contracts = contracts.Div(lot).Floor().Mul(lot)
	}
	if contracts.LessThan(decimal.NewFromFloat(inst.MinSz)) || !contracts.IsPositive() {
		return decimal.Zero
	}
	return contracts
}

// SlippagePct returns the signed slippage of realized vs estimated price in
// percent, positive when the fill was worse for side.
func SlippagePct(side model.Side, estimated, realized float64) decimal.Decimal {
	if estimated == 0 {
		return decimal.Zero
	}
	est := decimal.NewFromFloat(estimated)
	diff := decimal.NewFromFloat(realized).Sub(est)
	if side == model.Short {
		diff = diff.Neg()
	}
	return diff.Div(est).Mul(hundred).Round(4)
}
