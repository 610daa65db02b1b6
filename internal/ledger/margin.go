package ledger

import (
	"errors"

	"github.com/shopspring/decimal"
)

// 资金相关算式全部走 decimal，避免 float 误差跨越对账边界。

var (
	// ErrNoBankruptcyPrice 表示 1 倍杠杆下破产价无定义。
	ErrNoBankruptcyPrice = errors.New("ledger: 1 倍杠杆无破产价")
)

// InitialMargin 返回 avg_price*units/L。
func InitialMargin(avgPrice, units decimal.Decimal, leverage int64) decimal.Decimal {
	return avgPrice.Mul(units).Div(decimal.NewFromInt(leverage))
}

// BankruptcyPrice 返回保证金被完全吃掉的价格。
// 多头亏在价格下行、空头亏在上行，因此公式不对称：
// buy:  avg_price * (L-1)/L
// sell: avg_price * (L+1)/L
// L == 1 时无定义。
func BankruptcyPrice(side Side, avgPrice decimal.Decimal, leverage int64) (decimal.Decimal, error) {
	if leverage == 1 {
		return decimal.Zero, ErrNoBankruptcyPrice
	}
	l := decimal.NewFromInt(leverage)
	one := decimal.NewFromInt(1)
	if side == SideBuy {
		return avgPrice.Mul(l.Sub(one)).Div(l), nil
	}
	return avgPrice.Mul(l.Add(one)).Div(l), nil
}

// OrderCost 返回下单冻结的总额：
// 初始保证金 + 开仓手续费 + 按最坏（破产）价预提的平仓手续费。
// 平仓费按破产价而非预期平仓价预提，保证费率永远吃不穿保证金。
// L == 1 时没有破产价，平仓费按 avg_price 预提。
func OrderCost(side Side, avgPrice, units decimal.Decimal, leverage int64, feeRate decimal.Decimal) decimal.Decimal {
	margin := InitialMargin(avgPrice, units, leverage)
	openFee := units.Mul(avgPrice).Mul(feeRate)
	closeRef := avgPrice
	if bp, err := BankruptcyPrice(side, avgPrice, leverage); err == nil {
		closeRef = bp
	}
	closeFee := units.Mul(closeRef).Mul(feeRate)
	return margin.Add(openFee).Add(closeFee)
}

// LockKind 区分止损/止盈两类价格锁。
type LockKind int

const (
	LockStopLoss LockKind = iota
	LockTakeProfit
)

// lockModifiers 是 (锁类型, 方向) -> 方向系数表：止损把价格推向持仓的
// 不利侧，止盈推向有利侧，买卖两侧符号互换。
var lockModifiers = map[LockKind]map[Side]int64{
	LockStopLoss:   {SideBuy: -1, SideSell: +1},
	LockTakeProfit: {SideBuy: +1, SideSell: -1},
}

// LockPrice 由百分比推导止损/止盈价：pct 经杠杆缩放后按方向系数
// 加减到 avg_price 上。
func LockPrice(kind LockKind, side Side, avgPrice decimal.Decimal, pct float64, leverage int64) decimal.Decimal {
	modifier := decimal.NewFromInt(lockModifiers[kind][side])
	scaled := decimal.NewFromFloat(pct).Div(decimal.NewFromInt(leverage))
	return avgPrice.Add(avgPrice.Mul(scaled).Mul(modifier))
}
