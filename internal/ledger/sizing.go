package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// 模拟（benchmark）下单定量：给定计价货币支出，按含费杠杆单价折算成
// 原始数量，再向下取整到合约的最小交易步进。取整余额显式返回，绝不丢弃，
// 模拟资金因此在取整边界上精确守恒。

var (
	// ErrZeroUnits 表示取整后数量为零。
	ErrZeroUnits = errors.New("ledger: 定量结果为零")
	// ErrBelowMinUnits 表示数量低于合约下限。
	ErrBelowMinUnits = errors.New("ledger: 定量结果低于合约最小数量")
	// ErrAboveMaxUnits 表示数量超过合约上限。
	ErrAboveMaxUnits = errors.New("ledger: 定量结果超过合约最大数量")
)

// Instrument 是单个合约的交易规格，启动期从配置加载、经构造函数传引用。
type Instrument struct {
	Symbol       string
	UnitStep     decimal.Decimal
	MinUnits     decimal.Decimal
	MaxUnits     decimal.Decimal
	TakerFeeRate decimal.Decimal
	MakerFeeRate decimal.Decimal
	MaxLeverage  int64
}

// Validate 校验规格。
func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("instrument: symbol 不能为空")
	}
	if !i.UnitStep.IsPositive() {
		return fmt.Errorf("instrument %s: unit_step 需 > 0", i.Symbol)
	}
	if i.MinUnits.IsNegative() {
		return fmt.Errorf("instrument %s: min_units 不能为负", i.Symbol)
	}
	if i.MaxUnits.IsPositive() && i.MaxUnits.LessThan(i.MinUnits) {
		return fmt.Errorf("instrument %s: max_units 小于 min_units", i.Symbol)
	}
	if i.MaxLeverage < 1 {
		return fmt.Errorf("instrument %s: max_leverage 需 >= 1", i.Symbol)
	}
	return nil
}

// Sizing 是一次定量的结果：取整后的数量与余额残差。
type Sizing struct {
	Units     decimal.Decimal
	Remainder decimal.Decimal
}

// SizeOrder 把 expenditure（计价货币）折算成可交易数量。
//
// 含费单价 = 每单位保证金 + 每单位开仓费 + 每单位按破产价预提的平仓费，
// 与 OrderCost 一致，因此 OrderCost(units) + remainder == expenditure。
// 数量为零、低于下限、高于上限分别返回三个不同的错误，绝不静默截断。
func SizeOrder(inst Instrument, side Side, expenditure, avgPrice decimal.Decimal, leverage int64) (Sizing, error) {
	if !expenditure.IsPositive() {
		return Sizing{}, fmt.Errorf("ledger: expenditure 需 > 0")
	}
	if !avgPrice.IsPositive() {
		return Sizing{}, fmt.Errorf("ledger: avg_price 需 > 0")
	}
	if leverage < 1 || leverage > inst.MaxLeverage {
		return Sizing{}, fmt.Errorf("ledger: leverage %d 超出 [1, %d]", leverage, inst.MaxLeverage)
	}

	perUnit := OrderCost(side, avgPrice, decimal.NewFromInt(1), leverage, inst.TakerFeeRate)
	raw := expenditure.Div(perUnit)
	units := raw.Div(inst.UnitStep).Floor().Mul(inst.UnitStep)

	if units.IsZero() {
		return Sizing{}, fmt.Errorf("%w: raw=%s step=%s", ErrZeroUnits, raw, inst.UnitStep)
	}
	if units.LessThan(inst.MinUnits) {
		return Sizing{}, fmt.Errorf("%w: units=%s min=%s", ErrBelowMinUnits, units, inst.MinUnits)
	}
	if inst.MaxUnits.IsPositive() && units.GreaterThan(inst.MaxUnits) {
		return Sizing{}, fmt.Errorf("%w: units=%s max=%s", ErrAboveMaxUnits, units, inst.MaxUnits)
	}

	cost := OrderCost(side, avgPrice, units, leverage, inst.TakerFeeRate)
	remainder := expenditure.Sub(cost)
	return Sizing{Units: units, Remainder: remainder}, nil
}
