package ledger

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"marlin/internal/logger"
)

// Ledger 是单 symbol 的订单与持仓账本：持有全部订单、维护现金与净头寸，
// 并在每根提交 K 线上把持仓按市值计提成一条持仓行，供绩效引擎拼表。
//
// 状态机：StandBy → {PartiallyFilled, Filled} → {PartiallyClosed, Closed}，
// Cancelled 仅从 StandBy 可达。状态永远重算（见 Order.Status），
// 不变量被破坏（负 units、非法迁移）时直接 panic，由管线控制器收尾。
type Ledger struct {
	mu sync.Mutex

	inst     Instrument
	leverage int64

	orders map[string]*Order

	initialBalance decimal.Decimal
	balance        decimal.Decimal

	position      decimal.Decimal // 带符号净头寸，+多 -空 0 平
	avgEntryPrice decimal.Decimal
	feesPaid      decimal.Decimal
	feesReported  decimal.Decimal // 上次计提时已报告的手续费

	lastAction string
}

// New 构造账本。instrument 为启动期配置注入的合约规格。
func New(inst Instrument, leverage int64, initialBalance decimal.Decimal) (*Ledger, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if leverage < 1 || leverage > inst.MaxLeverage {
		return nil, fmt.Errorf("ledger: leverage %d 超出 [1, %d]", leverage, inst.MaxLeverage)
	}
	if !initialBalance.IsPositive() {
		return nil, fmt.Errorf("ledger: 初始资金需 > 0")
	}
	return &Ledger{
		inst:           inst,
		leverage:       leverage,
		orders:         make(map[string]*Order),
		initialBalance: initialBalance,
		balance:        initialBalance,
		position:       decimal.Zero,
		avgEntryPrice:  decimal.Zero,
		feesPaid:       decimal.Zero,
	}, nil
}

// Balance 返回当前现金余额。
func (l *Ledger) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Position 返回带符号净头寸。
func (l *Ledger) Position() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position
}

// Order 按 uuid 取订单。
func (l *Ledger) Order(id string) (*Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	return o, ok
}

// NewOpenOrder 按支出金额开仓：经 SizeOrder 定量，冻结订单成本，
// 取整余额保留在现金中。定量失败原样返回三类定量错误。
func (l *Ledger) NewOpenOrder(side Side, cost, price decimal.Decimal) (*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cost.GreaterThan(l.balance) {
		return nil, fmt.Errorf("ledger: 支出 %s 超过余额 %s", cost, l.balance)
	}
	sizing, err := SizeOrder(l.inst, side, cost, price, l.leverage)
	if err != nil {
		return nil, err
	}
	units, _ := sizing.Units.Float64()
	avgPrice, _ := price.Float64()
	order, err := NewOrder(l.inst.Symbol, side, units, avgPrice, l.leverage, false)
	if err != nil {
		return nil, err
	}
	// 冻结 = 支出 - 取整余额；余额残差留在现金里，资金精确守恒。
	reserved := cost.Sub(sizing.Remainder)
	l.balance = l.balance.Sub(reserved)
	l.orders[order.UUID] = order
	l.lastAction = "open_" + string(side)
	logger.Debugf("[ledger] 开仓订单 %s %s units=%s 冻结=%s 余额=%s",
		order.UUID, side, sizing.Units, reserved, l.balance)
	return order, nil
}

// NewCloseOrder 对当前持仓开一张平仓订单。
func (l *Ledger) NewCloseOrder(units, price decimal.Decimal) (*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.position.IsZero() {
		return nil, fmt.Errorf("%w: 无持仓可平", ErrInvalidState)
	}
	if units.GreaterThan(l.position.Abs()) {
		return nil, fmt.Errorf("ledger: 平仓数量 %s 超过持仓 %s", units, l.position.Abs())
	}
	side := SideSell
	if l.position.IsNegative() {
		side = SideBuy
	}
	u, _ := units.Float64()
	p, _ := price.Float64()
	order, err := NewOrder(l.inst.Symbol, side, u, p, l.leverage, true)
	if err != nil {
		return nil, err
	}
	l.orders[order.UUID] = order
	l.lastAction = "close_" + string(side)
	return order, nil
}

// Update 把一批成交推进订单并落到持仓上。成交按 id 幂等去重；
// statusHint 仅用于与重算状态交叉校验，从不作为权威状态写入。
func (l *Ledger) Update(order *Order, execs []Execution, statusHint Status) (*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.orders[order.UUID]
	if !ok {
		return nil, fmt.Errorf("ledger: 未知订单 %s", order.UUID)
	}
	if stored.Status() == StatusCancelled {
		panic(fmt.Sprintf("ledger: 不变量被破坏，试图变更已取消订单 %s", stored.UUID))
	}

	applied := make(map[string]struct{}, len(stored.Executions))
	for _, e := range stored.Executions {
		applied[e.ID] = struct{}{}
	}
	if added := stored.PushExecutions(execs...); added > 0 {
		l.applyFills(stored, execs, applied)
	}
	got := stored.Status()
	if statusHint != "" && statusHint != got {
		logger.Warnf("[ledger] 订单 %s 状态提示 %s 与重算 %s 不一致，以重算为准",
			stored.UUID, statusHint, got)
	}
	return stored, nil
}

// Cancel 取消待命订单并解冻其成本。非 StandBy 返回 ErrInvalidState。
func (l *Ledger) Cancel(order *Order) (*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.orders[order.UUID]
	if !ok {
		return nil, fmt.Errorf("ledger: 未知订单 %s", order.UUID)
	}
	if !stored.IsClose {
		// 解冻开仓时扣下的成本。
		refund := OrderCost(stored.Side,
			decimal.NewFromFloat(stored.AvgPrice),
			decimal.NewFromFloat(stored.Units),
			stored.Leverage, l.inst.TakerFeeRate)
		if err := stored.Cancel(); err != nil {
			return nil, err
		}
		l.balance = l.balance.Add(refund)
	} else if err := stored.Cancel(); err != nil {
		return nil, err
	}
	logger.Debugf("[ledger] 订单 %s 已取消", stored.UUID)
	return stored, nil
}

// applyFills 把新追加的成交落到净头寸与现金上。applied 是推进前已入账的
// 成交 id 集合：按 id 去重，零量成交的重放同样是无操作。调用方持锁。
func (l *Ledger) applyFills(o *Order, pushed []Execution, applied map[string]struct{}) {
	for _, e := range pushed {
		if _, dup := applied[e.ID]; dup {
			continue
		}
		l.applyFill(o, e)
		applied[e.ID] = struct{}{}
	}
}

func (l *Ledger) applyFill(o *Order, e Execution) {
	qty := decimal.NewFromFloat(e.Qty)
	price := decimal.NewFromFloat(e.Price)
	fee := decimal.NewFromFloat(e.Fee)
	l.feesPaid = l.feesPaid.Add(fee)

	if !o.IsClose {
		signed := qty
		if o.Side == SideSell {
			signed = qty.Neg()
		}
		// 加权平均入场价。
		newPos := l.position.Add(signed)
		if newPos.IsZero() {
			l.avgEntryPrice = decimal.Zero
		} else if l.position.IsZero() || l.position.Sign() == signed.Sign() {
			notional := l.avgEntryPrice.Mul(l.position.Abs()).Add(price.Mul(qty))
			l.avgEntryPrice = notional.Div(newPos.Abs())
		}
		l.position = newPos
		return
	}

	// 平仓：返还该份额的保证金与预提平仓费，计入已实现盈亏，扣实际费。
	closeQty := decimal.NewFromFloat(e.ClosedQty)
	if closeQty.IsZero() {
		closeQty = qty
	}
	sign := decimal.NewFromInt(1)
	if l.position.IsNegative() {
		sign = decimal.NewFromInt(-1)
	}
	pnl := price.Sub(l.avgEntryPrice).Mul(closeQty).Mul(sign)
	marginShare := l.avgEntryPrice.Mul(closeQty).Div(decimal.NewFromInt(l.leverage))
	closeRef := l.avgEntryPrice
	if bp, err := BankruptcyPrice(o.Side.Opposite(), l.avgEntryPrice, l.leverage); err == nil {
		closeRef = bp
	}
	provision := closeQty.Mul(closeRef).Mul(l.inst.TakerFeeRate)
	l.balance = l.balance.Add(marginShare).Add(provision).Add(pnl).Sub(fee)

	if l.position.IsPositive() {
		l.position = l.position.Sub(closeQty)
	} else {
		l.position = l.position.Add(closeQty)
	}
	if l.position.IsZero() {
		l.avgEntryPrice = decimal.Zero
	}
}

// PositionRow 是一根 K 线上的持仓计提结果，绩效引擎的输入行由它拼出。
type PositionRow struct {
	StartTime int64
	Position  float64 // 带符号净头寸
	Units     float64 // 绝对数量
	Balance   float64 // 现金余额
	Equity    float64 // 现金 + 未实现盈亏 + 占用保证金
	PnL       float64 // 未实现盈亏
	Returns   float64 // equity/initial - 1
	TradeFees float64 // 本根 K 线内新增的手续费
	Action    string  // 自上一根以来的最后动作
}

// MarkToMarket 按收盘价计提一根 K 线。
func (l *Ledger) MarkToMarket(startTime int64, closePrice float64) PositionRow {
	l.mu.Lock()
	defer l.mu.Unlock()

	price := decimal.NewFromFloat(closePrice)
	pnl := decimal.Zero
	margin := decimal.Zero
	if !l.position.IsZero() {
		sign := decimal.NewFromInt(1)
		if l.position.IsNegative() {
			sign = decimal.NewFromInt(-1)
		}
		pnl = price.Sub(l.avgEntryPrice).Mul(l.position.Abs()).Mul(sign)
		margin = l.avgEntryPrice.Mul(l.position.Abs()).Div(decimal.NewFromInt(l.leverage))
	}
	equity := l.balance.Add(margin).Add(pnl)
	returns := equity.Div(l.initialBalance).Sub(decimal.NewFromInt(1))

	row := PositionRow{
		StartTime: startTime,
		Position:  f64(l.position),
		Units:     f64(l.position.Abs()),
		Balance:   f64(l.balance),
		Equity:    f64(equity),
		PnL:       f64(pnl),
		Returns:   f64(returns),
		TradeFees: f64(l.feesPaid.Sub(l.feesReported)),
		Action:    l.lastAction,
	}
	l.feesReported = l.feesPaid
	l.lastAction = ""
	return row
}

func f64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
