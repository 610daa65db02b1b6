package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status 不作为权威状态存储：它是 units、累计成交量与 is_close 的纯函数，
// 每次读取重算。重放同一状态因此天然幂等。
type Status string

const (
	StatusStandBy         Status = "stand_by"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusPartiallyClosed Status = "partially_closed"
	StatusClosed          Status = "closed"
	StatusCancelled       Status = "cancelled"
)

// Side 为订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回反向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

var (
	// ErrInvalidState 表示在当前状态下不允许的操作（如取消已成交订单）。
	ErrInvalidState = errors.New("ledger: 当前状态不允许该操作")
)

// Execution 是一笔成交记录，写入后不可变。
type Execution struct {
	ID        string  `json:"id"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	FeeRate   float64 `json:"fee_rate"`
	IsMaker   bool    `json:"is_maker"`
	ClosedQty float64 `json:"closed_qty"`
	Time      int64   `json:"time"`
}

// Order 由账本独占持有，只通过 Update/Cancel/PushExecutions 变更。
// Executions 只追加，按成交 id 去重。
type Order struct {
	UUID            string      `json:"uuid"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Units           float64     `json:"units"`
	Leverage        int64       `json:"leverage"`
	AvgPrice        float64     `json:"avg_price"`
	StopLossPrice   float64     `json:"stop_loss_price"`
	TakeProfitPrice float64     `json:"take_profit_price"`
	IsClose         bool        `json:"is_close"`
	Executions      []Execution `json:"executions"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// NewOrder 创建一张待命订单。
func NewOrder(symbol string, side Side, units, avgPrice float64, leverage int64, isClose bool) (*Order, error) {
	if symbol == "" {
		return nil, fmt.Errorf("ledger: symbol 不能为空")
	}
	if units < 0 {
		return nil, fmt.Errorf("ledger: units 不能为负: %v", units)
	}
	if avgPrice <= 0 {
		return nil, fmt.Errorf("ledger: avg_price 需 > 0: %v", avgPrice)
	}
	if leverage < 1 {
		return nil, fmt.Errorf("ledger: leverage 需 >= 1: %d", leverage)
	}
	now := time.Now().UTC()
	return &Order{
		UUID:      uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Units:     units,
		Leverage:  leverage,
		AvgPrice:  avgPrice,
		IsClose:   isClose,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ExecutedQty 返回累计成交量。
func (o *Order) ExecutedQty() float64 {
	var sum float64
	for _, e := range o.Executions {
		sum += e.Qty
	}
	return sum
}

// ClosedQty 返回累计平仓量。
func (o *Order) ClosedQty() float64 {
	var sum float64
	for _, e := range o.Executions {
		sum += e.ClosedQty
	}
	return sum
}

// FeesPaid 返回已付手续费合计。
func (o *Order) FeesPaid() float64 {
	var sum float64
	for _, e := range o.Executions {
		sum += e.Fee
	}
	return sum
}

// Status 重算订单状态。units 为负违反不变量，视为不可恢复的编程错误。
func (o *Order) Status() Status {
	return computeStatus(o.Units, o.ExecutedQty(), o.ClosedQty(), o.IsClose)
}

// computeStatus 对任意 (units, executed, closed, isClose) 组合给出
// 唯一确定的状态。
func computeStatus(units, executed, closed float64, isClose bool) Status {
	if units < 0 {
		panic(fmt.Sprintf("ledger: 不变量被破坏，units 为负: %v", units))
	}
	if units == 0 {
		return StatusCancelled
	}
	if executed == 0 {
		return StatusStandBy
	}
	if isClose {
		if closed >= units {
			return StatusClosed
		}
		return StatusPartiallyClosed
	}
	if executed >= units {
		return StatusFilled
	}
	return StatusPartiallyFilled
}

// PushExecutions 追加未见过的成交并去重：id 已存在的成交是 no-op。
// 返回实际追加条数。
func (o *Order) PushExecutions(execs ...Execution) int {
	seen := make(map[string]struct{}, len(o.Executions))
	for _, e := range o.Executions {
		seen[e.ID] = struct{}{}
	}
	added := 0
	for _, e := range execs {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		o.Executions = append(o.Executions, e)
		added++
	}
	if added > 0 {
		o.UpdatedAt = time.Now().UTC()
	}
	return added
}

// Cancel 取消订单。只有待命（无成交）状态可取消；取消即把 units 归零，
// 状态随之重算为 Cancelled。
func (o *Order) Cancel() error {
	if o.Status() != StatusStandBy {
		return fmt.Errorf("%w: status=%s", ErrInvalidState, o.Status())
	}
	o.Units = 0
	o.UpdatedAt = time.Now().UTC()
	return nil
}
