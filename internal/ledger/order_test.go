package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrder_Validation(t *testing.T) {
	tests := []struct {
		name     string
		symbol   string
		units    float64
		price    float64
		leverage int64
		wantErr  bool
	}{
		{"正常", "BTCUSDT", 1, 100, 5, false},
		{"零数量合法", "BTCUSDT", 0, 100, 5, false},
		{"空 symbol", "", 1, 100, 5, true},
		{"负数量", "BTCUSDT", -1, 100, 5, true},
		{"零价格", "BTCUSDT", 1, 0, 5, true},
		{"杠杆为零", "BTCUSDT", 1, 100, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := NewOrder(tt.symbol, SideBuy, tt.units, tt.price, tt.leverage, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, o.UUID)
		})
	}
}

func TestComputeStatus_Totality(t *testing.T) {
	tests := []struct {
		name     string
		units    float64
		executed float64
		closed   float64
		isClose  bool
		want     Status
	}{
		{"零 units 即取消", 0, 0, 0, false, StatusCancelled},
		{"零 units 即便有成交也取消", 0, 1, 0, false, StatusCancelled},
		{"无成交待命", 2, 0, 0, false, StatusStandBy},
		{"部分成交", 2, 1, 0, false, StatusPartiallyFilled},
		{"完全成交", 2, 2, 0, false, StatusFilled},
		{"超量成交视为完全", 2, 2.5, 0, false, StatusFilled},
		{"平仓单部分平", 2, 2, 1, true, StatusPartiallyClosed},
		{"平仓单全平", 2, 2, 2, true, StatusClosed},
		{"平仓单无成交待命", 2, 0, 0, true, StatusStandBy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeStatus(tt.units, tt.executed, tt.closed, tt.isClose))
		})
	}
}

func TestComputeStatus_NegativeUnitsPanics(t *testing.T) {
	assert.Panics(t, func() {
		computeStatus(-1, 0, 0, false)
	})
}

func TestOrder_PushExecutionsIdempotent(t *testing.T) {
	o, err := NewOrder("BTCUSDT", SideBuy, 2, 100, 5, false)
	require.NoError(t, err)

	e1 := Execution{ID: "e1", Qty: 1, Price: 100, Fee: 0.05}
	e2 := Execution{ID: "e2", Qty: 1, Price: 101, Fee: 0.05}

	assert.Equal(t, 1, o.PushExecutions(e1))
	assert.Equal(t, StatusPartiallyFilled, o.Status())

	// 重放同一成交是 no-op。
	assert.Equal(t, 0, o.PushExecutions(e1))
	assert.Equal(t, 1.0, o.ExecutedQty())
	assert.Equal(t, StatusPartiallyFilled, o.Status())

	assert.Equal(t, 1, o.PushExecutions(e1, e2))
	assert.Equal(t, 2.0, o.ExecutedQty())
	assert.Equal(t, StatusFilled, o.Status())
	assert.InDelta(t, 0.1, o.FeesPaid(), 1e-12)
}

func TestOrder_CancelOnlyFromStandBy(t *testing.T) {
	o, err := NewOrder("BTCUSDT", SideBuy, 2, 100, 5, false)
	require.NoError(t, err)

	require.NoError(t, o.Cancel())
	assert.Equal(t, StatusCancelled, o.Status())

	filled, err := NewOrder("BTCUSDT", SideBuy, 2, 100, 5, false)
	require.NoError(t, err)
	filled.PushExecutions(Execution{ID: "e1", Qty: 1, Price: 100})

	err = filled.Cancel()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatusPartiallyFilled, filled.Status())
}

func TestSide_Opposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}
