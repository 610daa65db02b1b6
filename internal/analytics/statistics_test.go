package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionWithBalance(id int, position, balance, returns float64) Session {
	return Session{
		ID: id, Start: int64(id) * 600_000, End: int64(id)*600_000 + 540_000,
		Position: position, Balance: balance, Returns: returns,
	}
}

func TestApplyDrawdowns_RunningMax(t *testing.T) {
	// balances [100,110,90,120] -> running max [100,110,110,120]
	// -> drawdown [0, 0, 0.1818..., 0]
	sessions := []Session{
		sessionWithBalance(0, 1, 100, 0),
		sessionWithBalance(1, -1, 110, 0.1),
		sessionWithBalance(2, 1, 90, -0.1),
		sessionWithBalance(3, -1, 120, 0.2),
	}
	applyDrawdowns(sessions)
	assert.Zero(t, sessions[0].Drawdown)
	assert.Zero(t, sessions[1].Drawdown)
	assert.InDelta(t, 0.181818, sessions[2].Drawdown, 1e-6)
	assert.Zero(t, sessions[3].Drawdown)
}

func TestCompute_MaxDrawdownAndCalmar(t *testing.T) {
	sessions := []Session{
		sessionWithBalance(0, 1, 100, 0),
		sessionWithBalance(1, -1, 110, 0.1),
		sessionWithBalance(2, 1, 90, -0.1),
		sessionWithBalance(3, -1, 120, 0.2),
	}
	stats := Compute(sessions, 0)

	assert.InDelta(t, 0.181818, stats.MaxDrawdown, 1e-6)
	assert.Equal(t, int64(540_000), stats.MaxDrawdownDuration)
	assert.Equal(t, 120.0, stats.CurrentBalance)
	assert.InDelta(t, 120.0/0.18181818, stats.CalmarRatio, 1e-3)
}

func TestCompute_CalmarGuardOnZeroDrawdown(t *testing.T) {
	// 余额单调上行，回撤为零，calmar 必须为 0 而不是除零。
	sessions := []Session{
		sessionWithBalance(0, 1, 100, 0.1),
		sessionWithBalance(1, -1, 110, 0.1),
	}
	stats := Compute(sessions, 0)
	assert.Zero(t, stats.MaxDrawdown)
	assert.Zero(t, stats.CalmarRatio)
	// 无回撤时不得借用首个 session 的跨度当时长。
	assert.Zero(t, stats.MaxDrawdownDuration)
}

func TestCompute_SuccessRateTruncated(t *testing.T) {
	// 2/3 = 0.6666... 截断到 0.66，而不是四舍五入成 0.67。
	sessions := []Session{
		sessionWithBalance(0, 1, 100, 0.1),
		sessionWithBalance(1, -1, 105, 0.05),
		sessionWithBalance(2, 1, 95, -0.05),
	}
	stats := Compute(sessions, 0)
	assert.Equal(t, 0.66, stats.SuccessRate)
}

func TestCompute_DropsFlatSessionsExceptFirst(t *testing.T) {
	sessions := []Session{
		sessionWithBalance(0, 0, 100, 0),
		sessionWithBalance(1, 1, 110, 0.1),
		sessionWithBalance(2, 0, 110, 0.1), // 剔除
		sessionWithBalance(3, -1, 120, 0.2),
	}
	stats := Compute(sessions, 0)
	assert.Equal(t, 3, stats.Sessions)
}

func TestCompute_ZeroRiskContributesZero(t *testing.T) {
	// risk == 0 的 session 对比率求和贡献 0，不产生 NaN/Inf。
	s := sessionWithBalance(0, 1, 110, 0.1)
	s.Risk = 0
	s.DownsideRisk = 0
	stats := Compute([]Session{s}, 0.02)

	assert.Zero(t, stats.RiskAdjustedReturn)
	assert.Equal(t, -0.02, stats.SharpeRatio) // 无风险收益只减一次
	assert.Zero(t, stats.SortinoRatio)
	assert.False(t, stats.RiskAdjustedReturn != stats.RiskAdjustedReturn, "NaN")
}

func TestCompute_RatioSummation(t *testing.T) {
	a := sessionWithBalance(0, 1, 110, 0.1)
	a.Risk = 0.05
	a.DownsideRisk = 0.02
	b := sessionWithBalance(1, -1, 105, -0.04)
	b.Risk = 0.08
	b.DownsideRisk = 0.04

	stats := Compute([]Session{a, b}, 0.01)
	wantRAR := 0.1/0.05 + (-0.04)/0.08
	require.InDelta(t, wantRAR, stats.RiskAdjustedReturn, 1e-12)
	assert.InDelta(t, wantRAR-0.01, stats.SharpeRatio, 1e-12)
	assert.InDelta(t, 0.1/0.02+(-0.04)/0.04, stats.SortinoRatio, 1e-12)
}

func TestCompute_Empty(t *testing.T) {
	assert.Equal(t, Statistics{}, Compute(nil, 0.05))
}
