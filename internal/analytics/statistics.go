package analytics

import "math"

// Statistics 是一次绩效计算的汇总结果。每次分析重算，绝不原地累积。
type Statistics struct {
	SuccessRate         float64 `json:"success_rate"`
	CurrentBalance      float64 `json:"current_balance"`
	Risk                float64 `json:"risk"`
	DownsideDeviation   float64 `json:"downside_deviation"`
	RiskAdjustedReturn  float64 `json:"risk_adjusted_return"`
	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDrawdownDuration int64   `json:"max_drawdown_duration"`
	SharpeRatio         float64 `json:"sharpe_ratio"`
	SortinoRatio        float64 `json:"sortino_ratio"`
	CalmarRatio         float64 `json:"calmar_ratio"`
	Sessions            int     `json:"sessions"`
}

// Compute 由 session 序列得出汇总统计。
// 平仓 session（符号为 0）除第一个外全部剔除；所有比率项对零分母
// 显式贡献 0，结果里永远不会出现 NaN/Inf。
func Compute(sessions []Session, riskFreeReturns float64) Statistics {
	active := make([]Session, 0, len(sessions))
	for i, s := range sessions {
		if s.Position == 0 && i != 0 {
			continue
		}
		active = append(active, s)
	}
	if len(active) == 0 {
		return Statistics{}
	}

	applyDrawdowns(active)

	var stats Statistics
	stats.Sessions = len(active)
	stats.CurrentBalance = active[len(active)-1].Balance

	positive := 0
	var sumRet, sumRAR, sumSortino float64
	maxDD := active[0]
	for _, s := range active {
		if s.Returns > 0 {
			positive++
		}
		sumRet += s.Returns
		if s.Risk != 0 {
			sumRAR += s.Returns / s.Risk
		}
		if s.DownsideRisk != 0 {
			sumSortino += s.Returns / s.DownsideRisk
		}
		if s.Drawdown > maxDD.Drawdown {
			maxDD = s
		}
	}

	// 截断而非四舍五入到两位小数。
	stats.SuccessRate = math.Trunc(float64(positive)/float64(len(active))*100) / 100

	mean := sumRet / float64(len(active))
	var variance, downSq float64
	downN := 0
	for _, s := range active {
		dev := s.Returns - mean
		variance += dev * dev
		if s.Returns < 0 {
			downSq += s.Returns * s.Returns
			downN++
		}
	}
	stats.Risk = math.Sqrt(variance / float64(len(active)))
	if downN > 0 {
		stats.DownsideDeviation = math.Sqrt(downSq / float64(downN))
	}

	stats.RiskAdjustedReturn = sumRAR
	stats.SharpeRatio = sumRAR - riskFreeReturns
	stats.SortinoRatio = sumSortino
	stats.MaxDrawdown = maxDD.Drawdown
	if stats.MaxDrawdown != 0 {
		// 无回撤时时长同样报 0，不借用首个 session 的跨度。
		stats.MaxDrawdownDuration = maxDD.End - maxDD.Start
		stats.CalmarRatio = stats.CurrentBalance / stats.MaxDrawdown
	}
	return stats
}
