package analytics

import "math"

// Session 是一段持仓符号不变的连续区间的聚合。
type Session struct {
	ID            int     `json:"id"`
	Start         int64   `json:"start"`
	End           int64   `json:"end"`
	StartPrice    float64 `json:"start_price"`
	EndPrice      float64 `json:"end_price"`
	Position      float64 `json:"position"` // 区间内的持仓符号：+1 多 -1 空 0 平
	Returns       float64 `json:"returns"`  // 区间最后一行的 returns
	MaxReturns    float64 `json:"max_returns"`
	MinReturns    float64 `json:"min_returns"`
	ReturnsSeized float64 `json:"returns_seized"`
	Risk          float64 `json:"risk"`          // returns 的总体标准差
	DownsideRisk  float64 `json:"downside_risk"` // 负 returns 的均方根
	TradeFees     float64 `json:"trade_fees"`
	Balance       float64 `json:"balance"` // 区间最后一行的 balance
	Drawdown      float64 `json:"drawdown"`
	Rows          int     `json:"rows"`
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Sessions 按持仓符号变化切分并聚合。
// 符号每变化一次 session id 递增：[0,0,1,1,1,-1,-1,0] 切成
// {0,0} {1,1,1} {-1,-1} {0}。平仓行（符号归零的那一行）属于新 session：
// 当 trade 指标直接由 position 列推导时，边界回归属规则退化为恒等。
func Sessions(rows []Row) []Session {
	if len(rows) == 0 {
		return nil
	}
	var groups [][]Row
	cur := []Row{rows[0]}
	prev := sign(rows[0].Position)
	for _, r := range rows[1:] {
		s := sign(r.Position)
		if s != prev {
			groups = append(groups, cur)
			cur = nil
			prev = s
		}
		cur = append(cur, r)
	}
	groups = append(groups, cur)

	sessions := make([]Session, 0, len(groups))
	for id, g := range groups {
		sessions = append(sessions, aggregate(id, g))
	}
	return sessions
}

func aggregate(id int, rows []Row) Session {
	first, last := rows[0], rows[len(rows)-1]
	s := Session{
		ID:         id,
		Start:      first.StartTime,
		End:        last.StartTime,
		StartPrice: first.Price,
		EndPrice:   last.Price,
		Position:   float64(sign(first.Position)),
		Returns:    last.Returns,
		MaxReturns: math.Inf(-1),
		MinReturns: math.Inf(1),
		Balance:    last.Balance,
		Rows:       len(rows),
	}

	var sum float64
	for _, r := range rows {
		s.MaxReturns = math.Max(s.MaxReturns, r.Returns)
		s.MinReturns = math.Min(s.MinReturns, r.Returns)
		s.TradeFees += r.TradeFees
		sum += r.Returns
	}

	// returns_seized：最终收益占区间最有利偏移的比例。
	switch {
	case s.Returns > 0 && s.MaxReturns != 0:
		s.ReturnsSeized = s.Returns / s.MaxReturns
	case s.Returns < 0 && s.MinReturns != 0:
		s.ReturnsSeized = s.Returns / s.MinReturns
	}

	mean := sum / float64(len(rows))
	var variance, downSq float64
	downN := 0
	for _, r := range rows {
		dev := r.Returns - mean
		variance += dev * dev
		if r.Returns < 0 {
			downSq += r.Returns * r.Returns
			downN++
		}
	}
	s.Risk = math.Sqrt(variance / float64(len(rows)))
	if downN > 0 {
		s.DownsideRisk = math.Sqrt(downSq / float64(downN))
	}
	return s
}

// applyDrawdowns 在 session 级 balance 序列上按时间顺序计算回撤：
// |running_max - balance| / running_max。
func applyDrawdowns(sessions []Session) {
	runningMax := math.Inf(-1)
	for i := range sessions {
		if sessions[i].Balance > runningMax {
			runningMax = sessions[i].Balance
		}
		if runningMax > 0 {
			sessions[i].Drawdown = math.Abs(runningMax-sessions[i].Balance) / runningMax
		}
	}
}
