package market

import (
	"fmt"
	"sort"
	"time"
)

// KlineDuration 是聚合桶宽度。提交行的 start_time 全部落在分钟边界上。
const KlineDuration = time.Minute

// Tick 是行情源推送的一条原始报价（迷你 K 线形态，带 OHLC）。
// 收到后不可变。
type Tick struct {
	Symbol string  `json:"symbol"`
	Time   int64   `json:"time"` // Unix ms
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
}

// Minute 返回 tick 所属的分钟桶（分钟起点，Unix ms）。
func (t Tick) Minute() int64 {
	step := KlineDuration.Milliseconds()
	return t.Time - t.Time%step
}

// SecondOfMinute 返回 tick 在分钟内的秒位（0~59），用于分段暂存。
func (t Tick) SecondOfMinute() int {
	return int(t.Time % KlineDuration.Milliseconds() / 1000)
}

// OHLC 是单个 symbol 在一个桶内的聚合结果。
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Row 是一条提交的 K 线行：一个时间桶、每个交易 symbol 一组 OHLC 列。
// StartTime 在已提交序列中严格递增且唯一。
type Row struct {
	StartTime int64           `json:"start_time"`
	Quotes    map[string]OHLC `json:"quotes"`
}

// Quote 返回指定 symbol 的 OHLC。
func (r Row) Quote(symbol string) (OHLC, bool) {
	q, ok := r.Quotes[symbol]
	return q, ok
}

// Batch 是一次提交批次：正常路径单行，回补路径多行（按 start_time 升序）。
// 下游按 start_time 幂等合并，后写覆盖。
type Batch struct {
	Rows []Row `json:"rows"`
}

// Schema 在管线构建期约定聚合输出包含哪些 symbol 列。
type Schema struct {
	Symbols []string
}

// NewSchema 归一化并校验 symbol 列表。
func NewSchema(symbols []string) (Schema, error) {
	if len(symbols) == 0 {
		return Schema{}, fmt.Errorf("schema 至少需要一个 symbol")
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			return Schema{}, fmt.Errorf("schema 包含空 symbol")
		}
		if _, dup := seen[s]; dup {
			return Schema{}, fmt.Errorf("schema 包含重复 symbol: %s", s)
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return Schema{Symbols: out}, nil
}

// Columns 返回 CSV 导出使用的列名（每个 symbol 四列）。
func (s Schema) Columns() []string {
	cols := make([]string, 0, len(s.Symbols)*4)
	for _, sym := range s.Symbols {
		cols = append(cols,
			sym+"_open", sym+"_high", sym+"_low", sym+"_close")
	}
	return cols
}

// AggregateTicks 将同一桶内的 tick 聚合为一组 OHLC：
// open 取最早 tick 的 open，close 取最晚 tick 的 close，high/low 取极值。
// 与到达顺序无关。ticks 为空时返回 ok=false。
func AggregateTicks(ticks []Tick) (OHLC, bool) {
	if len(ticks) == 0 {
		return OHLC{}, false
	}
	sorted := make([]Tick, len(ticks))
	copy(sorted, ticks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	out := OHLC{
		Open:  sorted[0].Open,
		High:  sorted[0].High,
		Low:   sorted[0].Low,
		Close: sorted[len(sorted)-1].Close,
	}
	for _, t := range sorted[1:] {
		if t.High > out.High {
			out.High = t.High
		}
		if t.Low < out.Low {
			out.Low = t.Low
		}
	}
	return out, true
}
