// Package analytics 是管线末端的绩效引擎：消费 K 线 + 持仓拼接表，
// 按持仓符号切 session，计算回撤与风险调整收益，并导出 CSV 报告。
package analytics

import "sort"

// Row 是拼接表的一行：一根 K 线桶对应一条持仓计提。
// 回补路径可能重发边界分钟，按 start_time 合并、后写覆盖。
type Row struct {
	StartTime int64   `json:"start_time"`
	Price     float64 `json:"price"` // 成交 symbol 的收盘价
	Position  float64 `json:"position"`
	Returns   float64 `json:"returns"`
	Balance   float64 `json:"balance"`
	TradeFees float64 `json:"trade_fees"`
	Units     float64 `json:"units"`
	PnL       float64 `json:"profit_and_loss"`
	Action    string  `json:"action"`
}

// Table 是按 start_time 升序的行集合，唯一键 start_time。
type Table struct {
	index map[int64]int
	rows  []Row
}

// NewTable 构造空表。
func NewTable() *Table {
	return &Table{index: make(map[int64]int)}
}

// Merge 合并一批行：已存在的 start_time 后写覆盖，新行按序插入。
func (t *Table) Merge(rows ...Row) {
	needSort := false
	for _, r := range rows {
		if i, ok := t.index[r.StartTime]; ok {
			t.rows[i] = r
			continue
		}
		if n := len(t.rows); n > 0 && r.StartTime < t.rows[n-1].StartTime {
			needSort = true
		}
		t.index[r.StartTime] = len(t.rows)
		t.rows = append(t.rows, r)
	}
	if needSort {
		sort.Slice(t.rows, func(i, j int) bool { return t.rows[i].StartTime < t.rows[j].StartTime })
		for i, r := range t.rows {
			t.index[r.StartTime] = i
		}
	}
}

// Len 返回行数。
func (t *Table) Len() int { return len(t.rows) }

// Rows 返回按时间升序的行切片副本。
func (t *Table) Rows() []Row {
	out := make([]Row, len(t.rows))
	copy(out, t.rows)
	return out
}
