package analytics

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"marlin/internal/logger"
)

// 每次运行导出四份 CSV：
//   trading_data / trades           — 实盘（或回放）轨迹的行表与 session 表
//   benchmark_data / benchmark_trades — 买入持有基准轨迹的行表与 session 表
// 文件名 {HH:MM-DD-MM-YYYY}_{anchor}_{traded}_{suffix}.csv。
const exportTimeLayout = "15:04-02-01-2006"

// Exporter 把行表与 session 表落成 CSV 报告。
type Exporter struct {
	Dir          string
	AnchorSymbol string
	TradedSymbol string

	nowFn func() time.Time
}

// NewExporter 构造导出器，dir 不存在时按需创建。
func NewExporter(dir, anchorSymbol, tradedSymbol string) (*Exporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("analytics: 导出目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("analytics: 创建导出目录失败: %w", err)
	}
	return &Exporter{
		Dir:          dir,
		AnchorSymbol: anchorSymbol,
		TradedSymbol: tradedSymbol,
		nowFn:        time.Now,
	}, nil
}

func (e *Exporter) filename(suffix string) string {
	stamp := e.nowFn().Format(exportTimeLayout)
	return fmt.Sprintf("%s_%s_%s_%s.csv", stamp, e.AnchorSymbol, e.TradedSymbol, suffix)
}

// Export 写出全部四份报告，返回写出的文件路径。
func (e *Exporter) Export(trading, benchmark []Row, tradingSessions, benchmarkSessions []Session) ([]string, error) {
	artifacts := []struct {
		suffix string
		write  func(*csv.Writer) error
	}{
		{"trading_data", func(w *csv.Writer) error { return writeRows(w, trading) }},
		{"trades", func(w *csv.Writer) error { return writeSessions(w, tradingSessions) }},
		{"benchmark_data", func(w *csv.Writer) error { return writeRows(w, benchmark) }},
		{"benchmark_trades", func(w *csv.Writer) error { return writeSessions(w, benchmarkSessions) }},
	}

	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		path := filepath.Join(e.Dir, e.filename(a.suffix))
		if err := writeCSV(path, a.write); err != nil {
			return paths, fmt.Errorf("analytics: 导出 %s 失败: %w", a.suffix, err)
		}
		paths = append(paths, path)
	}
	logger.Infof("[导出] 已写出 %d 份 CSV 报告到 %s", len(paths), e.Dir)
	return paths, nil
}

func writeCSV(path string, fill func(*csv.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := fill(w); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func writeRows(w *csv.Writer, rows []Row) error {
	header := []string{"start_time", "price", "position", "returns", "balance",
		"trade_fees", "units", "profit_and_loss", "action"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.StartTime, 10),
			formatFloat(r.Price),
			formatFloat(r.Position),
			formatFloat(r.Returns),
			formatFloat(r.Balance),
			formatFloat(r.TradeFees),
			formatFloat(r.Units),
			formatFloat(r.PnL),
			r.Action,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func writeSessions(w *csv.Writer, sessions []Session) error {
	header := []string{"id", "start", "end", "start_price", "end_price", "position",
		"returns", "max_returns", "min_returns", "returns_seized",
		"risk", "downside_risk", "trade_fees", "balance", "drawdown"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range sessions {
		rec := []string{
			strconv.Itoa(s.ID),
			strconv.FormatInt(s.Start, 10),
			strconv.FormatInt(s.End, 10),
			formatFloat(s.StartPrice),
			formatFloat(s.EndPrice),
			formatFloat(s.Position),
			formatFloat(s.Returns),
			formatFloat(s.MaxReturns),
			formatFloat(s.MinReturns),
			formatFloat(s.ReturnsSeized),
			formatFloat(s.Risk),
			formatFloat(s.DownsideRisk),
			formatFloat(s.TradeFees),
			formatFloat(s.Balance),
			formatFloat(s.Drawdown),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
