// Package store 持久化已提交的 K 线序列并提供完整性核对。
// 聚合器发布的批次在这里落盘，回补重发的边界分钟按 (start_time, symbol)
// upsert 吸收，落盘序列因此天然幂等。
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"

	"marlin/internal/logger"
	"marlin/internal/market"
)

var log = logger.Tag("store")

// KlineStore 把 K 线行写入 sqlite，按时间范围读回。
type KlineStore struct {
	db *sql.DB
}

const klineSchema = `
CREATE TABLE IF NOT EXISTS klines (
	start_time INTEGER NOT NULL,
	symbol     TEXT    NOT NULL,
	open       REAL    NOT NULL,
	high       REAL    NOT NULL,
	low        REAL    NOT NULL,
	close      REAL    NOT NULL,
	PRIMARY KEY (start_time, symbol)
);
CREATE INDEX IF NOT EXISTS idx_klines_symbol_time ON klines(symbol, start_time);
`

// OpenKlineStore 打开（必要时创建）K 线库。
func OpenKlineStore(path string) (*KlineStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: K 线库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: 创建目录失败: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: 打开 K 线库失败: %w", err)
	}
	if _, err := db.Exec(klineSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: 建表失败: %w", err)
	}
	log.Infof("K 线库就绪: %s", path)
	return &KlineStore{db: db}, nil
}

// Close 关闭底层连接。
func (s *KlineStore) Close() error { return s.db.Close() }

// PutBatch 落盘一个批次。同键重写覆盖，重放安全。
func (s *KlineStore) PutBatch(ctx context.Context, batch market.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO klines (start_time, symbol, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(start_time, symbol) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close`)
	if err != nil {
		return fmt.Errorf("store: 预编译失败: %w", err)
	}
	defer stmt.Close()

	for _, row := range batch.Rows {
		for symbol, q := range row.Quotes {
			if _, err := stmt.ExecContext(ctx, row.StartTime, symbol,
				q.Open, q.High, q.Low, q.Close); err != nil {
				return fmt.Errorf("store: 写入 %s@%d 失败: %w", symbol, row.StartTime, err)
			}
		}
	}
	return tx.Commit()
}

// RangeRows 读回 [start, end) 内的行，按 start_time 升序。
func (s *KlineStore) RangeRows(ctx context.Context, start, end int64) ([]market.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_time, symbol, open, high, low, close
		FROM klines WHERE start_time >= ? AND start_time < ?
		ORDER BY start_time ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: 范围查询失败: %w", err)
	}
	defer rows.Close()

	var out []market.Row
	byTime := make(map[int64]int)
	for rows.Next() {
		var ts int64
		var symbol string
		var q market.OHLC
		if err := rows.Scan(&ts, &symbol, &q.Open, &q.High, &q.Low, &q.Close); err != nil {
			return nil, fmt.Errorf("store: 扫描失败: %w", err)
		}
		i, ok := byTime[ts]
		if !ok {
			i = len(out)
			byTime[ts] = i
			out = append(out, market.Row{StartTime: ts, Quotes: make(map[string]market.OHLC)})
		}
		out[i].Quotes[symbol] = q
	}
	return out, rows.Err()
}

// IntegrityReport 是一次完整性核对的结果。
type IntegrityReport struct {
	Expected int64   // 范围内应有的分钟桶数
	Present  int64   // 实际存在的分钟桶数
	Gaps     []int64 // 缺失桶的 start_time
}

// Complete 报告范围内是否没有缺口。
func (r IntegrityReport) Complete() bool { return len(r.Gaps) == 0 }

// CheckIntegrity 核对 [start, end) 内指定 symbol 的序列是否逐分钟连续。
// start 需对齐到分钟边界。
func (s *KlineStore) CheckIntegrity(ctx context.Context, symbol string, start, end int64) (IntegrityReport, error) {
	step := market.KlineDuration.Milliseconds()
	if start%step != 0 {
		return IntegrityReport{}, fmt.Errorf("store: start %d 未对齐分钟边界", start)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_time FROM klines
		WHERE symbol = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time ASC`, symbol, start, end)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("store: 完整性查询失败: %w", err)
	}
	defer rows.Close()

	present := make(map[int64]struct{})
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return IntegrityReport{}, err
		}
		present[ts] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{}
	for ts := start; ts < end; ts += step {
		report.Expected++
		if _, ok := present[ts]; ok {
			report.Present++
		} else {
			report.Gaps = append(report.Gaps, ts)
		}
	}
	if !report.Complete() {
		log.Warnf("%s 在 [%d,%d) 内缺 %d 个桶", symbol, start, end, len(report.Gaps))
	}
	return report, nil
}
