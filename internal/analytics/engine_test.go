package analytics

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"marlin/internal/broadcast"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_MergeByStartTimeLastWriteWins(t *testing.T) {
	tbl := NewTable()
	tbl.Merge(
		Row{StartTime: 60_000, Balance: 100},
		Row{StartTime: 120_000, Balance: 101},
	)
	// 回补重发边界分钟：覆盖而不是重复。
	tbl.Merge(Row{StartTime: 60_000, Balance: 99})
	require.Equal(t, 2, tbl.Len())
	rows := tbl.Rows()
	assert.Equal(t, 99.0, rows[0].Balance)
	assert.Equal(t, 101.0, rows[1].Balance)
}

func TestTable_MergeOutOfOrderResorts(t *testing.T) {
	tbl := NewTable()
	tbl.Merge(Row{StartTime: 120_000}, Row{StartTime: 60_000}, Row{StartTime: 180_000})
	rows := tbl.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, int64(60_000), rows[0].StartTime)
	assert.Equal(t, int64(120_000), rows[1].StartTime)
	assert.Equal(t, int64(180_000), rows[2].StartTime)
}

func TestEngine_IngestRecomputesStats(t *testing.T) {
	e := NewEngine(0, nil)

	stats := e.Ingest(Update{Trading: []Row{
		{StartTime: 0, Position: 1, Returns: 0.1, Balance: 110},
		{StartTime: 60_000, Position: 0, Returns: 0.1, Balance: 110},
	}})
	assert.Equal(t, 110.0, stats.CurrentBalance)
	assert.Equal(t, stats, e.Stats())

	// 增量合并后统计整体重算。
	stats = e.Ingest(Update{Trading: []Row{
		{StartTime: 120_000, Position: -1, Returns: 0.05, Balance: 105},
	}})
	assert.Equal(t, 105.0, stats.CurrentBalance)
}

func TestEngine_RunConsumesUntilClose(t *testing.T) {
	ch := broadcast.New(Update{})
	e := NewEngine(0, nil)
	sub := ch.Subscribe()
	// 丢掉初始零值。
	_, _ = sub.TryNext()

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), sub) }()

	ch.Publish(Update{Trading: []Row{{StartTime: 0, Position: 1, Returns: 0.1, Balance: 110}}})
	require.Eventually(t, func() bool {
		return e.Stats().CurrentBalance == 110.0
	}, 2*time.Second, 10*time.Millisecond)

	ch.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("引擎未随通道关闭退出")
	}
}

func TestEngine_ExportWritesSessionDrawdowns(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewExporter(dir, "BTCUSDT", "ETHUSDT")
	require.NoError(t, err)
	exp.nowFn = func() time.Time {
		return time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	}

	e := NewEngine(0, exp)
	// session 余额 [100,110,90,120] -> 第三段回撤 |110-90|/110。
	e.Ingest(Update{Trading: []Row{
		{StartTime: 0, Position: 1, Balance: 100},
		{StartTime: 60_000, Position: -1, Balance: 110, Returns: 0.1},
		{StartTime: 120_000, Position: 1, Balance: 90, Returns: -0.1},
		{StartTime: 180_000, Position: -1, Balance: 120, Returns: 0.2},
	}})
	require.NoError(t, e.Export())

	f, err := os.Open(filepath.Join(dir, "14:30-09-03-2024_BTCUSDT_ETHUSDT_trades.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)

	ddCol := len(records[0]) - 1
	require.Equal(t, "drawdown", records[0][ddCol])
	dd, err := strconv.ParseFloat(records[3][ddCol], 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.181818, dd, 1e-6)
	// 其余段在各自运行高点上，回撤为 0。
	assert.Equal(t, "0", records[1][ddCol])
	assert.Equal(t, "0", records[2][ddCol])
	assert.Equal(t, "0", records[4][ddCol])
}

func TestExporter_WritesFourArtifacts(t *testing.T) {
	dir := t.TempDir()
	exp, err := NewExporter(dir, "BTCUSDT", "ETHUSDT")
	require.NoError(t, err)
	exp.nowFn = func() time.Time {
		return time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	}

	trading := []Row{{StartTime: 60_000, Position: 1, Balance: 110, Action: "open_buy"}}
	sessions := Sessions(trading)
	paths, err := exp.Export(trading, trading, sessions, sessions)
	require.NoError(t, err)
	require.Len(t, paths, 4)

	wantSuffixes := []string{"trading_data", "trades", "benchmark_data", "benchmark_trades"}
	for i, p := range paths {
		name := filepath.Base(p)
		assert.True(t, strings.HasPrefix(name, "14:30-09-03-2024_BTCUSDT_ETHUSDT_"), name)
		assert.True(t, strings.HasSuffix(name, wantSuffixes[i]+".csv"), name)
		_, statErr := os.Stat(p)
		assert.NoError(t, statErr)
	}

	// 行表内容可被标准 CSV 读回。
	f, err := os.Open(paths[0])
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "start_time", records[0][0])
	assert.Equal(t, "60000", records[1][0])
	assert.Equal(t, "open_buy", records[1][8])
}
