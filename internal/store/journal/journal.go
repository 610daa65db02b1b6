// Package journal 用 gorm + sqlite 记录订单流水，供崩溃恢复与对账。
// 按 uuid upsert，重放同一订单状态是幂等写入。
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"marlin/internal/ledger"
	"marlin/internal/logger"
)

var log = logger.Tag("journal")

// OrderModel 是订单在流水库中的落盘形态。
type OrderModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	UUID           string         `gorm:"column:uuid;uniqueIndex"`
	Symbol         string         `gorm:"column:symbol;index"`
	Side           string         `gorm:"column:side"`
	Units          float64        `gorm:"column:units"`
	Leverage       int64          `gorm:"column:leverage"`
	AvgPrice       float64        `gorm:"column:avg_price"`
	IsClose        bool           `gorm:"column:is_close"`
	Status         string         `gorm:"column:status"`
	ExecutionsJSON datatypes.JSON `gorm:"column:executions_json;type:TEXT"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
}

// TableName 固定表名。
func (OrderModel) TableName() string { return "order_journal" }

// Journal 是订单流水库。
type Journal struct {
	db *gorm.DB
}

// Open 打开（必要时创建并迁移）流水库。
func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal: 流水库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: 创建目录失败: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: 打开流水库失败: %w", err)
	}
	if err := db.AutoMigrate(&OrderModel{}); err != nil {
		return nil, fmt.Errorf("journal: 迁移失败: %w", err)
	}
	log.Infof("订单流水库就绪: %s", path)
	return &Journal{db: db}, nil
}

// Record 落一条订单流水。同 uuid 重写覆盖。
func (j *Journal) Record(ctx context.Context, o *ledger.Order) error {
	if o == nil {
		return errors.New("journal: order 不能为 nil")
	}
	execs, err := json.Marshal(o.Executions)
	if err != nil {
		return fmt.Errorf("journal: 序列化成交失败: %w", err)
	}
	m := OrderModel{
		UUID:           o.UUID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Units:          o.Units,
		Leverage:       o.Leverage,
		AvgPrice:       o.AvgPrice,
		IsClose:        o.IsClose,
		Status:         string(o.Status()),
		ExecutionsJSON: datatypes.JSON(execs),
		CreatedAtUnix:  o.CreatedAt.UnixMilli(),
		UpdatedAtUnix:  o.UpdatedAt.UnixMilli(),
	}
	return j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"units", "status", "executions_json", "updated_at",
		}),
	}).Create(&m).Error
}

// Find 按 uuid 读回订单。不存在时返回 (nil, nil)。
func (j *Journal) Find(ctx context.Context, uuid string) (*ledger.Order, error) {
	var m OrderModel
	err := j.db.WithContext(ctx).Where("uuid = ?", uuid).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.toOrder()
}

// ListBySymbol 列出某 symbol 的全部流水，按创建时间升序。
func (j *Journal) ListBySymbol(ctx context.Context, symbol string) ([]*ledger.Order, error) {
	var models []OrderModel
	if err := j.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.Order, 0, len(models))
	for _, m := range models {
		o, err := m.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (m OrderModel) toOrder() (*ledger.Order, error) {
	var execs []ledger.Execution
	if len(m.ExecutionsJSON) > 0 {
		if err := json.Unmarshal(m.ExecutionsJSON, &execs); err != nil {
			return nil, fmt.Errorf("journal: 反序列化成交失败: %w", err)
		}
	}
	o := &ledger.Order{
		UUID:       m.UUID,
		Symbol:     m.Symbol,
		Side:       ledger.Side(m.Side),
		Units:      m.Units,
		Leverage:   m.Leverage,
		AvgPrice:   m.AvgPrice,
		IsClose:    m.IsClose,
		Executions: execs,
		CreatedAt:  time.UnixMilli(m.CreatedAtUnix).UTC(),
		UpdatedAt:  time.UnixMilli(m.UpdatedAtUnix).UTC(),
	}
	return o, nil
}
