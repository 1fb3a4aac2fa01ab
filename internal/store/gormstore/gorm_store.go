package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"estrader/internal/ledger"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore 使用 Gorm + SQLite 持久化仓位流水。
type GormStore struct {
	db *gorm.DB
}

var _ ledger.Writer = (*GormStore)(nil)

// NewGormStore 打开（或创建）数据库并迁移表结构。
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 流水库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ledgerModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：少量并发读（HTTP）与单写。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append 追加一条流水。
func (s *GormStore) Append(ctx context.Context, rec ledger.Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	model := newLedgerModel(rec)
	return s.db.WithContext(ctx).Create(&model).Error
}

// Recent 按时间倒序返回最近 limit 条。
func (s *GormStore) Recent(ctx context.Context, limit int) ([]ledger.Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []ledgerModel
	if err := s.db.WithContext(ctx).
		Order("ts DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// SumRealizedPnL 汇总 since 之后的已实现盈亏（用于状态接口的当日统计）。
func (s *GormStore) SumRealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var total struct{ Sum *float64 }
	err := s.db.WithContext(ctx).Model(&ledgerModel{}).
		Select("SUM(realized_pnl) AS sum").
		Where("ts >= ? AND realized_pnl IS NOT NULL", since.UnixMilli()).
		Scan(&total).Error
	if err != nil || total.Sum == nil {
		return 0, err
	}
	return *total.Sum, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

type ledgerModel struct {
	ID                  int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RecordID            string         `gorm:"column:record_id;uniqueIndex"`
	TraceID             string         `gorm:"column:trace_id;index"`
	TimestampMs         int64          `gorm:"column:ts;index"`
	Kind                string         `gorm:"column:kind;index"`
	Symbol              string         `gorm:"column:symbol;index"`
	PriorSide           string         `gorm:"column:prior_side"`
	PriorSize           int            `gorm:"column:prior_size"`
	NewSide             string         `gorm:"column:new_side"`
	NewSize             int            `gorm:"column:new_size"`
	EntryPrice          float64        `gorm:"column:entry_price"`
	StopLoss            *float64       `gorm:"column:stop_loss"`
	TakeProfit          *float64       `gorm:"column:take_profit"`
	ExitPrice           *float64       `gorm:"column:exit_price"`
	RealizedPnL         *float64       `gorm:"column:realized_pnl"`
	Fees                *float64       `gorm:"column:fees"`
	Rationale           string         `gorm:"column:rationale"`
	Confidence          int            `gorm:"column:confidence"`
	Admissible          bool           `gorm:"column:admissible"`
	AdmissibilityReason string         `gorm:"column:admissibility_reason"`
	AfterHoursNotice    string         `gorm:"column:after_hours_notice"`
	Source              string         `gorm:"column:source"`
	Raw                 datatypes.JSON `gorm:"column:raw"`
}

func (ledgerModel) TableName() string { return "ledger_records" }

// --- Model Conversion Helpers ---

func newLedgerModel(rec ledger.Record) ledgerModel {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m := ledgerModel{
		RecordID:            rec.ID,
		TraceID:             rec.TraceID,
		TimestampMs:         rec.Timestamp.UnixMilli(),
		Kind:                rec.Kind,
		Symbol:              rec.Symbol,
		PriorSide:           rec.PriorSide,
		PriorSize:           rec.PriorSize,
		NewSide:             rec.NewSide,
		NewSize:             rec.NewSize,
		EntryPrice:          rec.EntryPrice,
		StopLoss:            rec.StopLoss,
		TakeProfit:          rec.TakeProfit,
		ExitPrice:           rec.ExitPrice,
		RealizedPnL:         rec.RealizedPnL,
		Fees:                rec.Fees,
		Rationale:           rec.Rationale,
		Confidence:          rec.Confidence,
		Admissible:          rec.Admissible,
		AdmissibilityReason: rec.AdmissibilityReason,
		AfterHoursNotice:    rec.AfterHoursNotice,
		Source:              rec.Source,
	}
	if len(rec.Raw) > 0 && json.Valid(rec.Raw) {
		m.Raw = datatypes.JSON(rec.Raw)
	}
	return m
}

func (m ledgerModel) toRecord() ledger.Record {
	rec := ledger.Record{
		ID:                  m.RecordID,
		TraceID:             m.TraceID,
		Timestamp:           time.UnixMilli(m.TimestampMs),
		Kind:                m.Kind,
		Symbol:              m.Symbol,
		PriorSide:           m.PriorSide,
		PriorSize:           m.PriorSize,
		NewSide:             m.NewSide,
		NewSize:             m.NewSize,
		EntryPrice:          m.EntryPrice,
		StopLoss:            m.StopLoss,
		TakeProfit:          m.TakeProfit,
		ExitPrice:           m.ExitPrice,
		RealizedPnL:         m.RealizedPnL,
		Fees:                m.Fees,
		Rationale:           m.Rationale,
		Confidence:          m.Confidence,
		Admissible:          m.Admissible,
		AdmissibilityReason: m.AdmissibilityReason,
		AfterHoursNotice:    m.AfterHoursNotice,
		Source:              m.Source,
	}
	if len(m.Raw) > 0 {
		rec.Raw = json.RawMessage(m.Raw)
	}
	return rec
}
