// Package gormstore persists rounds, positions and signal journals in
// SQLite through Gorm. The round registry calls it fire-and-forget; the
// recovery path reads it back on startup.
package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"signalround/internal/round"
	"signalround/internal/signal"
	storemodel "signalround/internal/store/model"
	"signalround/internal/types"
)

type roundModel = storemodel.RoundModel
type positionModel = storemodel.PositionModel
type signalUpdateModel = storemodel.SignalUpdateModel

// GormStore implements round.Store on SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (creating if needed) the database at path.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: empty database path")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&roundModel{}, &positionModel{}, &signalUpdateModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep parallelism low so writers rarely contend.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close closes the underlying connection.
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

var _ round.Store = (*GormStore)(nil)

// UpsertRound writes the round header keyed by round id.
func (s *GormStore) UpsertRound(ctx context.Context, r *round.TradeRound) error {
	if s == nil || s.db == nil || r == nil {
		return nil
	}
	m := roundModel{
		RoundID:        r.ID,
		Symbol:         r.Symbol,
		Direction:      string(r.Direction),
		Status:         string(r.Status),
		StopLoss:       r.StopLoss,
		TPPricesJSON:   mustJSON(r.TPPrices),
		RealizedProfit: r.RealizedProfit(),
		CreatedAtUnix:  r.CreatedAt.Unix(),
		StatusUnix:     r.StatusChangedAt.Unix(),
		LastActiveUnix: r.LastActivity.Unix(),
	}
	if r.Signal != nil {
		m.SignalJSON = mustJSON(r.Signal)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "round_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "stop_loss", "tp_prices_json", "realized_profit",
				"status_changed_at", "last_active_at",
			}),
		}).
		Create(&m).Error
}

// UpsertPosition writes one position keyed by position id.
func (s *GormStore) UpsertPosition(ctx context.Context, p *round.Position) error {
	if s == nil || s.db == nil || p == nil {
		return nil
	}
	m := positionModel{
		PositionID:     p.ID,
		OrderID:        p.OrderID,
		RoundID:        p.RoundID,
		Symbol:         p.Symbol,
		Direction:      string(p.Direction),
		Volume:         p.Volume,
		EntryType:      string(p.EntryType),
		Status:         string(p.Status),
		EntryPrice:     p.EntryPrice,
		StopLoss:       p.StopLoss,
		TPPricesJSON:   mustJSON(p.TakeProfits),
		ClosePrice:     p.ClosePrice,
		RealizedProfit: p.RealizedProfit,
		LayerIndex:     p.LayerIndex,
		CreatedAtUnix:  p.CreatedAt.Unix(),
	}
	if !p.OpenedAt.IsZero() {
		m.OpenedAtUnix = p.OpenedAt.Unix()
	}
	if !p.ClosedAt.IsZero() {
		m.ClosedAtUnix = p.ClosedAt.Unix()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "position_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "entry_price", "stop_loss", "tp_prices_json",
				"close_price", "realized_profit", "opened_at", "closed_at",
			}),
		}).
		Create(&m).Error
}

// AppendSignalUpdate journals one accepted signal arrival.
func (s *GormStore) AppendSignalUpdate(ctx context.Context, roundID string, u signal.Update) error {
	if s == nil || s.db == nil {
		return nil
	}
	m := signalUpdateModel{
		RoundID:     roundID,
		SignalType:  string(u.Type),
		ArrivedUnix: u.Timestamp.Unix(),
	}
	if u.Content != nil {
		m.Symbol = u.Content.Symbol
		m.PayloadJSON = mustJSON(u.Content)
	}
	if u.Processed {
		m.Processed = 1
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// LoadOpenRounds reconstructs every non-closed round with its positions
// for startup recovery.
func (s *GormStore) LoadOpenRounds(ctx context.Context) ([]*round.TradeRound, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store: not initialized")
	}
	var rms []roundModel
	if err := s.db.WithContext(ctx).
		Where("status <> ?", string(round.StatusClosed)).
		Find(&rms).Error; err != nil {
		return nil, err
	}
	if len(rms) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rms))
	for _, rm := range rms {
		ids = append(ids, rm.RoundID)
	}
	var pms []positionModel
	if err := s.db.WithContext(ctx).Where("round_id IN ?", ids).Find(&pms).Error; err != nil {
		return nil, err
	}
	byRound := make(map[string][]positionModel, len(rms))
	for _, pm := range pms {
		byRound[pm.RoundID] = append(byRound[pm.RoundID], pm)
	}

	out := make([]*round.TradeRound, 0, len(rms))
	for _, rm := range rms {
		r := roundFromModel(rm)
		for _, pm := range byRound[rm.RoundID] {
			p := positionFromModel(pm)
			r.Positions[p.ID] = p
		}
		out = append(out, r)
	}
	return out, nil
}

// PruneClosedBefore deletes closed rounds whose status changed before
// cutoff, together with their positions.
func (s *GormStore) PruneClosedBefore(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&roundModel{}).
		Where("status = ? AND status_changed_at < ?", string(round.StatusClosed), cutoff.Unix()).
		Pluck("round_id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("round_id IN ?", ids).Delete(&positionModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("round_id IN ?", ids).Delete(&signalUpdateModel{}).Error; err != nil {
			return err
		}
		return tx.Where("round_id IN ?", ids).Delete(&roundModel{}).Error
	})
}

func roundFromModel(m roundModel) *round.TradeRound {
	r := &round.TradeRound{
		ID:              m.RoundID,
		Symbol:          m.Symbol,
		Direction:       types.Direction(m.Direction),
		Status:          round.Status(m.Status),
		StopLoss:        m.StopLoss,
		Positions:       make(map[string]*round.Position),
		CreatedAt:       time.Unix(m.CreatedAtUnix, 0),
		StatusChangedAt: time.Unix(m.StatusUnix, 0),
		LastActivity:    time.Unix(m.LastActiveUnix, 0),
	}
	if len(m.TPPricesJSON) > 0 {
		_ = json.Unmarshal(m.TPPricesJSON, &r.TPPrices)
	}
	if len(m.SignalJSON) > 0 {
		var sig signal.Signal
		if err := json.Unmarshal(m.SignalJSON, &sig); err == nil {
			r.Signal = &sig
		}
	}
	return r
}

func positionFromModel(m positionModel) *round.Position {
	p := &round.Position{
		ID:             m.PositionID,
		OrderID:        m.OrderID,
		RoundID:        m.RoundID,
		Symbol:         m.Symbol,
		Direction:      types.Direction(m.Direction),
		Volume:         m.Volume,
		EntryType:      types.EntryType(m.EntryType),
		Status:         round.PositionStatus(m.Status),
		EntryPrice:     m.EntryPrice,
		StopLoss:       m.StopLoss,
		ClosePrice:     m.ClosePrice,
		RealizedProfit: m.RealizedProfit,
		LayerIndex:     m.LayerIndex,
		CreatedAt:      time.Unix(m.CreatedAtUnix, 0),
	}
	if len(m.TPPricesJSON) > 0 {
		_ = json.Unmarshal(m.TPPricesJSON, &p.TakeProfits)
	}
	if m.OpenedAtUnix > 0 {
		p.OpenedAt = time.Unix(m.OpenedAtUnix, 0)
	}
	if m.ClosedAtUnix > 0 {
		p.ClosedAt = time.Unix(m.ClosedAtUnix, 0)
	}
	return p
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
