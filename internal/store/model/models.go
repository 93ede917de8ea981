package model

import (
	"gorm.io/datatypes"
)

// RoundModel is the persisted form of a trade round.
type RoundModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	RoundID        string         `gorm:"column:round_id;uniqueIndex"`
	Symbol         string         `gorm:"column:symbol;index"`
	Direction      string         `gorm:"column:direction"`
	Status         string         `gorm:"column:status;index"`
	StopLoss       float64        `gorm:"column:stop_loss"`
	TPPricesJSON   datatypes.JSON `gorm:"column:tp_prices_json;type:TEXT"`
	SignalJSON     datatypes.JSON `gorm:"column:signal_json;type:TEXT"`
	RealizedProfit float64        `gorm:"column:realized_profit"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	StatusUnix     int64          `gorm:"column:status_changed_at"`
	LastActiveUnix int64          `gorm:"column:last_active_at"`
}

func (RoundModel) TableName() string { return "trade_rounds" }

// PositionModel is the persisted form of one position in a round.
type PositionModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	PositionID     string         `gorm:"column:position_id;uniqueIndex"`
	OrderID        string         `gorm:"column:order_id;index"`
	RoundID        string         `gorm:"column:round_id;index"`
	Symbol         string         `gorm:"column:symbol"`
	Direction      string         `gorm:"column:direction"`
	Volume         float64        `gorm:"column:volume"`
	EntryType      string         `gorm:"column:entry_type"`
	Status         string         `gorm:"column:status;index"`
	EntryPrice     float64        `gorm:"column:entry_price"`
	StopLoss       float64        `gorm:"column:stop_loss"`
	TPPricesJSON   datatypes.JSON `gorm:"column:tp_prices_json;type:TEXT"`
	ClosePrice     float64        `gorm:"column:close_price"`
	RealizedProfit float64        `gorm:"column:realized_profit"`
	LayerIndex     int            `gorm:"column:layer_index"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	OpenedAtUnix   int64          `gorm:"column:opened_at"`
	ClosedAtUnix   int64          `gorm:"column:closed_at"`
}

func (PositionModel) TableName() string { return "round_positions" }

// SignalUpdateModel journals every accepted signal payload per round.
type SignalUpdateModel struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	RoundID     string         `gorm:"column:round_id;index"`
	Symbol      string         `gorm:"column:symbol"`
	SignalType  string         `gorm:"column:signal_type"`
	PayloadJSON datatypes.JSON `gorm:"column:payload_json;type:TEXT"`
	Processed   int            `gorm:"column:processed"`
	ArrivedUnix int64          `gorm:"column:arrived_at"`
}

func (SignalUpdateModel) TableName() string { return "signal_updates" }
