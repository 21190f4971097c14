package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Events for inventory operations
// 在庫操作のイベント定義

// StockInEvent represents a committed stock-in
// 入庫完了イベント
type StockInEvent struct {
	Reference    string    `json:"reference"`
	ProductID    string    `json:"product_id"`
	Placement    Placement `json:"placement"`
	Quantity     int64     `json:"quantity"`
	BalanceAfter int64     `json:"balance_after"`
	UnitIDs      []string  `json:"unit_ids,omitempty"`
	Duplicates   []string  `json:"duplicates,omitempty"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// StockOutEvent represents a committed stock-out
// 出庫完了イベント
type StockOutEvent struct {
	StockOutID string    `json:"stock_out_id"`
	ReceiptID  string    `json:"receipt_id"`
	Category   Category  `json:"category"`
	UnitIDs    []string  `json:"unit_ids"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// TransferConfirmedEvent represents a confirmed branch transfer
// 拠点間移動の受領確認イベント
type TransferConfirmedEvent struct {
	StockOutID  string    `json:"stock_out_id"`
	ReceiptID   string    `json:"receipt_id"`
	Destination Placement `json:"destination"`
	UnitIDs     []string  `json:"unit_ids"`
	ConfirmedBy string    `json:"confirmed_by"`
	Timestamp   time.Time `json:"timestamp"`
}

// UnitStatusChangedEvent represents a direct status update
// ステータス直接変更イベント
type UnitStatusChangedEvent struct {
	UnitID    string     `json:"unit_id"`
	Serial    string     `json:"serial"`
	From      UnitStatus `json:"from"`
	To        UnitStatus `json:"to"`
	Placement Placement  `json:"placement"`
	UserID    string     `json:"user_id"`
	Timestamp time.Time  `json:"timestamp"`
}

// NopPublisher discards every event
type NopPublisher struct{}

func (NopPublisher) PublishStockIn(context.Context, StockInEvent) error                     { return nil }
func (NopPublisher) PublishStockOut(context.Context, StockOutEvent) error                   { return nil }
func (NopPublisher) PublishTransferConfirmed(context.Context, TransferConfirmedEvent) error { return nil }
func (NopPublisher) PublishUnitStatusChanged(context.Context, UnitStatusChangedEvent) error { return nil }

// publish runs a post-commit publish and only logs its failure
func (m *Manager) publish(kind string, fn func() error) {
	if err := fn(); err != nil {
		m.logger.Error("イベント発行に失敗しました",
			zap.String("event", kind),
			zap.Error(err),
		)
	}
}
