// Package inventory provides the stock ledger and placement state machine
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UnitStatus is the lifecycle status of a serialized unit
// シリアル管理ユニットのステータス
type UnitStatus string

const (
	UnitStatusAvailable       UnitStatus = "available"        // 販売可能
	UnitStatusSold            UnitStatus = "sold"             // 販売済み
	UnitStatusTransferPending UnitStatus = "transfer_pending" // 移動保留（旧仕様）
	UnitStatusService         UnitStatus = "service"          // 修理中
	UnitStatusBooked          UnitStatus = "booked"           // 取り置き
	UnitStatusReturned        UnitStatus = "returned"         // 返品
	UnitStatusDeleted         UnitStatus = "deleted"          // 入力ミスによる削除
	UnitStatusInTransit       UnitStatus = "in_transit"       // 拠点間移動中
)

// AllUnitStatuses lists every status in a stable order
var AllUnitStatuses = []UnitStatus{
	UnitStatusAvailable,
	UnitStatusSold,
	UnitStatusTransferPending,
	UnitStatusService,
	UnitStatusBooked,
	UnitStatusReturned,
	UnitStatusDeleted,
	UnitStatusInTransit,
}

// Valid reports whether s is a known status
func (s UnitStatus) Valid() bool {
	for _, known := range AllUnitStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Condition describes whether a unit is new or second-hand
// ユニットの状態（新品・中古）
type Condition string

const (
	ConditionNew    Condition = "new"
	ConditionSecond Condition = "second"
)

// Product is the catalog entry a unit or bucket belongs to
// ユニットまたは数量在庫が属するカタログ商品
type Product struct {
	ID         string          `json:"id" db:"id"`
	Name       string          `json:"name" db:"name"`
	SKU        string          `json:"sku" db:"sku"`
	Brand      string          `json:"brand" db:"brand"`
	Serialized bool            `json:"serialized" db:"serialized"` // IMEI管理対象か
	Price      decimal.Decimal `json:"price" db:"price"`           // 参考販売価格
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Distributor is the supplier a unit was received from
// 仕入先
type Distributor struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Unit represents one serialized physical item
// シリアル番号で個別管理される物理ユニット
type Unit struct {
	ID            string          `json:"id" db:"id"`                         // ユニットID
	Serial        string          `json:"serial" db:"serial"`                 // IMEI等のシリアル
	ProductID     string          `json:"product_id" db:"product_id"`         // 商品ID
	Condition     Condition       `json:"condition" db:"condition"`           // 新品/中古
	RAM           string          `json:"ram,omitempty" db:"ram"`             // 参考情報
	Storage       string          `json:"storage,omitempty" db:"storage"`     // 参考情報
	Color         string          `json:"color,omitempty" db:"color"`         // 参考情報
	CostPrice     decimal.Decimal `json:"cost_price" db:"cost_price"`         // 原価
	SellingPrice  decimal.Decimal `json:"selling_price" db:"selling_price"`   // 販売価格
	Status        UnitStatus      `json:"status" db:"status"`                 // ステータス
	Placement     Placement       `json:"placement" db:"-"`                   // 配置先
	DistributorID string          `json:"distributor_id" db:"distributor_id"` // 仕入先
	ReceivedBy    string          `json:"received_by" db:"received_by"`       // 入庫担当者
	Version       int64           `json:"version" db:"version"`               // 楽観的ロック用バージョン
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsAvailable reports whether the unit can be moved out of stock
func (u *Unit) IsAvailable() bool {
	return u.Status == UnitStatusAvailable && u.DeletedAt == nil
}

// UnitView is a unit enriched for presentation
// 表示用に配置先名などを付加したユニット
type UnitView struct {
	Unit
	ProductName   string        `json:"product_name"`
	ProductSKU    string        `json:"product_sku"`
	PlacementName string        `json:"placement_name"`
	Return        *ReturnDetail `json:"return,omitempty"`
}

// ReturnDetail carries the latest return record of a returned unit
// 返品ユニットの最新返品情報
type ReturnDetail struct {
	ReceiptID    string    `json:"receipt_id"`
	CustomerName string    `json:"customer_name"`
	Issue        string    `json:"issue"`
	Officer      string    `json:"officer"`
	ProofImage   string    `json:"proof_image,omitempty"`
	ReturnedAt   time.Time `json:"returned_at"`
}

// BucketKey identifies one quantity bucket
// 数量在庫バケットのキー
type BucketKey struct {
	ProductID string    `json:"product_id"`
	Placement Placement `json:"placement"`
	OwnerID   string    `json:"owner_id"` // 所有アカウント
}

// QuantityBucket represents non-serialized stock at one placement
// 非シリアル商品の配置先別数量在庫
type QuantityBucket struct {
	BucketKey
	Quantity  int64     `json:"quantity" db:"quantity"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Direction is the ledger movement direction
type Direction string

const (
	DirectionIn  Direction = "in"  // 入庫
	DirectionOut Direction = "out" // 出庫
)

// LedgerEntry is one append-only record of a stock-affecting event
// 在庫に影響するイベントの追記専用記録
type LedgerEntry struct {
	ID            string    `json:"id" db:"id"`
	ProductID     string    `json:"product_id" db:"product_id"`
	Placement     Placement `json:"placement" db:"-"`
	OwnerID       string    `json:"owner_id,omitempty" db:"owner_id"` // 数量バケットの場合のみ
	Serialized    bool      `json:"serialized" db:"serialized"`
	UserID        string    `json:"user_id" db:"user_id"`
	DistributorID string    `json:"distributor_id,omitempty" db:"distributor_id"`
	Direction     Direction `json:"direction" db:"direction"`
	Quantity      int64     `json:"quantity" db:"quantity"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	Description   string    `json:"description" db:"description"`
	Reference     string    `json:"reference" db:"reference"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Signed returns the quantity with the direction applied
func (e LedgerEntry) Signed() int64 {
	if e.Direction == DirectionOut {
		return -e.Quantity
	}
	return e.Quantity
}

// StockOutMember records one unit moved by a stock-out and where it came from
type StockOutMember struct {
	UnitID string    `json:"unit_id"`
	Serial string    `json:"serial"`
	Source Placement `json:"source"`
}

// StockOut groups units removed together under one category
// 同一カテゴリで出庫されたユニットのまとまり
type StockOut struct {
	ID          string           `json:"id" db:"id"`
	ReceiptID   string           `json:"receipt_id" db:"receipt_id"` // 伝票番号（例: O03FEB-K9Z）
	Category    Category         `json:"category" db:"category"`
	Details     StockOutDetails  `json:"details" db:"details"`
	Members     []StockOutMember `json:"members" db:"-"`
	UserID      string           `json:"user_id" db:"user_id"`
	ConfirmedAt *time.Time       `json:"confirmed_at,omitempty" db:"confirmed_at"`
	ConfirmedBy string           `json:"confirmed_by,omitempty" db:"confirmed_by"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	DeletedAt   *time.Time       `json:"deleted_at,omitempty" db:"deleted_at"`
}

// UnitIDs returns the member unit ids in creation order
func (s *StockOut) UnitIDs() []string {
	ids := make([]string, len(s.Members))
	for i, m := range s.Members {
		ids[i] = m.UnitID
	}
	return ids
}

// Destination returns the transfer destination when the record is a branch transfer
func (s *StockOut) Destination() (Placement, bool) {
	if t, ok := s.Details.(BranchTransfer); ok {
		return BranchPlacement(t.DestinationBranchID), true
	}
	return Placement{}, false
}

// IsPendingTransfer reports whether the record is a dispatched, unconfirmed branch transfer
func (s *StockOut) IsPendingTransfer() bool {
	return s.Category == CategoryBranchTransfer && s.ConfirmedAt == nil && s.DeletedAt == nil
}

// Page is a stable paginated result
// ページネーション結果
type Page[T any] struct {
	Items    []T   `json:"data"`
	Total    int64 `json:"total"`
	Page     int   `json:"current_page"`
	PageSize int   `json:"per_page"`
	LastPage int   `json:"last_page"`
}

func newPage[T any](items []T, total int64, page, pageSize int) Page[T] {
	last := 1
	if pageSize > 0 && total > 0 {
		last = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, Page: page, PageSize: pageSize, LastPage: last}
}

// NewID generates a new entity ID
// 新しいエンティティIDを生成
func NewID() string {
	return uuid.New().String()
}
