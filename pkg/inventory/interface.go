package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StockService defines the operations of the stock ledger and placement state machine
// 在庫台帳と配置ステートマシンの操作を定義
type StockService interface {
	// ユニット台帳 - Unit registry
	AdmitUnit(ctx context.Context, actor Actor, spec UnitSpec, placement Placement, distributorID string) (*Unit, error)
	UpdateStatus(ctx context.Context, actor Actor, unitID string, status UnitStatus, placement *Placement) (*Unit, error)
	GetUnit(ctx context.Context, actor Actor, unitID string) (*UnitView, error)
	ListUnits(ctx context.Context, actor Actor, filter UnitFilter) (Page[UnitView], error)

	// 入庫 - Stock-in
	StockIn(ctx context.Context, actor Actor, req StockInRequest) (*StockInResult, error)
	ReleaseQuantity(ctx context.Context, actor Actor, req QuantityRelease) (*LedgerEntry, error)

	// 出庫 - Stock-out
	StockOut(ctx context.Context, actor Actor, req StockOutRequest) (*StockOut, error)
	GetStockOut(ctx context.Context, actor Actor, idOrReceipt string) (*StockOut, error)
	ListStockOuts(ctx context.Context, actor Actor, filter StockOutFilter) (Page[StockOut], error)
	Track(ctx context.Context, actor Actor, query string) ([]TrackHit, error)

	// 拠点間移動 - Branch transfers
	PendingTransfers(ctx context.Context, actor Actor, branchID string) ([]StockOut, error)
	ConfirmTransfer(ctx context.Context, actor Actor, stockOutID string) (*StockOut, error)
	TransferHistory(ctx context.Context, actor Actor) ([]TransferRecord, error)

	// 台帳 - Ledger
	History(ctx context.Context, actor Actor, filter LedgerFilter) (Page[LedgerEntry], error)
	ReplayBalance(ctx context.Context, actor Actor, key BucketKey) (*ReplayResult, error)

	ResolvePlacement(ctx context.Context, placement Placement) (string, error)
}

// UnitQuery is the storage-level unit filter. Scope is applied by the caller.
// ストレージ層のユニット検索条件（参照範囲は呼び出し側で適用済み）
type UnitQuery struct {
	Placement *Placement
	Kind      PlacementKind
	Statuses  []UnitStatus // 空の場合は全ステータス
	ProductID string
	Search    string // シリアル・商品名・SKU の部分一致
	Serial    string // シリアルの部分一致のみ
	Offset    int
	Limit     int // 0 の場合は無制限
}

// StockOutQuery is the storage-level stock-out filter
// ストレージ層の出庫検索条件
type StockOutQuery struct {
	Category    Category
	Involving   *Placement // 出庫元・移動先・返品受入倉庫のいずれかがこの配置先
	Destination *Placement
	CreatedBy   string
	PendingOnly bool
	Search      string // 伝票番号・シリアル・追跡番号・受取人
	Reference   string // 伝票番号・シリアル・追跡番号のみ
	Offset      int
	Limit       int
}

// LedgerQuery is the storage-level ledger filter
// ストレージ層の台帳検索条件
type LedgerQuery struct {
	ProductID string
	Placement *Placement
	OwnerID   *string // nil の場合は所有者を問わない
	Ascending bool
	Offset    int
	Limit     int
}

// Reader defines read access to persisted state
// 永続化データの読み取りインターフェース
type Reader interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
	GetUnit(ctx context.Context, unitID string) (*Unit, error)
	ListUnits(ctx context.Context, q UnitQuery) ([]UnitView, int64, error)
	CountAvailable(ctx context.Context, productID string, placement Placement) (int64, error)
	LatestReturn(ctx context.Context, unitID string) (*ReturnDetail, error)

	GetStockOut(ctx context.Context, idOrReceipt string) (*StockOut, error)
	ListStockOuts(ctx context.Context, q StockOutQuery) ([]StockOut, int64, error)

	GetBucket(ctx context.Context, key BucketKey) (*QuantityBucket, error)
	ListLedger(ctx context.Context, q LedgerQuery) ([]LedgerEntry, int64, error)

	PlacementName(ctx context.Context, placement Placement) (string, error)
}

// Tx is the write side of one atomic unit of work.
// Every method runs inside the transaction opened by Storage.RunInTx.
// 1つのトランザクション内での書き込み操作
type Tx interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
	UpdateProductPrice(ctx context.Context, productID string, price decimal.Decimal) error

	GetDistributor(ctx context.Context, distributorID string) (*Distributor, error)
	FindDistributorByName(ctx context.Context, name string) (*Distributor, error)
	CreateDistributor(ctx context.Context, distributor *Distributor) error

	PlacementExists(ctx context.Context, placement Placement) (bool, error)

	// SerialExists reports whether serial is held by a non-deleted unit
	SerialExists(ctx context.Context, serial string) (bool, error)
	InsertUnit(ctx context.Context, unit *Unit) error
	// LockUnits returns the requested units locked for update, ordered by id.
	// Missing ids are omitted.
	LockUnits(ctx context.Context, unitIDs []string) ([]Unit, error)
	// UpdateUnit writes status and placement if the version still matches,
	// then increments unit.Version
	UpdateUnit(ctx context.Context, unit *Unit) error
	// LockBalance serializes ledger writers of one (product, placement) until
	// the transaction ends. A count read after it sees every earlier holder.
	LockBalance(ctx context.Context, productID string, placement Placement) error
	CountAvailable(ctx context.Context, productID string, placement Placement) (int64, error)

	// AddToBucket atomically applies delta and returns the new quantity.
	// A decrement below zero fails with ErrInsufficientStock.
	AddToBucket(ctx context.Context, key BucketKey, delta int64) (int64, error)
	AppendLedger(ctx context.Context, entry *LedgerEntry) error

	ReceiptExists(ctx context.Context, receiptID string) (bool, error)
	InsertStockOut(ctx context.Context, stockOut *StockOut) error
	LockStockOut(ctx context.Context, stockOutID string) (*StockOut, error)
	ConfirmStockOut(ctx context.Context, stockOutID, confirmedBy string, at time.Time) error
}

// Storage defines the interface for data persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	Reader

	// RunInTx runs fn in one transaction, committing when fn returns nil
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher defines interface for publishing inventory events.
// Publishing happens after commit; failures never undo the operation.
// 在庫イベント発行のインターフェースを定義（コミット後に発行）
type EventPublisher interface {
	PublishStockIn(ctx context.Context, event StockInEvent) error
	PublishStockOut(ctx context.Context, event StockOutEvent) error
	PublishTransferConfirmed(ctx context.Context, event TransferConfirmedEvent) error
	PublishUnitStatusChanged(ctx context.Context, event UnitStatusChangedEvent) error
}

// Lease is a held distributed lock
type Lease interface {
	Release(ctx context.Context) error
}

// Locker guards concurrent stock-in for the same product and placement
// across processes
// 同一商品・配置先への同時入庫を排他制御
type Locker interface {
	Obtain(ctx context.Context, key string) (Lease, error)
}
