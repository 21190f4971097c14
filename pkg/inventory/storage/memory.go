package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

// MemoryStorage implements inventory.Storage in process memory.
// A transaction works on a copy of the state that replaces the live state on
// commit, so a failed transaction leaves nothing behind. Transactions are
// serialized, which gives the same one-winner outcome as row locks.
// プロセス内メモリによるStorage実装（テスト・デモ用）
type MemoryStorage struct {
	mu     sync.RWMutex
	state  *memState
	logger *zap.Logger
}

var (
	_ inventory.Storage = (*MemoryStorage)(nil)
	_ inventory.Tx      = (*memTx)(nil)
)

type memState struct {
	products     map[string]inventory.Product
	distributors map[string]inventory.Distributor
	placements   map[inventory.Placement]string
	units        map[string]inventory.Unit
	buckets      map[inventory.BucketKey]inventory.QuantityBucket
	ledger       []inventory.LedgerEntry
	stockOuts    map[string]inventory.StockOut
	receipts     map[string]string // receipt_id → stock_out_id
}

func newMemState() *memState {
	return &memState{
		products:     map[string]inventory.Product{},
		distributors: map[string]inventory.Distributor{},
		placements:   map[inventory.Placement]string{},
		units:        map[string]inventory.Unit{},
		buckets:      map[inventory.BucketKey]inventory.QuantityBucket{},
		stockOuts:    map[string]inventory.StockOut{},
		receipts:     map[string]string{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		products:     make(map[string]inventory.Product, len(s.products)),
		distributors: make(map[string]inventory.Distributor, len(s.distributors)),
		placements:   make(map[inventory.Placement]string, len(s.placements)),
		units:        make(map[string]inventory.Unit, len(s.units)),
		buckets:      make(map[inventory.BucketKey]inventory.QuantityBucket, len(s.buckets)),
		ledger:       slices.Clone(s.ledger),
		stockOuts:    make(map[string]inventory.StockOut, len(s.stockOuts)),
		receipts:     make(map[string]string, len(s.receipts)),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.distributors {
		c.distributors[k] = v
	}
	for k, v := range s.placements {
		c.placements[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.buckets {
		c.buckets[k] = v
	}
	for k, v := range s.stockOuts {
		c.stockOuts[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	return c
}

// NewMemoryStorage creates an empty in-memory storage
// 空のメモリストレージを作成
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{state: newMemState(), logger: logger}
}

// AddProduct registers a catalog product
func (s *MemoryStorage) AddProduct(p inventory.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.products[p.ID] = p
}

// AddDistributor registers a distributor
func (s *MemoryStorage) AddDistributor(d inventory.Distributor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.distributors[d.ID] = d
}

// AddPlacement registers a branch, warehouse or online channel with its display name
func (s *MemoryStorage) AddPlacement(p inventory.Placement, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.placements[p] = name
}

// RunInTx runs fn against a private copy of the state and swaps it in on success
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(tx inventory.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		s.logger.Debug("トランザクションをロールバックしました", zap.Error(err))
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Ping always succeeds
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getProduct(productID)
}

func (s *MemoryStorage) GetUnit(ctx context.Context, unitID string) (*inventory.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.units[unitID]
	if !ok || u.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", inventory.ErrUnitNotFound, unitID)
	}
	return &u, nil
}

func (s *MemoryStorage) ListUnits(ctx context.Context, q inventory.UnitQuery) ([]inventory.UnitView, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(q.Search)
	serial := strings.ToLower(q.Serial)
	var matched []inventory.UnitView
	for _, u := range s.state.units {
		if u.DeletedAt != nil {
			continue
		}
		if q.Placement != nil && u.Placement != *q.Placement {
			continue
		}
		if q.Kind != "" && u.Placement.Kind != q.Kind {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, u.Status) {
			continue
		}
		if q.ProductID != "" && u.ProductID != q.ProductID {
			continue
		}
		product := s.state.products[u.ProductID]
		if serial != "" && !strings.Contains(strings.ToLower(u.Serial), serial) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(u.Serial), search) &&
			!strings.Contains(strings.ToLower(product.Name), search) &&
			!strings.Contains(strings.ToLower(product.SKU), search) {
			continue
		}
		matched = append(matched, inventory.UnitView{Unit: u, ProductName: product.Name, ProductSKU: product.SKU})
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, q.Offset, q.Limit), int64(len(matched)), nil
}

func (s *MemoryStorage) CountAvailable(ctx context.Context, productID string, placement inventory.Placement) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.countAvailable(productID, placement), nil
}

func (s *MemoryStorage) LatestReturn(ctx context.Context, unitID string) (*inventory.ReturnDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *inventory.StockOut
	for _, so := range s.state.stockOuts {
		if so.Category != inventory.CategoryReturn || so.DeletedAt != nil {
			continue
		}
		if !slices.Contains(so.UnitIDs(), unitID) {
			continue
		}
		if latest == nil || so.CreatedAt.After(latest.CreatedAt) {
			so := so
			latest = &so
		}
	}
	if latest == nil {
		return nil, nil
	}
	r, _ := latest.Details.(inventory.Return)
	return &inventory.ReturnDetail{
		ReceiptID:    latest.ReceiptID,
		CustomerName: r.CustomerName,
		Issue:        r.Issue,
		Officer:      r.Officer,
		ProofImage:   r.ProofImage,
		ReturnedAt:   latest.CreatedAt,
	}, nil
}

func (s *MemoryStorage) GetStockOut(ctx context.Context, idOrReceipt string) (*inventory.StockOut, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := idOrReceipt
	if byReceipt, ok := s.state.receipts[idOrReceipt]; ok {
		id = byReceipt
	}
	so, ok := s.state.stockOuts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrStockOutNotFound, idOrReceipt)
	}
	return copyStockOut(so), nil
}

func (s *MemoryStorage) ListStockOuts(ctx context.Context, q inventory.StockOutQuery) ([]inventory.StockOut, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(q.Search)
	reference := strings.ToLower(q.Reference)
	var matched []inventory.StockOut
	for _, so := range s.state.stockOuts {
		if so.DeletedAt != nil {
			continue
		}
		if q.Category != "" && so.Category != q.Category {
			continue
		}
		if q.CreatedBy != "" && so.UserID != q.CreatedBy {
			continue
		}
		if q.PendingOnly && !so.IsPendingTransfer() {
			continue
		}
		if q.Destination != nil {
			dest, ok := so.Destination()
			if !ok || dest != *q.Destination {
				continue
			}
		}
		if q.Involving != nil && !involves(so, *q.Involving) {
			continue
		}
		if reference != "" && !matchesReference(so, reference) {
			continue
		}
		if search != "" && !matchesReference(so, search) &&
			!strings.Contains(inventory.SearchText(so.Details), search) {
			continue
		}
		matched = append(matched, *copyStockOut(so))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, q.Offset, q.Limit), int64(len(matched)), nil
}

func (s *MemoryStorage) GetBucket(ctx context.Context, key inventory.BucketKey) (*inventory.QuantityBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.buckets[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", inventory.ErrBucketNotFound, key.ProductID, key.Placement)
	}
	return &b, nil
}

func (s *MemoryStorage) ListLedger(ctx context.Context, q inventory.LedgerQuery) ([]inventory.LedgerEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []inventory.LedgerEntry
	for _, e := range s.state.ledger {
		if q.ProductID != "" && e.ProductID != q.ProductID {
			continue
		}
		if q.Placement != nil && e.Placement != *q.Placement {
			continue
		}
		if q.OwnerID != nil && e.OwnerID != *q.OwnerID {
			continue
		}
		matched = append(matched, e)
	}
	// 台帳は追記順に並んでいる
	if !q.Ascending {
		slices.Reverse(matched)
	}
	return paginate(matched, q.Offset, q.Limit), int64(len(matched)), nil
}

func (s *MemoryStorage) PlacementName(ctx context.Context, placement inventory.Placement) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.state.placements[placement]
	if !ok {
		return "", fmt.Errorf("%w: %s", inventory.ErrPlacementNotFound, placement)
	}
	return name, nil
}

// memTx is the write side of one in-memory transaction
type memTx struct {
	st *memState
}

func (t *memTx) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	return t.st.getProduct(productID)
}

func (t *memTx) UpdateProductPrice(ctx context.Context, productID string, price decimal.Decimal) error {
	p, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	p.Price = price
	p.UpdatedAt = time.Now()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) GetDistributor(ctx context.Context, distributorID string) (*inventory.Distributor, error) {
	d, ok := t.st.distributors[distributorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrDistributorNotFound, distributorID)
	}
	return &d, nil
}

func (t *memTx) FindDistributorByName(ctx context.Context, name string) (*inventory.Distributor, error) {
	for _, d := range t.st.distributors {
		if d.Name == name {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", inventory.ErrDistributorNotFound, name)
}

func (t *memTx) CreateDistributor(ctx context.Context, d *inventory.Distributor) error {
	t.st.distributors[d.ID] = *d
	return nil
}

func (t *memTx) PlacementExists(ctx context.Context, placement inventory.Placement) (bool, error) {
	_, ok := t.st.placements[placement]
	return ok, nil
}

func (t *memTx) SerialExists(ctx context.Context, serial string) (bool, error) {
	return t.st.serialExists(serial), nil
}

func (t *memTx) InsertUnit(ctx context.Context, u *inventory.Unit) error {
	if t.st.serialExists(u.Serial) {
		return fmt.Errorf("%w: %s", inventory.ErrDuplicateSerial, u.Serial)
	}
	if _, ok := t.st.products[u.ProductID]; !ok {
		return fmt.Errorf("%w: %s", inventory.ErrProductNotFound, u.ProductID)
	}
	t.st.units[u.ID] = *u
	return nil
}

func (t *memTx) LockUnits(ctx context.Context, unitIDs []string) ([]inventory.Unit, error) {
	out := make([]inventory.Unit, 0, len(unitIDs))
	for _, id := range unitIDs {
		if u, ok := t.st.units[id]; ok && u.DeletedAt == nil {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) UpdateUnit(ctx context.Context, u *inventory.Unit) error {
	stored, ok := t.st.units[u.ID]
	if !ok {
		return fmt.Errorf("%w: %s", inventory.ErrUnitNotFound, u.ID)
	}
	if stored.Version != u.Version {
		return inventory.ErrVersionMismatch
	}
	u.Version++
	t.st.units[u.ID] = *u
	return nil
}

// LockBalance is a no-op: RunInTx already runs one transaction at a time
func (t *memTx) LockBalance(ctx context.Context, productID string, placement inventory.Placement) error {
	return nil
}

func (t *memTx) CountAvailable(ctx context.Context, productID string, placement inventory.Placement) (int64, error) {
	return t.st.countAvailable(productID, placement), nil
}

func (t *memTx) AddToBucket(ctx context.Context, key inventory.BucketKey, delta int64) (int64, error) {
	b, ok := t.st.buckets[key]
	if !ok {
		b = inventory.QuantityBucket{BucketKey: key}
	}
	if b.Quantity+delta < 0 {
		return 0, fmt.Errorf("%w: 現在 %d, 要求 %d", inventory.ErrInsufficientStock, b.Quantity, -delta)
	}
	b.Quantity += delta
	b.UpdatedAt = time.Now()
	t.st.buckets[key] = b
	return b.Quantity, nil
}

func (t *memTx) AppendLedger(ctx context.Context, e *inventory.LedgerEntry) error {
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *memTx) ReceiptExists(ctx context.Context, receiptID string) (bool, error) {
	_, ok := t.st.receipts[receiptID]
	return ok, nil
}

func (t *memTx) InsertStockOut(ctx context.Context, so *inventory.StockOut) error {
	if _, ok := t.st.receipts[so.ReceiptID]; ok {
		return inventory.NewConcurrencyError("insert_stock_out", so.ReceiptID, "伝票番号が重複しています")
	}
	t.st.stockOuts[so.ID] = *copyStockOut(*so)
	t.st.receipts[so.ReceiptID] = so.ID
	return nil
}

func (t *memTx) LockStockOut(ctx context.Context, stockOutID string) (*inventory.StockOut, error) {
	so, ok := t.st.stockOuts[stockOutID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrStockOutNotFound, stockOutID)
	}
	return copyStockOut(so), nil
}

func (t *memTx) ConfirmStockOut(ctx context.Context, stockOutID, confirmedBy string, at time.Time) error {
	so, ok := t.st.stockOuts[stockOutID]
	if !ok {
		return fmt.Errorf("%w: %s", inventory.ErrStockOutNotFound, stockOutID)
	}
	confirmedAt := at
	so.ConfirmedAt = &confirmedAt
	so.ConfirmedBy = confirmedBy
	t.st.stockOuts[stockOutID] = so
	return nil
}

func (s *memState) getProduct(productID string) (*inventory.Product, error) {
	p, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	return &p, nil
}

func (s *memState) serialExists(serial string) bool {
	for _, u := range s.units {
		if u.Serial == serial && u.Status != inventory.UnitStatusDeleted && u.DeletedAt == nil {
			return true
		}
	}
	return false
}

func (s *memState) countAvailable(productID string, placement inventory.Placement) int64 {
	var n int64
	for _, u := range s.units {
		if u.ProductID == productID && u.Placement == placement && u.IsAvailable() {
			n++
		}
	}
	return n
}

func involves(so inventory.StockOut, p inventory.Placement) bool {
	if dest, ok := so.Destination(); ok && dest == p {
		return true
	}
	for _, m := range so.Members {
		if m.Source == p {
			return true
		}
		if so.Details != nil && so.Details.TargetPlacement(m.Source) == p {
			return true
		}
	}
	return false
}

func matchesReference(so inventory.StockOut, needle string) bool {
	if strings.Contains(strings.ToLower(so.ReceiptID), needle) {
		return true
	}
	for _, m := range so.Members {
		if strings.Contains(strings.ToLower(m.Serial), needle) {
			return true
		}
	}
	for _, no := range inventory.TrackingNumbers(so.Details) {
		if strings.Contains(strings.ToLower(no), needle) {
			return true
		}
	}
	return false
}

func copyStockOut(so inventory.StockOut) *inventory.StockOut {
	so.Members = slices.Clone(so.Members)
	if so.ConfirmedAt != nil {
		t := *so.ConfirmedAt
		so.ConfirmedAt = &t
	}
	return &so
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
