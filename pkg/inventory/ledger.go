package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// LedgerFilter selects ledger entries for History
// 台帳履歴の絞り込み条件
type LedgerFilter struct {
	ProductID string     `json:"product_id"`
	Placement *Placement `json:"placement,omitempty"`
	Page      int        `json:"page"`
	PageSize  int        `json:"page_size"`
}

// ReplayResult compares a balance recomputed from the ledger with the live count
// 台帳から再計算した残高と現在の残高の比較結果
type ReplayResult struct {
	Key        BucketKey `json:"key"`
	Entries    int       `json:"entries"`
	Replayed   int64     `json:"replayed"`              // 台帳から再計算した残高
	Current    int64     `json:"current"`               // 現在の残高
	DriftEntry string    `json:"drift_entry,omitempty"` // balance_after が累計と一致しない最初の記録
	Consistent bool      `json:"consistent"`
}

// serialMove is one unit changing availability at a placement
type serialMove struct {
	productID string
	placement Placement
}

// serialLedger accumulates availability changes of serialized units and
// appends one entry per (product, placement) once the unit rows are written
type serialLedger struct {
	order  []serialMove
	counts map[serialMove]int64
}

func newSerialLedger() *serialLedger {
	return &serialLedger{counts: map[serialMove]int64{}}
}

func (l *serialLedger) add(productID string, placement Placement, n int64) {
	k := serialMove{productID: productID, placement: placement}
	if _, ok := l.counts[k]; !ok {
		l.order = append(l.order, k)
	}
	l.counts[k] += n
}

// flush appends the accumulated entries. balance_after is the authoritative
// available count read inside the same transaction, after the balance lock is
// held. Locks are taken in key order so two flushes cannot deadlock.
func (l *serialLedger) flush(ctx context.Context, tx Tx, dir Direction, base LedgerEntry) ([]LedgerEntry, error) {
	keys := make([]serialMove, 0, len(l.order))
	for _, k := range l.order {
		if l.counts[k] != 0 {
			keys = append(keys, k)
		}
	}
	locking := slices.Clone(keys)
	slices.SortFunc(locking, func(a, b serialMove) int {
		if c := strings.Compare(a.productID, b.productID); c != 0 {
			return c
		}
		return strings.Compare(a.placement.String(), b.placement.String())
	})
	for _, k := range locking {
		if err := tx.LockBalance(ctx, k.productID, k.placement); err != nil {
			return nil, wrapStorage("lock_balance", "残高ロックの取得に失敗しました", err)
		}
	}

	entries := make([]LedgerEntry, 0, len(keys))
	for _, k := range keys {
		balance, err := tx.CountAvailable(ctx, k.productID, k.placement)
		if err != nil {
			return nil, wrapStorage("count_available", "販売可能数の取得に失敗しました", err)
		}
		entry := base
		entry.ID = NewID()
		entry.ProductID = k.productID
		entry.Placement = k.placement
		entry.Serialized = true
		entry.Direction = dir
		entry.Quantity = l.counts[k]
		entry.BalanceAfter = balance
		if err := tx.AppendLedger(ctx, &entry); err != nil {
			return nil, wrapStorage("append_ledger", "台帳記録に失敗しました", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// History returns ledger entries, newest first
// 台帳履歴を取得（新しい順）
func (m *Manager) History(ctx context.Context, actor Actor, filter LedgerFilter) (_ Page[LedgerEntry], err error) {
	ctx, done := m.startOp(ctx, "history", attribute.String("product.id", filter.ProductID))
	defer done(&err)

	page, size := m.pageBounds(filter.Page, filter.PageSize)
	placement, ok := m.policy.Scope(actor).Narrow(filter.Placement)
	if !ok {
		return newPage[LedgerEntry](nil, 0, page, size), nil
	}
	entries, total, err := m.storage.ListLedger(ctx, LedgerQuery{
		ProductID: filter.ProductID,
		Placement: placement,
		Offset:    (page - 1) * size,
		Limit:     size,
	})
	if err != nil {
		return Page[LedgerEntry]{}, wrapStorage("list_ledger", "台帳履歴の取得に失敗しました", err)
	}
	return newPage(entries, total, page, size), nil
}

// ReplayBalance recomputes a balance from its ledger entries and compares it
// with the live count. For serialized products OwnerID must be empty and the
// live count is the number of available units at the placement.
// 台帳を再生して残高の整合性を検証
func (m *Manager) ReplayBalance(ctx context.Context, actor Actor, key BucketKey) (_ *ReplayResult, err error) {
	ctx, done := m.startOp(ctx, "replay_balance",
		attribute.String("product.id", key.ProductID),
		attribute.String("placement", key.Placement.String()),
	)
	defer done(&err)

	if err := key.Placement.Validate(); err != nil {
		return nil, err
	}
	if !m.policy.Scope(actor).Allows(key.Placement) {
		return nil, fmt.Errorf("%w: %s", ErrPlacementNotFound, key.Placement)
	}
	product, err := m.storage.GetProduct(ctx, key.ProductID)
	if err != nil {
		return nil, wrapStorage("get_product", "商品の取得に失敗しました", err)
	}

	placement := key.Placement
	owner := key.OwnerID
	entries, _, err := m.storage.ListLedger(ctx, LedgerQuery{
		ProductID: key.ProductID,
		Placement: &placement,
		OwnerID:   &owner,
		Ascending: true,
	})
	if err != nil {
		return nil, wrapStorage("list_ledger", "台帳履歴の取得に失敗しました", err)
	}

	res := &ReplayResult{Key: key, Entries: len(entries)}
	for _, e := range entries {
		res.Replayed += e.Signed()
		if res.DriftEntry == "" && e.BalanceAfter != res.Replayed {
			res.DriftEntry = e.ID
		}
	}

	if product.Serialized {
		res.Current, err = m.storage.CountAvailable(ctx, key.ProductID, key.Placement)
		if err != nil {
			return nil, wrapStorage("count_available", "販売可能数の取得に失敗しました", err)
		}
	} else {
		bucket, err := m.storage.GetBucket(ctx, key)
		switch {
		case err == nil:
			res.Current = bucket.Quantity
		case IsNotFound(err):
			res.Current = 0
		default:
			return nil, wrapStorage("get_bucket", "数量在庫の取得に失敗しました", err)
		}
	}
	res.Consistent = res.DriftEntry == "" && res.Replayed == res.Current
	return res, nil
}
