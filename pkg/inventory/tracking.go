package inventory

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// TrackHitType tells which record a track hit came from
type TrackHitType string

const (
	TrackStockIn  TrackHitType = "stock_in"  // ユニット（入庫記録）
	TrackStockOut TrackHitType = "stock_out" // 出庫記録
)

// TrackHit is one search result of Track
// 追跡検索の結果1件
type TrackHit struct {
	Type      TrackHitType `json:"type"`
	Unit      *UnitView    `json:"unit,omitempty"`
	StockOut  *StockOut    `json:"stock_out,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Track searches unit serials and stock-out receipt ids, member serials and
// tracking numbers, merging both sides newest first
// シリアル・伝票番号・追跡番号で横断検索（新しい順）
func (m *Manager) Track(ctx context.Context, actor Actor, query string) (_ []TrackHit, err error) {
	ctx, done := m.startOp(ctx, "track", attribute.String("query", query))
	defer done(&err)

	if err := ValidateTrackQuery(query, m.config.TrackMinLength); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)

	scoped, ok := m.policy.Scope(actor).Narrow(nil)
	if !ok {
		return []TrackHit{}, nil
	}

	units, _, err := m.storage.ListUnits(ctx, UnitQuery{
		Placement: scoped,
		Serial:    query,
		Limit:     m.config.TrackLimit,
	})
	if err != nil {
		return nil, wrapStorage("list_units", "ユニットの検索に失敗しました", err)
	}
	records, _, err := m.storage.ListStockOuts(ctx, StockOutQuery{
		Involving: scoped,
		Reference: query,
		Limit:     m.config.TrackLimit,
	})
	if err != nil {
		return nil, wrapStorage("list_stock_outs", "出庫記録の検索に失敗しました", err)
	}

	names := m.newPlacementNames(ctx)
	hits := make([]TrackHit, 0, len(units)+len(records))
	for i := range units {
		view := units[i]
		m.decorate(ctx, names, &view)
		hits = append(hits, TrackHit{Type: TrackStockIn, Unit: &view, CreatedAt: view.CreatedAt})
	}
	for i := range records {
		so := records[i]
		hits = append(hits, TrackHit{Type: TrackStockOut, StockOut: &so, CreatedAt: so.CreatedAt})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	return hits, nil
}
