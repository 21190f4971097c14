package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockOutRequest moves units out of available stock under one category
// 出庫リクエスト
type StockOutRequest struct {
	UnitIDs []string        `json:"unit_ids"`
	Details StockOutDetails `json:"details"`
}

// UnmarshalJSON decodes {"category": ..., "unit_ids": [...], "details": {...}}
// into the category's details type
func (r *StockOutRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Category Category        `json:"category"`
		UnitIDs  []string        `json:"unit_ids"`
		Details  json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Details) == 0 {
		raw.Details = json.RawMessage("{}")
	}
	details, err := DecodeStockOutDetails(raw.Category, raw.Details)
	if err != nil {
		return err
	}
	r.UnitIDs = raw.UnitIDs
	r.Details = details
	return nil
}

// StockOutFilter selects stock-outs for ListStockOuts
// 出庫一覧の絞り込み条件
type StockOutFilter struct {
	Category Category `json:"category,omitempty"`
	Search   string   `json:"search,omitempty"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

// StockOut moves every requested unit out of available stock, or none.
// All units must be available and within the actor's scope.
// 出庫処理（全ユニットが販売可能でなければ全体を失敗とする）
func (m *Manager) StockOut(ctx context.Context, actor Actor, req StockOutRequest) (_ *StockOut, err error) {
	ctx, done := m.startOp(ctx, "stock_out",
		attribute.String("category", categoryOf(req.Details)),
		attribute.Int("units", len(req.UnitIDs)),
	)
	defer done(&err)

	if err := ValidateStockOutRequest(req); err != nil {
		return nil, err
	}
	details := req.Details
	scope := m.policy.Scope(actor)

	now := m.now()
	reference := m.reference("STOCK-OUT")
	var record *StockOut
	err = m.inTx(ctx, func(tx Tx) error {
		switch d := details.(type) {
		case BranchTransfer:
			if err := requirePlacement(ctx, tx, BranchPlacement(d.DestinationBranchID)); err != nil {
				return err
			}
		case Return:
			if d.DestinationWarehouseID != "" {
				if err := requirePlacement(ctx, tx, WarehousePlacement(d.DestinationWarehouseID)); err != nil {
					return err
				}
			}
		}

		units, err := tx.LockUnits(ctx, req.UnitIDs)
		if err != nil {
			return wrapStorage("lock_units", "ユニットのロックに失敗しました", err)
		}
		byID := make(map[string]Unit, len(units))
		for _, u := range units {
			byID[u.ID] = u
		}

		// 全件を検査してから失敗させ、原因のユニットをまとめて返す
		var blocked []UnavailableUnit
		for _, id := range req.UnitIDs {
			u, ok := byID[id]
			if !ok || !scope.Allows(u.Placement) {
				blocked = append(blocked, UnavailableUnit{UnitID: id})
				continue
			}
			if !u.IsAvailable() {
				blocked = append(blocked, UnavailableUnit{UnitID: id, Serial: u.Serial, Status: u.Status})
			}
		}
		if len(blocked) > 0 {
			return &UnavailableUnitsError{Units: blocked}
		}

		if d, ok := details.(BranchTransfer); ok {
			dest := BranchPlacement(d.DestinationBranchID)
			for _, id := range req.UnitIDs {
				if byID[id].Placement == dest {
					return NewValidationError("destination_branch_id", "移動元と移動先が同じです", d.DestinationBranchID)
				}
			}
		}

		receipt, err := m.nextReceipt(ctx, tx, now)
		if err != nil {
			return err
		}

		record = &StockOut{
			ID:        NewID(),
			ReceiptID: receipt,
			Category:  details.Category(),
			Details:   details,
			Members:   make([]StockOutMember, 0, len(req.UnitIDs)),
			UserID:    actor.UserID,
			CreatedAt: now,
		}
		ledger := newSerialLedger()
		for _, id := range req.UnitIDs {
			u := byID[id]
			source := u.Placement
			if err := applyTransition(ctx, tx, &u, details.TargetStatus(), details.TargetPlacement(source), now); err != nil {
				return err
			}
			record.Members = append(record.Members, StockOutMember{UnitID: u.ID, Serial: u.Serial, Source: source})
			ledger.add(u.ProductID, source, 1)
		}

		if err := tx.InsertStockOut(ctx, record); err != nil {
			return wrapStorage("insert_stock_out", "出庫記録の作成に失敗しました", err)
		}
		_, err = ledger.flush(ctx, tx, DirectionOut, LedgerEntry{
			UserID:      actor.UserID,
			Description: fmt.Sprintf("出庫(%s): %s", record.Category, record.ReceiptID),
			Reference:   reference,
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.metrics.UnitsMoved.WithLabelValues(string(record.Category)).Add(float64(len(record.Members)))
	m.publish("stock_out", func() error {
		return m.publisher.PublishStockOut(ctx, StockOutEvent{
			StockOutID: record.ID,
			ReceiptID:  record.ReceiptID,
			Category:   record.Category,
			UnitIDs:    record.UnitIDs(),
			UserID:     actor.UserID,
			Timestamp:  now,
		})
	})

	m.logger.Info("出庫完了",
		zap.String("stock_out_id", record.ID),
		zap.String("receipt_id", record.ReceiptID),
		zap.String("category", string(record.Category)),
		zap.Int("units", len(record.Members)),
	)
	return record, nil
}

// GetStockOut returns a stock-out by id or receipt id
// 出庫記録をIDまたは伝票番号で取得
func (m *Manager) GetStockOut(ctx context.Context, actor Actor, idOrReceipt string) (_ *StockOut, err error) {
	ctx, done := m.startOp(ctx, "get_stock_out", attribute.String("stock_out.id", idOrReceipt))
	defer done(&err)

	so, err := m.storage.GetStockOut(ctx, strings.TrimSpace(idOrReceipt))
	if err != nil {
		return nil, wrapStorage("get_stock_out", "出庫記録の取得に失敗しました", err)
	}
	if so.DeletedAt != nil || !m.policy.Scope(actor).allowsStockOut(so) {
		return nil, fmt.Errorf("%w: %s", ErrStockOutNotFound, idOrReceipt)
	}
	return so, nil
}

// ListStockOuts returns a page of stock-outs visible to the actor, newest first
// 参照範囲内の出庫一覧を取得（新しい順）
func (m *Manager) ListStockOuts(ctx context.Context, actor Actor, filter StockOutFilter) (_ Page[StockOut], err error) {
	ctx, done := m.startOp(ctx, "list_stock_outs", attribute.String("category", string(filter.Category)))
	defer done(&err)

	page, size := m.pageBounds(filter.Page, filter.PageSize)
	if filter.Category != "" && !filter.Category.Valid() {
		return Page[StockOut]{}, NewValidationError("category", "無効な出庫カテゴリです", string(filter.Category))
	}
	involving, ok := m.policy.Scope(actor).Narrow(nil)
	if !ok {
		return newPage[StockOut](nil, 0, page, size), nil
	}
	records, total, err := m.storage.ListStockOuts(ctx, StockOutQuery{
		Category:  filter.Category,
		Involving: involving,
		Search:    strings.TrimSpace(filter.Search),
		Offset:    (page - 1) * size,
		Limit:     size,
	})
	if err != nil {
		return Page[StockOut]{}, wrapStorage("list_stock_outs", "出庫一覧の取得に失敗しました", err)
	}
	return newPage(records, total, page, size), nil
}

func categoryOf(d StockOutDetails) string {
	if d == nil {
		return ""
	}
	return string(d.Category())
}
