package inventory

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// TransferDirection tells whether a transfer leaves or arrives at the caller's branch
type TransferDirection string

const (
	TransferIncoming TransferDirection = "incoming" // 入荷
	TransferOutgoing TransferDirection = "outgoing" // 出荷
)

// TransferState is the handshake state of a branch transfer
type TransferState string

const (
	TransferPending   TransferState = "pending"   // 受領確認待ち
	TransferConfirmed TransferState = "confirmed" // 受領確認済み
)

// TransferRecord is a branch transfer as seen by one actor
// 実行者から見た拠点間移動の履歴
type TransferRecord struct {
	StockOut
	Direction       TransferDirection `json:"direction"`
	State           TransferState     `json:"state"`
	DestinationName string            `json:"destination_name"`
}

// PendingTransfers lists unconfirmed transfers whose destination is branchID.
// An empty branchID means the actor's own branch. A restricted actor only
// ever sees transfers to their own branch.
// 受領確認待ちの移動一覧を取得
func (m *Manager) PendingTransfers(ctx context.Context, actor Actor, branchID string) (_ []StockOut, err error) {
	ctx, done := m.startOp(ctx, "pending_transfers", attribute.String("branch.id", branchID))
	defer done(&err)

	var requested *Placement
	if branchID != "" {
		p := BranchPlacement(branchID)
		requested = &p
	} else if actor.Home.Kind == PlacementBranch {
		p := actor.Home
		requested = &p
	}
	if requested == nil {
		return []StockOut{}, nil
	}
	dest, ok := m.policy.Scope(actor).Narrow(requested)
	if !ok {
		return []StockOut{}, nil
	}

	records, _, err := m.storage.ListStockOuts(ctx, StockOutQuery{
		Category:    CategoryBranchTransfer,
		Destination: dest,
		PendingOnly: true,
	})
	if err != nil {
		return nil, wrapStorage("list_stock_outs", "移動一覧の取得に失敗しました", err)
	}
	if records == nil {
		records = []StockOut{}
	}
	return records, nil
}

// ConfirmTransfer confirms receipt of a pending transfer at the actor's branch.
// Every member unit moves from in_transit to available at the destination.
// A transfer that is missing, not addressed to the actor's branch or already
// confirmed yields ErrTransferNotFound.
// 拠点間移動の受領確認（全ユニットを移動先で販売可能にする）
func (m *Manager) ConfirmTransfer(ctx context.Context, actor Actor, stockOutID string) (_ *StockOut, err error) {
	ctx, done := m.startOp(ctx, "confirm_transfer", attribute.String("stock_out.id", stockOutID))
	defer done(&err)

	now := m.now()
	reference := m.reference("TRANSFER-IN")
	var record *StockOut
	err = m.inTx(ctx, func(tx Tx) error {
		so, err := tx.LockStockOut(ctx, stockOutID)
		if err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("%w: %s", ErrTransferNotFound, stockOutID)
			}
			return wrapStorage("lock_stock_out", "出庫記録のロックに失敗しました", err)
		}
		dest, ok := so.Destination()
		if !ok || !so.IsPendingTransfer() || actor.Home.IsZero() || dest != actor.Home {
			return fmt.Errorf("%w: %s", ErrTransferNotFound, stockOutID)
		}

		units, err := tx.LockUnits(ctx, so.UnitIDs())
		if err != nil {
			return wrapStorage("lock_units", "ユニットのロックに失敗しました", err)
		}
		if len(units) != len(so.Members) {
			return NewConcurrencyError("confirm_transfer", so.ID, "移動対象のユニットが見つかりません")
		}

		ledger := newSerialLedger()
		for i := range units {
			u := &units[i]
			if u.Status != UnitStatusInTransit {
				return NewConcurrencyError("confirm_transfer", u.ID, fmt.Sprintf("ユニットが移動中ではありません: %s", u.Status))
			}
			if err := applyTransition(ctx, tx, u, UnitStatusAvailable, dest, now); err != nil {
				return err
			}
			ledger.add(u.ProductID, dest, 1)
		}

		if err := tx.ConfirmStockOut(ctx, so.ID, actor.UserID, now); err != nil {
			return wrapStorage("confirm_stock_out", "受領確認の記録に失敗しました", err)
		}
		if _, err := ledger.flush(ctx, tx, DirectionIn, LedgerEntry{
			UserID:      actor.UserID,
			Description: fmt.Sprintf("移動受領: %s", so.ReceiptID),
			Reference:   reference,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		confirmedAt := now
		so.ConfirmedAt = &confirmedAt
		so.ConfirmedBy = actor.UserID
		record = so
		return nil
	})
	if err != nil {
		return nil, err
	}

	dest, _ := record.Destination()
	m.metrics.UnitsMoved.WithLabelValues("transfer_confirmed").Add(float64(len(record.Members)))
	m.publish("transfer_confirmed", func() error {
		return m.publisher.PublishTransferConfirmed(ctx, TransferConfirmedEvent{
			StockOutID:  record.ID,
			ReceiptID:   record.ReceiptID,
			Destination: dest,
			UnitIDs:     record.UnitIDs(),
			ConfirmedBy: actor.UserID,
			Timestamp:   now,
		})
	})

	m.logger.Info("移動受領確認完了",
		zap.String("stock_out_id", record.ID),
		zap.String("receipt_id", record.ReceiptID),
		zap.String("destination", dest.String()),
		zap.Int("units", len(record.Members)),
	)
	return record, nil
}

// TransferHistory lists transfers sent by the actor or addressed to the
// actor's branch, newest first
// 自分が送った移動と自拠点宛ての移動の履歴
func (m *Manager) TransferHistory(ctx context.Context, actor Actor) (_ []TransferRecord, err error) {
	ctx, done := m.startOp(ctx, "transfer_history")
	defer done(&err)

	sent, _, err := m.storage.ListStockOuts(ctx, StockOutQuery{
		Category:  CategoryBranchTransfer,
		CreatedBy: actor.UserID,
	})
	if err != nil {
		return nil, wrapStorage("list_stock_outs", "移動履歴の取得に失敗しました", err)
	}
	var received []StockOut
	if actor.Home.Kind == PlacementBranch {
		home := actor.Home
		received, _, err = m.storage.ListStockOuts(ctx, StockOutQuery{
			Category:    CategoryBranchTransfer,
			Destination: &home,
		})
		if err != nil {
			return nil, wrapStorage("list_stock_outs", "移動履歴の取得に失敗しました", err)
		}
	}

	names := m.newPlacementNames(ctx)
	seen := map[string]bool{}
	out := make([]TransferRecord, 0, len(sent)+len(received))
	add := func(so StockOut) {
		if seen[so.ID] {
			return
		}
		seen[so.ID] = true
		dest, _ := so.Destination()
		rec := TransferRecord{
			StockOut:        so,
			Direction:       TransferOutgoing,
			State:           TransferPending,
			DestinationName: names.name(dest),
		}
		if !actor.Home.IsZero() && dest == actor.Home {
			rec.Direction = TransferIncoming
		}
		if so.ConfirmedAt != nil {
			rec.State = TransferConfirmed
		}
		out = append(out, rec)
	}
	for _, so := range sent {
		add(so)
	}
	for _, so := range received {
		add(so)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
