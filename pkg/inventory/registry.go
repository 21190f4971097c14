package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// UnitSpec describes one serialized unit to admit
// 登録するシリアルユニットの情報
type UnitSpec struct {
	Serial       string          `json:"serial" validate:"required,max=100"`
	ProductID    string          `json:"product_id" validate:"required"`
	Condition    Condition       `json:"condition" validate:"required,oneof=new second"`
	RAM          string          `json:"ram,omitempty" validate:"max=50"`
	Storage      string          `json:"storage,omitempty" validate:"max=50"`
	Color        string          `json:"color,omitempty" validate:"max=50"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// UnitFilter selects units for ListUnits. Status defaults to available.
// ユニット一覧の絞り込み条件（ステータスの既定は available）
type UnitFilter struct {
	Placement *Placement    `json:"placement,omitempty"`
	Kind      PlacementKind `json:"placement_kind,omitempty"`
	Status    UnitStatus    `json:"status,omitempty"`
	ProductID string        `json:"product_id,omitempty"`
	Search    string        `json:"search,omitempty"`
	Page      int           `json:"page"`
	PageSize  int           `json:"page_size"`
}

// transitions lists the allowed status changes. in_transit is entered only by
// a branch-transfer stock-out and left only by confirmation.
// 許可されるステータス遷移
var transitions = map[UnitStatus][]UnitStatus{
	UnitStatusAvailable:       {UnitStatusSold, UnitStatusService, UnitStatusBooked, UnitStatusReturned, UnitStatusDeleted, UnitStatusInTransit},
	UnitStatusService:         {UnitStatusAvailable, UnitStatusDeleted},
	UnitStatusBooked:          {UnitStatusAvailable, UnitStatusSold},
	UnitStatusReturned:        {UnitStatusAvailable, UnitStatusDeleted},
	UnitStatusInTransit:       {UnitStatusAvailable},
	UnitStatusTransferPending: {UnitStatusAvailable},
	UnitStatusSold:            {UnitStatusReturned},
	UnitStatusDeleted:         {},
}

// CanTransition reports whether a unit may move from one status to another
// ステータス遷移が可能か判定
func CanTransition(from, to UnitStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// applyTransition moves the unit to (status, placement) as one write
func applyTransition(ctx context.Context, tx Tx, unit *Unit, status UnitStatus, placement Placement, at time.Time) error {
	if !CanTransition(unit.Status, status) {
		return &TransitionError{UnitID: unit.ID, From: unit.Status, To: status}
	}
	unit.Status = status
	unit.Placement = placement
	unit.UpdatedAt = at
	if err := tx.UpdateUnit(ctx, unit); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return NewConcurrencyError("update_unit", unit.ID, ErrVersionMismatch.Error())
		}
		return wrapStorage("update_unit", "ユニット更新に失敗しました", err)
	}
	return nil
}

func newUnit(spec UnitSpec, placement Placement, distributorID, userID string, at time.Time) *Unit {
	return &Unit{
		ID:            NewID(),
		Serial:        spec.Serial,
		ProductID:     spec.ProductID,
		Condition:     spec.Condition,
		RAM:           spec.RAM,
		Storage:       spec.Storage,
		Color:         spec.Color,
		CostPrice:     spec.CostPrice,
		SellingPrice:  spec.SellingPrice,
		Status:        UnitStatusAvailable,
		Placement:     placement,
		DistributorID: distributorID,
		ReceivedBy:    userID,
		Version:       1,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

// requirePlacement checks that placement exists in storage
func requirePlacement(ctx context.Context, tx Tx, placement Placement) error {
	ok, err := tx.PlacementExists(ctx, placement)
	if err != nil {
		return wrapStorage("placement_exists", "配置先の確認に失敗しました", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlacementNotFound, placement)
	}
	return nil
}

// AdmitUnit registers a single serialized unit as available at placement.
// A serial already held by a non-deleted unit is fatal here.
// シリアルユニットを1件登録（重複は即エラー）
func (m *Manager) AdmitUnit(ctx context.Context, actor Actor, spec UnitSpec, placement Placement, distributorID string) (_ *Unit, err error) {
	ctx, done := m.startOp(ctx, "admit_unit",
		attribute.String("product.id", spec.ProductID),
		attribute.String("placement", placement.String()),
	)
	defer done(&err)

	if err := ValidateUnitSpec(spec); err != nil {
		return nil, err
	}
	if err := placement.Validate(); err != nil {
		return nil, err
	}
	if distributorID == "" {
		return nil, ErrDistributorRequired
	}
	if !m.policy.Scope(actor).Allows(placement) {
		return nil, fmt.Errorf("%w: %s", ErrPlacementNotFound, placement)
	}

	now := m.now()
	reference := m.reference("STOCK-IN")
	var unit *Unit
	err = m.inTx(ctx, func(tx Tx) error {
		product, err := tx.GetProduct(ctx, spec.ProductID)
		if err != nil {
			return wrapStorage("get_product", "商品の取得に失敗しました", err)
		}
		if !product.Serialized {
			return NewValidationError("product_id", "数量管理の商品にはシリアルを登録できません", product.ID)
		}
		if err := requirePlacement(ctx, tx, placement); err != nil {
			return err
		}
		if _, err := tx.GetDistributor(ctx, distributorID); err != nil {
			return wrapStorage("get_distributor", "仕入先の取得に失敗しました", err)
		}

		exists, err := tx.SerialExists(ctx, spec.Serial)
		if err != nil {
			return wrapStorage("serial_exists", "シリアル番号の確認に失敗しました", err)
		}
		if exists {
			return &DuplicateSerialError{Serials: []string{spec.Serial}}
		}

		unit = newUnit(spec, placement, distributorID, actor.UserID, now)
		if err := tx.InsertUnit(ctx, unit); err != nil {
			if errors.Is(err, ErrDuplicateSerial) {
				return &DuplicateSerialError{Serials: []string{spec.Serial}}
			}
			return wrapStorage("insert_unit", "ユニット登録に失敗しました", err)
		}

		ledger := newSerialLedger()
		ledger.add(unit.ProductID, placement, 1)
		_, err = ledger.flush(ctx, tx, DirectionIn, LedgerEntry{
			UserID:        actor.UserID,
			DistributorID: distributorID,
			Description:   fmt.Sprintf("ユニット登録: %s", spec.Serial),
			Reference:     reference,
			CreatedAt:     now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	m.publish("stock_in", func() error {
		return m.publisher.PublishStockIn(ctx, StockInEvent{
			Reference: reference,
			ProductID: unit.ProductID,
			Placement: placement,
			Quantity:  1,
			UnitIDs:   []string{unit.ID},
			UserID:    actor.UserID,
			Timestamp: now,
		})
	})

	m.logger.Info("ユニット登録完了",
		zap.String("unit_id", unit.ID),
		zap.String("serial", unit.Serial),
		zap.String("placement", placement.String()),
	)
	return unit, nil
}

// UpdateStatus applies an operator-driven transition. in_transit can be neither
// entered nor left here. When placement is nil the unit stays where it is.
// ユニットのステータスを直接変更（in_transit の出入りは不可）
func (m *Manager) UpdateStatus(ctx context.Context, actor Actor, unitID string, status UnitStatus, placement *Placement) (_ *Unit, err error) {
	ctx, done := m.startOp(ctx, "update_status",
		attribute.String("unit.id", unitID),
		attribute.String("status", string(status)),
	)
	defer done(&err)

	if !status.Valid() {
		return nil, NewValidationError("status", "無効なステータスです", string(status))
	}
	scope := m.policy.Scope(actor)
	if placement != nil {
		if err := placement.Validate(); err != nil {
			return nil, err
		}
		if !scope.Allows(*placement) {
			return nil, fmt.Errorf("%w: %s", ErrPlacementNotFound, placement)
		}
	}

	now := m.now()
	reference := m.reference("STATUS")
	var (
		unit *Unit
		from UnitStatus
	)
	err = m.inTx(ctx, func(tx Tx) error {
		units, err := tx.LockUnits(ctx, []string{unitID})
		if err != nil {
			return wrapStorage("lock_units", "ユニットのロックに失敗しました", err)
		}
		if len(units) == 0 || !scope.Allows(units[0].Placement) || units[0].DeletedAt != nil {
			return fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
		}
		u := units[0]
		from = u.Status
		if from == UnitStatusInTransit || status == UnitStatusInTransit {
			return &TransitionError{UnitID: u.ID, From: from, To: status}
		}

		target := u.Placement
		if placement != nil && *placement != u.Placement {
			if err := requirePlacement(ctx, tx, *placement); err != nil {
				return err
			}
			target = *placement
		}

		source := u.Placement
		wasAvailable := u.IsAvailable()
		if err := applyTransition(ctx, tx, &u, status, target, now); err != nil {
			return err
		}
		unit = &u

		base := LedgerEntry{
			UserID:      actor.UserID,
			Description: fmt.Sprintf("ステータス変更: %s %s → %s", u.Serial, from, status),
			Reference:   reference,
			CreatedAt:   now,
		}
		switch {
		case wasAvailable && !u.IsAvailable():
			ledger := newSerialLedger()
			ledger.add(u.ProductID, source, 1)
			_, err = ledger.flush(ctx, tx, DirectionOut, base)
		case !wasAvailable && u.IsAvailable():
			ledger := newSerialLedger()
			ledger.add(u.ProductID, target, 1)
			_, err = ledger.flush(ctx, tx, DirectionIn, base)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	m.publish("unit_status_changed", func() error {
		return m.publisher.PublishUnitStatusChanged(ctx, UnitStatusChangedEvent{
			UnitID:    unit.ID,
			Serial:    unit.Serial,
			From:      from,
			To:        unit.Status,
			Placement: unit.Placement,
			UserID:    actor.UserID,
			Timestamp: now,
		})
	})

	m.logger.Info("ステータス変更完了",
		zap.String("unit_id", unit.ID),
		zap.String("from", string(from)),
		zap.String("to", string(unit.Status)),
	)
	return unit, nil
}

// GetUnit returns one unit visible to the actor
// ユニットを1件取得
func (m *Manager) GetUnit(ctx context.Context, actor Actor, unitID string) (_ *UnitView, err error) {
	ctx, done := m.startOp(ctx, "get_unit", attribute.String("unit.id", unitID))
	defer done(&err)

	unit, err := m.storage.GetUnit(ctx, unitID)
	if err != nil {
		return nil, wrapStorage("get_unit", "ユニットの取得に失敗しました", err)
	}
	if !m.policy.Scope(actor).Allows(unit.Placement) {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	view := &UnitView{Unit: *unit}
	if product, err := m.storage.GetProduct(ctx, unit.ProductID); err == nil {
		view.ProductName = product.Name
		view.ProductSKU = product.SKU
	}
	m.decorate(ctx, m.newPlacementNames(ctx), view)
	return view, nil
}

// ListUnits returns a page of units visible to the actor.
// The actor's scope narrows the filter and can never be widened by it.
// 参照範囲内のユニット一覧を取得
func (m *Manager) ListUnits(ctx context.Context, actor Actor, filter UnitFilter) (_ Page[UnitView], err error) {
	ctx, done := m.startOp(ctx, "list_units")
	defer done(&err)

	page, size := m.pageBounds(filter.Page, filter.PageSize)
	status := filter.Status
	if status == "" {
		status = UnitStatusAvailable
	}
	if !status.Valid() {
		return Page[UnitView]{}, NewValidationError("status", "無効なステータスです", string(status))
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return Page[UnitView]{}, NewValidationError("placement_kind", "無効な配置先種別です", string(filter.Kind))
	}
	if filter.Placement != nil {
		if err := filter.Placement.Validate(); err != nil {
			return Page[UnitView]{}, err
		}
	}

	placement, ok := m.policy.Scope(actor).Narrow(filter.Placement)
	if !ok {
		return newPage[UnitView](nil, 0, page, size), nil
	}
	views, total, err := m.storage.ListUnits(ctx, UnitQuery{
		Placement: placement,
		Kind:      filter.Kind,
		Statuses:  []UnitStatus{status},
		ProductID: filter.ProductID,
		Search:    strings.TrimSpace(filter.Search),
		Offset:    (page - 1) * size,
		Limit:     size,
	})
	if err != nil {
		return Page[UnitView]{}, wrapStorage("list_units", "ユニット一覧の取得に失敗しました", err)
	}

	names := m.newPlacementNames(ctx)
	for i := range views {
		m.decorate(ctx, names, &views[i])
	}
	return newPage(views, total, page, size), nil
}

// decorate fills the placement name and, for returned units, the latest return record
func (m *Manager) decorate(ctx context.Context, names *placementNames, view *UnitView) {
	view.PlacementName = names.name(view.Placement)
	if view.Status != UnitStatusReturned {
		return
	}
	detail, err := m.storage.LatestReturn(ctx, view.ID)
	if err != nil {
		m.logger.Warn("返品情報の取得に失敗しました", zap.String("unit_id", view.ID), zap.Error(err))
		return
	}
	view.Return = detail
}
