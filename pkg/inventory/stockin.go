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

// StockInItem is one serialized unit in a stock-in batch
// 入庫バッチ内のシリアルユニット
type StockInItem struct {
	Serial       string          `json:"serial" validate:"required,max=100"`
	Condition    Condition       `json:"condition" validate:"required,oneof=new second"`
	RAM          string          `json:"ram,omitempty" validate:"max=50"`
	Storage      string          `json:"storage,omitempty" validate:"max=50"`
	Color        string          `json:"color,omitempty" validate:"max=50"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// StockInRequest admits serialized items or increments a quantity bucket.
// Exactly one of Items and Quantity is used, depending on the product.
// 入庫リクエスト（シリアル商品は Items、数量商品は Quantity）
type StockInRequest struct {
	ProductID          string        `json:"product_id" validate:"required"`
	Placement          Placement     `json:"placement"`
	DistributorID      string        `json:"distributor_id,omitempty"`
	NewDistributorName string        `json:"new_distributor_name,omitempty" validate:"max=255"`
	Quantity           int64         `json:"quantity,omitempty"`
	OwnerID            string        `json:"owner_id,omitempty"` // 数量在庫の所有アカウント（既定は実行者）
	Items              []StockInItem `json:"items,omitempty" validate:"dive"`
	Description        string        `json:"description,omitempty"`
}

// StockInResult reports what a stock-in admitted and skipped
// 入庫結果（登録件数と重複シリアル）
type StockInResult struct {
	ProductID     string        `json:"product_id"`
	Placement     Placement     `json:"placement"`
	Distributor   *Distributor  `json:"distributor"`
	InsertedCount int           `json:"inserted_count"`
	Duplicates    []string      `json:"duplicates"`
	UnitIDs       []string      `json:"unit_ids,omitempty"`
	BalanceAfter  int64         `json:"balance_after"`
	Reference     string        `json:"reference"`
	Ledger        []LedgerEntry `json:"ledger,omitempty"`
}

// QuantityRelease removes quantity from a non-serialized bucket
// 数量在庫の払い出し
type QuantityRelease struct {
	ProductID   string    `json:"product_id" validate:"required"`
	Placement   Placement `json:"placement"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Quantity    int64     `json:"quantity"`
	Description string    `json:"description,omitempty"`
}

func stockInLockKey(productID string, placement Placement) string {
	return fmt.Sprintf("apexstock:stock-in:%s:%s", productID, placement)
}

// guard obtains the distributed lock for key when a locker is configured
func (m *Manager) guard(ctx context.Context, op, key string) (func(), error) {
	if m.locker == nil {
		return func() {}, nil
	}
	lease, err := m.locker.Obtain(ctx, key)
	if err != nil {
		var ce *ConcurrencyError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, NewConcurrencyError(op, key, err.Error())
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("ロック解放に失敗しました", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// StockIn admits a batch of serialized units or increments a quantity bucket.
// Serials already present are skipped and reported; any other error rolls
// back the whole call.
// 入庫処理（既存シリアルはスキップして報告、その他のエラーは全体ロールバック）
func (m *Manager) StockIn(ctx context.Context, actor Actor, req StockInRequest) (_ *StockInResult, err error) {
	ctx, done := m.startOp(ctx, "stock_in",
		attribute.String("product.id", req.ProductID),
		attribute.String("placement", req.Placement.String()),
		attribute.Int("items", len(req.Items)),
	)
	defer done(&err)

	if err := ValidateStockInRequest(req); err != nil {
		return nil, err
	}
	if !m.policy.Scope(actor).Allows(req.Placement) {
		return nil, fmt.Errorf("%w: %s", ErrPlacementNotFound, req.Placement)
	}

	release, err := m.guard(ctx, "stock_in", stockInLockKey(req.ProductID, req.Placement))
	if err != nil {
		return nil, err
	}
	defer release()

	now := m.now()
	res := &StockInResult{
		ProductID:  req.ProductID,
		Placement:  req.Placement,
		Duplicates: []string{},
		Reference:  m.reference("STOCK-IN"),
	}
	err = m.inTx(ctx, func(tx Tx) error {
		product, err := tx.GetProduct(ctx, req.ProductID)
		if err != nil {
			return wrapStorage("get_product", "商品の取得に失敗しました", err)
		}
		if err := requirePlacement(ctx, tx, req.Placement); err != nil {
			return err
		}
		// 仕入先はユニット登録より前に確定させる
		distributor, err := m.resolveDistributor(ctx, tx, req, now)
		if err != nil {
			return err
		}
		res.Distributor = distributor

		if product.Serialized {
			if len(req.Items) == 0 {
				return NewValidationError("items", "シリアル管理の商品は items で入庫してください", product.ID)
			}
			return m.admitBatch(ctx, tx, actor, req, distributor, res, now)
		}
		if len(req.Items) > 0 {
			return NewValidationError("items", "数量管理の商品にはシリアルを登録できません", product.ID)
		}
		return m.incrementBucket(ctx, tx, actor, req, distributor, res, now)
	})
	if err != nil {
		return nil, err
	}

	if n := len(res.Duplicates); n > 0 {
		m.metrics.DuplicateSerial.Add(float64(n))
	}
	if res.InsertedCount > 0 || req.Quantity > 0 {
		quantity := int64(res.InsertedCount)
		if len(req.Items) == 0 {
			quantity = req.Quantity
		}
		m.publish("stock_in", func() error {
			return m.publisher.PublishStockIn(ctx, StockInEvent{
				Reference:    res.Reference,
				ProductID:    res.ProductID,
				Placement:    res.Placement,
				Quantity:     quantity,
				BalanceAfter: res.BalanceAfter,
				UnitIDs:      res.UnitIDs,
				Duplicates:   res.Duplicates,
				UserID:       actor.UserID,
				Timestamp:    now,
			})
		})
	}

	m.logger.Info("入庫完了",
		zap.String("product_id", res.ProductID),
		zap.String("placement", res.Placement.String()),
		zap.Int("inserted", res.InsertedCount),
		zap.Int("duplicates", len(res.Duplicates)),
		zap.Int64("balance_after", res.BalanceAfter),
		zap.String("reference", res.Reference),
	)
	return res, nil
}

// resolveDistributor finds the distributor by id, or by exact name, creating it when absent
// 仕入先をIDまたは名前で解決（存在しなければ作成）
func (m *Manager) resolveDistributor(ctx context.Context, tx Tx, req StockInRequest, now time.Time) (*Distributor, error) {
	if req.DistributorID != "" {
		d, err := tx.GetDistributor(ctx, req.DistributorID)
		if err != nil {
			return nil, wrapStorage("get_distributor", "仕入先の取得に失敗しました", err)
		}
		return d, nil
	}
	name := strings.TrimSpace(req.NewDistributorName)
	if name == "" {
		return nil, ErrDistributorRequired
	}
	d, err := tx.FindDistributorByName(ctx, name)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrDistributorNotFound) {
		return nil, wrapStorage("find_distributor", "仕入先の検索に失敗しました", err)
	}
	d = &Distributor{ID: NewID(), Name: name, IsActive: true, CreatedAt: now}
	if err := tx.CreateDistributor(ctx, d); err != nil {
		return nil, wrapStorage("create_distributor", "仕入先の作成に失敗しました", err)
	}
	return d, nil
}

func (m *Manager) admitBatch(ctx context.Context, tx Tx, actor Actor, req StockInRequest, distributor *Distributor, res *StockInResult, now time.Time) error {
	seen := make(map[string]bool, len(req.Items))
	var first *Unit
	for _, item := range req.Items {
		// 同一バッチ内の重複も既存扱い
		if seen[item.Serial] {
			res.Duplicates = append(res.Duplicates, item.Serial)
			continue
		}
		seen[item.Serial] = true

		exists, err := tx.SerialExists(ctx, item.Serial)
		if err != nil {
			return wrapStorage("serial_exists", "シリアル番号の確認に失敗しました", err)
		}
		if exists {
			res.Duplicates = append(res.Duplicates, item.Serial)
			continue
		}

		unit := newUnit(UnitSpec{
			Serial:       item.Serial,
			ProductID:    req.ProductID,
			Condition:    item.Condition,
			RAM:          item.RAM,
			Storage:      item.Storage,
			Color:        item.Color,
			CostPrice:    item.CostPrice,
			SellingPrice: item.SellingPrice,
		}, req.Placement, distributor.ID, actor.UserID, now)
		if err := tx.InsertUnit(ctx, unit); err != nil {
			if errors.Is(err, ErrDuplicateSerial) {
				// 確認後に他の処理が同じシリアルを登録した
				res.Duplicates = append(res.Duplicates, item.Serial)
				continue
			}
			return wrapStorage("insert_unit", "ユニット登録に失敗しました", err)
		}
		if first == nil {
			first = unit
		}
		res.UnitIDs = append(res.UnitIDs, unit.ID)
		res.InsertedCount++
	}

	if res.InsertedCount == 0 {
		return nil
	}

	ledger := newSerialLedger()
	ledger.add(req.ProductID, req.Placement, int64(res.InsertedCount))
	entries, err := ledger.flush(ctx, tx, DirectionIn, LedgerEntry{
		UserID:        actor.UserID,
		DistributorID: distributor.ID,
		Description:   describe(req.Description, fmt.Sprintf("入庫: %d台", res.InsertedCount)),
		Reference:     res.Reference,
		CreatedAt:     now,
	})
	if err != nil {
		return err
	}
	res.Ledger = entries
	res.BalanceAfter = entries[len(entries)-1].BalanceAfter

	// 商品の参考販売価格は最初に登録したユニットの販売価格に更新
	if err := tx.UpdateProductPrice(ctx, req.ProductID, first.SellingPrice); err != nil {
		return wrapStorage("update_product_price", "商品価格の更新に失敗しました", err)
	}
	return nil
}

func (m *Manager) incrementBucket(ctx context.Context, tx Tx, actor Actor, req StockInRequest, distributor *Distributor, res *StockInResult, now time.Time) error {
	key := BucketKey{ProductID: req.ProductID, Placement: req.Placement, OwnerID: ownerOf(req.OwnerID, actor)}
	balance, err := tx.AddToBucket(ctx, key, req.Quantity)
	if err != nil {
		return wrapStorage("add_to_bucket", "数量在庫の更新に失敗しました", err)
	}
	entry := LedgerEntry{
		ID:            NewID(),
		ProductID:     req.ProductID,
		Placement:     req.Placement,
		OwnerID:       key.OwnerID,
		UserID:        actor.UserID,
		DistributorID: distributor.ID,
		Direction:     DirectionIn,
		Quantity:      req.Quantity,
		BalanceAfter:  balance,
		Description:   describe(req.Description, fmt.Sprintf("入庫: %d個", req.Quantity)),
		Reference:     res.Reference,
		CreatedAt:     now,
	}
	if err := tx.AppendLedger(ctx, &entry); err != nil {
		return wrapStorage("append_ledger", "台帳記録に失敗しました", err)
	}
	res.BalanceAfter = balance
	res.Ledger = []LedgerEntry{entry}
	return nil
}

// ReleaseQuantity removes quantity from a bucket with a guarded decrement
// 数量在庫を払い出し（残高不足はエラー）
func (m *Manager) ReleaseQuantity(ctx context.Context, actor Actor, req QuantityRelease) (_ *LedgerEntry, err error) {
	ctx, done := m.startOp(ctx, "release_quantity",
		attribute.String("product.id", req.ProductID),
		attribute.String("placement", req.Placement.String()),
	)
	defer done(&err)

	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := req.Placement.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return nil, err
	}
	if !m.policy.Scope(actor).Allows(req.Placement) {
		return nil, fmt.Errorf("%w: %s", ErrPlacementNotFound, req.Placement)
	}

	release, err := m.guard(ctx, "release_quantity", stockInLockKey(req.ProductID, req.Placement))
	if err != nil {
		return nil, err
	}
	defer release()

	now := m.now()
	key := BucketKey{ProductID: req.ProductID, Placement: req.Placement, OwnerID: ownerOf(req.OwnerID, actor)}
	var entry LedgerEntry
	err = m.inTx(ctx, func(tx Tx) error {
		product, err := tx.GetProduct(ctx, req.ProductID)
		if err != nil {
			return wrapStorage("get_product", "商品の取得に失敗しました", err)
		}
		if product.Serialized {
			return NewValidationError("product_id", "シリアル管理の商品は出庫処理で払い出してください", product.ID)
		}
		balance, err := tx.AddToBucket(ctx, key, -req.Quantity)
		if err != nil {
			return wrapStorage("add_to_bucket", "数量在庫の更新に失敗しました", err)
		}
		entry = LedgerEntry{
			ID:           NewID(),
			ProductID:    req.ProductID,
			Placement:    req.Placement,
			OwnerID:      key.OwnerID,
			UserID:       actor.UserID,
			Direction:    DirectionOut,
			Quantity:     req.Quantity,
			BalanceAfter: balance,
			Description:  describe(req.Description, fmt.Sprintf("払い出し: %d個", req.Quantity)),
			Reference:    m.reference("RELEASE"),
			CreatedAt:    now,
		}
		if err := tx.AppendLedger(ctx, &entry); err != nil {
			return wrapStorage("append_ledger", "台帳記録に失敗しました", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("数量在庫払い出し完了",
		zap.String("product_id", req.ProductID),
		zap.String("placement", req.Placement.String()),
		zap.Int64("quantity", req.Quantity),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return &entry, nil
}

func ownerOf(owner string, actor Actor) string {
	if owner != "" {
		return owner
	}
	return actor.UserID
}

func describe(custom, fallback string) string {
	if s := strings.TrimSpace(custom); s != "" {
		return s
	}
	return fallback
}
