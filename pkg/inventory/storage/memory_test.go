package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

func seededMemory(t *testing.T) *MemoryStorage {
	t.Helper()
	s := NewMemoryStorage(nil)
	s.AddProduct(inventory.Product{ID: "p-1", Name: "Redmi Note 13", SKU: "RN13", Serialized: true})
	s.AddPlacement(inventory.BranchPlacement("b-1"), "Surabaya")
	return s
}

func testUnit(id, serial string, created time.Time) *inventory.Unit {
	return &inventory.Unit{
		ID:        id,
		Serial:    serial,
		ProductID: "p-1",
		Condition: inventory.ConditionNew,
		Status:    inventory.UnitStatusAvailable,
		Placement: inventory.BranchPlacement("b-1"),
		Version:   1,
		CreatedAt: created,
	}
}

// TestMemoryStorage_Rollback は失敗したトランザクションが何も残さないことのテスト
func TestMemoryStorage_Rollback(t *testing.T) {
	s := seededMemory(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		require.NoError(t, tx.InsertUnit(ctx, testUnit("u-1", "S1", time.Now())))
		_, err := tx.AddToBucket(ctx, inventory.BucketKey{ProductID: "p-1", Placement: inventory.BranchPlacement("b-1")}, 5)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetUnit(ctx, "u-1")
	assert.ErrorIs(t, err, inventory.ErrUnitNotFound)
	_, err = s.GetBucket(ctx, inventory.BucketKey{ProductID: "p-1", Placement: inventory.BranchPlacement("b-1")})
	assert.ErrorIs(t, err, inventory.ErrBucketNotFound)
}

func TestMemoryStorage_CanceledContext(t *testing.T) {
	s := seededMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

// TestMemoryStorage_Units はユニットの登録・更新のテスト
func TestMemoryStorage_Units(t *testing.T) {
	s := seededMemory(t)
	ctx := context.Background()
	now := time.Now()

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		if err := tx.InsertUnit(ctx, testUnit("u-1", "S1", now)); err != nil {
			return err
		}
		return tx.InsertUnit(ctx, testUnit("u-2", "S2", now.Add(time.Second)))
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(tx inventory.Tx) error {
		return tx.InsertUnit(ctx, testUnit("u-3", "S1", now))
	})
	assert.ErrorIs(t, err, inventory.ErrDuplicateSerial)

	err = s.RunInTx(ctx, func(tx inventory.Tx) error {
		units, err := tx.LockUnits(ctx, []string{"u-2", "u-404", "u-1"})
		require.NoError(t, err)
		require.Len(t, units, 2)
		assert.Equal(t, "u-1", units[0].ID, "ID順")

		stale := units[0]
		units[0].Status = inventory.UnitStatusSold
		require.NoError(t, tx.UpdateUnit(ctx, &units[0]))
		assert.Equal(t, int64(2), units[0].Version)

		stale.Status = inventory.UnitStatusBooked
		assert.ErrorIs(t, tx.UpdateUnit(ctx, &stale), inventory.ErrVersionMismatch)

		n, err := tx.CountAvailable(ctx, "p-1", inventory.BranchPlacement("b-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)

	views, total, err := s.ListUnits(ctx, inventory.UnitQuery{Serial: "s"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "u-2", views[0].ID, "新しい順")
	assert.Equal(t, "Redmi Note 13", views[0].ProductName)

	_, total, err = s.ListUnits(ctx, inventory.UnitQuery{Statuses: []inventory.UnitStatus{inventory.UnitStatusSold}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	views, total, err = s.ListUnits(ctx, inventory.UnitQuery{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, views, 1)
	assert.Equal(t, "u-1", views[0].ID)
}

// TestMemoryStorage_Buckets は数量在庫の増減のテスト
func TestMemoryStorage_Buckets(t *testing.T) {
	s := seededMemory(t)
	ctx := context.Background()
	key := inventory.BucketKey{ProductID: "p-1", Placement: inventory.BranchPlacement("b-1"), OwnerID: "u-1"}

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		balance, err := tx.AddToBucket(ctx, key, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), balance)

		_, err = tx.AddToBucket(ctx, key, -4)
		assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

		balance, err = tx.AddToBucket(ctx, key, -3)
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
		return nil
	})
	require.NoError(t, err)

	b, err := s.GetBucket(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Quantity)
}

// TestMemoryStorage_StockOuts は出庫記録の登録と検索のテスト
func TestMemoryStorage_StockOuts(t *testing.T) {
	s := seededMemory(t)
	ctx := context.Background()
	now := time.Now()

	transfer := &inventory.StockOut{
		ID:        "so-1",
		ReceiptID: "O03FEB-K9Z",
		Category:  inventory.CategoryBranchTransfer,
		Details:   inventory.BranchTransfer{DestinationBranchID: "b-2", ReceiverName: "Budi"},
		Members:   []inventory.StockOutMember{{UnitID: "u-1", Serial: "S1", Source: inventory.BranchPlacement("b-1")}},
		UserID:    "user-1",
		CreatedAt: now,
	}
	dispatch := &inventory.StockOut{
		ID:        "so-2",
		ReceiptID: "O03FEB-X2Q",
		Category:  inventory.CategoryChannelDispatch,
		Details: inventory.ChannelDispatch{Shipments: []inventory.Shipment{
			{UnitID: "u-2", Receiver: "Dewi", TrackingNo: "JNE555"},
		}},
		Members:   []inventory.StockOutMember{{UnitID: "u-2", Serial: "S2", Source: inventory.BranchPlacement("b-1")}},
		UserID:    "user-1",
		CreatedAt: now.Add(time.Second),
	}

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		if err := tx.InsertStockOut(ctx, transfer); err != nil {
			return err
		}
		return tx.InsertStockOut(ctx, dispatch)
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(tx inventory.Tx) error {
		exists, err := tx.ReceiptExists(ctx, "O03FEB-K9Z")
		require.NoError(t, err)
		assert.True(t, exists)

		dup := *transfer
		dup.ID = "so-3"
		return tx.InsertStockOut(ctx, &dup)
	})
	var ce *inventory.ConcurrencyError
	assert.ErrorAs(t, err, &ce)

	got, err := s.GetStockOut(ctx, "O03FEB-K9Z")
	require.NoError(t, err)
	assert.Equal(t, "so-1", got.ID)

	b2 := inventory.BranchPlacement("b-2")
	pending, _, err := s.ListStockOuts(ctx, inventory.StockOutQuery{Destination: &b2, PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	found, _, err := s.ListStockOuts(ctx, inventory.StockOutQuery{Reference: "jne555"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "so-2", found[0].ID)

	found, _, err = s.ListStockOuts(ctx, inventory.StockOutQuery{Search: "budi"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "so-1", found[0].ID)

	all, total, err := s.ListStockOuts(ctx, inventory.StockOutQuery{Involving: &b2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "so-1", all[0].ID)

	err = s.RunInTx(ctx, func(tx inventory.Tx) error {
		return tx.ConfirmStockOut(ctx, "so-1", "user-2", now)
	})
	require.NoError(t, err)

	pending, _, err = s.ListStockOuts(ctx, inventory.StockOutQuery{Destination: &b2, PendingOnly: true})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryStorage_Ledger(t *testing.T) {
	s := seededMemory(t)
	ctx := context.Background()
	b1 := inventory.BranchPlacement("b-1")

	err := s.RunInTx(ctx, func(tx inventory.Tx) error {
		for _, e := range []inventory.LedgerEntry{
			{ID: "l-1", ProductID: "p-1", Placement: b1, Direction: inventory.DirectionIn, Quantity: 2, BalanceAfter: 2},
			{ID: "l-2", ProductID: "p-1", Placement: b1, Direction: inventory.DirectionOut, Quantity: 1, BalanceAfter: 1},
			{ID: "l-3", ProductID: "p-1", Placement: b1, OwnerID: "u-1", Direction: inventory.DirectionIn, Quantity: 9, BalanceAfter: 9},
		} {
			e := e
			if err := tx.AppendLedger(ctx, &e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	noOwner := ""
	asc, total, err := s.ListLedger(ctx, inventory.LedgerQuery{ProductID: "p-1", Placement: &b1, OwnerID: &noOwner, Ascending: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "l-1", asc[0].ID)

	desc, total, err := s.ListLedger(ctx, inventory.LedgerQuery{ProductID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, "l-3", desc[0].ID)
}

func TestMemoryStorage_PlacementName(t *testing.T) {
	s := seededMemory(t)
	ctx := context.Background()

	name, err := s.PlacementName(ctx, inventory.BranchPlacement("b-1"))
	require.NoError(t, err)
	assert.Equal(t, "Surabaya", name)

	_, err = s.PlacementName(ctx, inventory.WarehousePlacement("b-1"))
	assert.ErrorIs(t, err, inventory.ErrPlacementNotFound)
}
