package inventory

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestErrorClassification はエラー分類のテスト
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		notFound   bool
		validation bool
		conflict   bool
	}{
		{"ユニットなし", fmt.Errorf("%w: u-1", ErrUnitNotFound), true, false, false},
		{"移動なし", ErrTransferNotFound, true, false, false},
		{"バリデーション", NewValidationError("serial", "x", ""), false, true, false},
		{"複数フィールド", ValidationErrors{{Field: "a"}}, false, true, false},
		{"重複シリアル", &DuplicateSerialError{Serials: []string{"S1"}}, false, true, false},
		{"数量不正", fmt.Errorf("%w: 0", ErrNegativeQuantity), false, true, false},
		{"仕入先なし", ErrDistributorRequired, false, true, false},
		{"同時実行", NewConcurrencyError("op", "r", "m"), false, false, true},
		{"販売不可", &UnavailableUnitsError{Units: []UnavailableUnit{{UnitID: "u-1"}}}, false, false, true},
		{"遷移不可", &TransitionError{UnitID: "u-1", From: UnitStatusSold, To: UnitStatusBooked}, false, false, true},
		{"在庫不足", fmt.Errorf("%w: 現在 1", ErrInsufficientStock), false, false, true},
		{"ストレージ", NewStorageError("op", "失敗", errors.New("boom")), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.validation, IsValidation(tt.err))
			assert.Equal(t, tt.conflict, IsConflict(tt.err))
		})
	}
}

func TestWrapStorage(t *testing.T) {
	assert.Nil(t, wrapStorage("op", "msg", nil))

	notFound := fmt.Errorf("%w: p-1", ErrProductNotFound)
	assert.Same(t, notFound, wrapStorage("op", "msg", notFound))

	cause := errors.New("connection reset")
	wrapped := wrapStorage("get_product", "商品の取得に失敗しました", cause)
	var se *StorageError
	assert.ErrorAs(t, wrapped, &se)
	assert.Equal(t, "get_product", se.Operation)
	assert.ErrorIs(t, wrapped, cause)

	assert.Same(t, wrapped, wrapStorage("other", "msg", wrapped), "二重に包まない")
}

func TestUnavailableUnitsError_Message(t *testing.T) {
	err := &UnavailableUnitsError{Units: []UnavailableUnit{
		{UnitID: "u-1", Serial: "IMEI-1", Status: UnitStatusSold},
		{UnitID: "u-2"},
	}}
	assert.Contains(t, err.Error(), "IMEI-1(sold)")
	assert.Contains(t, err.Error(), "u-2(存在しません)")
	assert.Equal(t, []string{"u-1", "u-2"}, err.UnitIDs())
}

// TestCanTransition はステータス遷移表のテスト
func TestCanTransition(t *testing.T) {
	allowed := [][2]UnitStatus{
		{UnitStatusAvailable, UnitStatusSold},
		{UnitStatusAvailable, UnitStatusInTransit},
		{UnitStatusInTransit, UnitStatusAvailable},
		{UnitStatusBooked, UnitStatusSold},
		{UnitStatusReturned, UnitStatusAvailable},
		{UnitStatusSold, UnitStatusReturned},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
	}

	denied := [][2]UnitStatus{
		{UnitStatusDeleted, UnitStatusAvailable},
		{UnitStatusSold, UnitStatusAvailable},
		{UnitStatusInTransit, UnitStatusSold},
		{UnitStatusService, UnitStatusInTransit},
		{UnitStatusAvailable, UnitStatusAvailable},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s → %s", tr[0], tr[1])
	}

	assert.True(t, UnitStatusTransferPending.Valid())
	assert.False(t, UnitStatus("lost").Valid())
}

// TestNewReceiptID は伝票番号の形式のテスト
func TestNewReceiptID(t *testing.T) {
	pattern := regexp.MustCompile(`^O05MAR-[A-Z0-9]{3}$`)
	at := time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, NewReceiptID(at))
	}
}

func TestNewPage(t *testing.T) {
	p := newPage[int](nil, 0, 1, 20)
	assert.NotNil(t, p.Items)
	assert.Equal(t, 1, p.LastPage)

	p = newPage([]int{1, 2}, 41, 3, 20)
	assert.Equal(t, 3, p.LastPage)
	assert.Equal(t, int64(41), p.Total)
}

func TestLedgerEntry_Signed(t *testing.T) {
	assert.Equal(t, int64(3), LedgerEntry{Direction: DirectionIn, Quantity: 3}.Signed())
	assert.Equal(t, int64(-3), LedgerEntry{Direction: DirectionOut, Quantity: 3}.Signed())
}
