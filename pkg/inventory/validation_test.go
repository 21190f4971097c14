package inventory

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestValidateSerial はシリアル番号の形式チェックのテスト
func TestValidateSerial(t *testing.T) {
	tests := []struct {
		name    string
		serial  string
		wantErr bool
	}{
		{"通常のIMEI", "356938035643809", false},
		{"英数字と記号", "SN-A1/B2", false},
		{"空文字", "", true},
		{"空白を含む", "3569 3803", true},
		{"カンマを含む", "356938,035643809", true},
		{"改行を含む", "356938\n035643809", true},
		{"100文字", strings.Repeat("A", 100), false},
		{"101文字", strings.Repeat("A", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSerial(tt.serial)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidateQuantity は数量チェックのテスト
func TestValidateQuantity(t *testing.T) {
	assert.NoError(t, ValidateQuantity(1))
	assert.ErrorIs(t, ValidateQuantity(0), ErrNegativeQuantity)
	assert.ErrorIs(t, ValidateQuantity(-3), ErrNegativeQuantity)
	assert.True(t, IsValidation(ValidateQuantity(1000000000)))
}

func TestValidatePrice(t *testing.T) {
	assert.NoError(t, ValidatePrice("cost_price", decimal.Zero))
	err := ValidatePrice("cost_price", decimal.NewFromInt(-1))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "cost_price", ve.Field)
}

// TestValidateStockInRequest は入庫リクエストのバリデーションのテスト
func TestValidateStockInRequest(t *testing.T) {
	item := func(serial string) StockInItem {
		return StockInItem{Serial: serial, Condition: ConditionNew}
	}
	base := func() StockInRequest {
		return StockInRequest{
			ProductID:     "p-1",
			Placement:     BranchPlacement("b-1"),
			DistributorID: "d-1",
			Items:         []StockInItem{item("IMEI-1"), item("IMEI-2")},
		}
	}

	t.Run("正常", func(t *testing.T) {
		assert.NoError(t, ValidateStockInRequest(base()))
	})

	t.Run("新規仕入先名のみ", func(t *testing.T) {
		req := base()
		req.DistributorID = ""
		req.NewDistributorName = "Erajaya"
		assert.NoError(t, ValidateStockInRequest(req))
	})

	t.Run("仕入先の指定なし", func(t *testing.T) {
		req := base()
		req.DistributorID = ""
		req.NewDistributorName = "   "
		assert.ErrorIs(t, ValidateStockInRequest(req), ErrDistributorRequired)
	})

	t.Run("商品IDなし", func(t *testing.T) {
		req := base()
		req.ProductID = ""
		err := ValidateStockInRequest(req)
		var ves ValidationErrors
		require.ErrorAs(t, err, &ves)
		assert.Equal(t, "product_id", ves[0].Field)
	})

	t.Run("状態の指定なし", func(t *testing.T) {
		req := base()
		req.Items[1].Condition = ""
		err := ValidateStockInRequest(req)
		var ves ValidationErrors
		require.ErrorAs(t, err, &ves)
		assert.Equal(t, "items[1].condition", ves[0].Field)
	})

	t.Run("形式不正のシリアル", func(t *testing.T) {
		req := base()
		req.Items[1].Serial = "IMEI 2"
		err := ValidateStockInRequest(req)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "items[1].serial", ve.Field)
	})

	t.Run("配置先種別が不正", func(t *testing.T) {
		req := base()
		req.Placement = Placement{Kind: "kiosk", ID: "k-1"}
		assert.True(t, IsValidation(ValidateStockInRequest(req)))
	})

	t.Run("シリアルと数量の同時指定", func(t *testing.T) {
		req := base()
		req.Quantity = 2
		assert.True(t, IsValidation(ValidateStockInRequest(req)))
	})

	t.Run("数量入庫", func(t *testing.T) {
		req := base()
		req.Items = nil
		req.Quantity = 5
		assert.NoError(t, ValidateStockInRequest(req))

		req.Quantity = 0
		assert.ErrorIs(t, ValidateStockInRequest(req), ErrNegativeQuantity)
	})
}

// TestValidateStockOutRequest は出庫リクエストのバリデーションのテスト
func TestValidateStockOutRequest(t *testing.T) {
	shipment := func(unitID string) Shipment {
		return Shipment{UnitID: unitID, Receiver: "Dewi", Phone: "0813", Address: "Jl. Sudirman 5", TrackingNo: "JNE-" + unitID}
	}

	tests := []struct {
		name    string
		req     StockOutRequest
		wantErr bool
	}{
		{
			name: "移動",
			req:  StockOutRequest{UnitIDs: []string{"u-1"}, Details: BranchTransfer{DestinationBranchID: "b-2", ReceiverName: "Budi"}},
		},
		{
			name:    "詳細なし",
			req:     StockOutRequest{UnitIDs: []string{"u-1"}},
			wantErr: true,
		},
		{
			name:    "ユニットなし",
			req:     StockOutRequest{Details: InputError{Reason: "x"}},
			wantErr: true,
		},
		{
			name:    "ユニットの重複",
			req:     StockOutRequest{UnitIDs: []string{"u-1", "u-1"}, Details: InputError{Reason: "x"}},
			wantErr: true,
		},
		{
			name:    "空のユニットID",
			req:     StockOutRequest{UnitIDs: []string{" "}, Details: InputError{Reason: "x"}},
			wantErr: true,
		},
		{
			name:    "移動先なし",
			req:     StockOutRequest{UnitIDs: []string{"u-1"}, Details: BranchTransfer{ReceiverName: "Budi"}},
			wantErr: true,
		},
		{
			name:    "返品の顧客電話番号なし",
			req:     StockOutRequest{UnitIDs: []string{"u-1"}, Details: Return{Officer: "Andi", Issue: "rusak", CustomerName: "Rina"}},
			wantErr: true,
		},
		{
			name:    "景品の住所なし",
			req:     StockOutRequest{UnitIDs: []string{"u-1"}, Details: Giveaway{Receiver: "Promo", Phone: "0811"}},
			wantErr: true,
		},
		{
			name: "出荷先が全ユニットに対応",
			req: StockOutRequest{UnitIDs: []string{"u-1", "u-2"}, Details: ChannelDispatch{
				Shipments: []Shipment{shipment("u-2"), shipment("u-1")},
			}},
		},
		{
			name: "出荷先が不足",
			req: StockOutRequest{UnitIDs: []string{"u-1", "u-2"}, Details: ChannelDispatch{
				Shipments: []Shipment{shipment("u-1")},
			}},
			wantErr: true,
		},
		{
			name: "出荷先の重複",
			req: StockOutRequest{UnitIDs: []string{"u-1"}, Details: ChannelDispatch{
				Shipments: []Shipment{shipment("u-1"), shipment("u-1")},
			}},
			wantErr: true,
		},
		{
			name: "対象外ユニットの出荷先",
			req: StockOutRequest{UnitIDs: []string{"u-1"}, Details: ChannelDispatch{
				Shipments: []Shipment{shipment("u-1"), shipment("u-9")},
			}},
			wantErr: true,
		},
		{
			name: "追跡番号なし",
			req: StockOutRequest{UnitIDs: []string{"u-1"}, Details: ChannelDispatch{
				Shipments: []Shipment{{UnitID: "u-1", Receiver: "Dewi", Phone: "0813", Address: "Jl. Sudirman 5"}},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStockOutRequest(tt.req)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err), "err=%v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStockOutRequest_ShipmentFieldPath(t *testing.T) {
	err := ValidateStockOutRequest(StockOutRequest{UnitIDs: []string{"u-1"}, Details: ChannelDispatch{
		Shipments: []Shipment{{UnitID: "u-1", Receiver: "Dewi", Phone: "0813", Address: "Jl. Sudirman 5"}},
	}})
	var ves ValidationErrors
	require.True(t, errors.As(err, &ves))
	require.Len(t, ves, 1)
	assert.Equal(t, "shipments[0].tracking_no", ves[0].Field)
}

func TestValidateTrackQuery(t *testing.T) {
	assert.NoError(t, ValidateTrackQuery("abc", 3))
	assert.NoError(t, ValidateTrackQuery("  abc  ", 3))
	assert.Error(t, ValidateTrackQuery("ab", 3))
	assert.Error(t, ValidateTrackQuery("", 1))
}
