package inventory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category is the reason a group of units leaves available stock
// 出庫カテゴリ
type Category string

const (
	CategoryBranchTransfer  Category = "branch_transfer"  // 拠点間移動
	CategoryInputError      Category = "input_error"      // 入力ミス
	CategoryReturn          Category = "return"           // 返品
	CategoryChannelDispatch Category = "channel_dispatch" // オンライン販売出荷
	CategoryGiveaway        Category = "giveaway"         // 景品・プレゼント
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryBranchTransfer, CategoryInputError, CategoryReturn, CategoryChannelDispatch, CategoryGiveaway:
		return true
	}
	return false
}

// StockOutDetails is the category-specific part of a stock-out.
// Each category has exactly one implementation, so its required fields are
// fixed by the type rather than by the category string.
// カテゴリ固有の出庫情報（カテゴリごとに1つの型）
type StockOutDetails interface {
	Category() Category
	// TargetStatus is the status member units move to
	TargetStatus() UnitStatus
	// TargetPlacement is where a member unit ends up given where it was
	TargetPlacement(source Placement) Placement
	searchTerms() []string
}

// Region is the shipping region of a recipient
type Region struct {
	Province   string `json:"province,omitempty" validate:"max=255"`
	City       string `json:"city,omitempty" validate:"max=255"`
	District   string `json:"district,omitempty" validate:"max=255"`
	Village    string `json:"village,omitempty" validate:"max=255"`
	PostalCode string `json:"postal_code,omitempty" validate:"max=20"`
}

// BranchTransfer moves units to another branch pending confirmation
// 他店舗への移動（受領確認待ち）
type BranchTransfer struct {
	DestinationBranchID string `json:"destination_branch_id" validate:"required"`
	ReceiverName        string `json:"receiver_name" validate:"required,max=255"`
	Notes               string `json:"notes,omitempty"`
}

func (BranchTransfer) Category() Category       { return CategoryBranchTransfer }
func (BranchTransfer) TargetStatus() UnitStatus { return UnitStatusInTransit }

// TargetPlacement keeps the unit at its source until the transfer is confirmed
func (BranchTransfer) TargetPlacement(source Placement) Placement { return source }

func (t BranchTransfer) searchTerms() []string { return []string{t.ReceiverName} }

// InputError removes units that were admitted by mistake
// 入力ミスによる削除
type InputError struct {
	Reason string `json:"reason" validate:"required"`
}

func (InputError) Category() Category                         { return CategoryInputError }
func (InputError) TargetStatus() UnitStatus                   { return UnitStatusDeleted }
func (InputError) TargetPlacement(source Placement) Placement { return source }
func (InputError) searchTerms() []string                      { return nil }

// Return records a customer return, optionally moving units to a receiving warehouse
// 顧客返品（受入倉庫への移動は任意）
type Return struct {
	Officer                string `json:"officer" validate:"required,max=255"`
	Seal                   string `json:"seal,omitempty" validate:"max=255"`
	Issue                  string `json:"issue" validate:"required"`
	CustomerName           string `json:"customer_name" validate:"required,max=255"`
	CustomerPhone          string `json:"customer_phone" validate:"required,max=50"`
	DestinationWarehouseID string `json:"destination_warehouse_id,omitempty"`
	ProofImage             string `json:"proof_image,omitempty" validate:"max=500"` // 保存済み画像のパス
}

func (Return) Category() Category       { return CategoryReturn }
func (Return) TargetStatus() UnitStatus { return UnitStatusReturned }

// TargetPlacement moves the unit to the receiving warehouse when one is given
func (r Return) TargetPlacement(source Placement) Placement {
	if r.DestinationWarehouseID != "" {
		return WarehousePlacement(r.DestinationWarehouseID)
	}
	return source
}

func (r Return) searchTerms() []string { return []string{r.CustomerName} }

// Shipment is the per-unit recipient of a channel dispatch
// オンライン販売の出荷先（ユニット単位）
type Shipment struct {
	UnitID     string `json:"unit_id" validate:"required"`
	Receiver   string `json:"receiver" validate:"required,max=255"`
	Phone      string `json:"phone" validate:"required,max=50"`
	Address    string `json:"address" validate:"required"`
	Region     Region `json:"region"`
	TrackingNo string `json:"tracking_no" validate:"required,max=100"`
	Notes      string `json:"notes,omitempty"`
}

// ChannelDispatch sells units through an online channel such as a marketplace
// マーケットプレイス等への販売出荷
type ChannelDispatch struct {
	ChannelID string     `json:"channel_id,omitempty"`
	Shipments []Shipment `json:"shipments" validate:"required,min=1,dive"`
	Notes     string     `json:"notes,omitempty"`
}

func (ChannelDispatch) Category() Category                         { return CategoryChannelDispatch }
func (ChannelDispatch) TargetStatus() UnitStatus                   { return UnitStatusSold }
func (ChannelDispatch) TargetPlacement(source Placement) Placement { return source }

func (d ChannelDispatch) searchTerms() []string {
	terms := make([]string, 0, len(d.Shipments)*2)
	for _, s := range d.Shipments {
		terms = append(terms, s.TrackingNo, s.Receiver)
	}
	return terms
}

// TrackingNumbers returns the tracking number of every shipment
func (d ChannelDispatch) TrackingNumbers() []string {
	out := make([]string, 0, len(d.Shipments))
	for _, s := range d.Shipments {
		out = append(out, s.TrackingNo)
	}
	return out
}

// Giveaway sends units out as promotional gifts
// 景品としての出庫
type Giveaway struct {
	Receiver string `json:"receiver" validate:"required,max=255"`
	Phone    string `json:"phone" validate:"required,max=50"`
	Address  string `json:"address" validate:"required"`
	Region   Region `json:"region"`
	Notes    string `json:"notes,omitempty"`
}

func (Giveaway) Category() Category                         { return CategoryGiveaway }
func (Giveaway) TargetStatus() UnitStatus                   { return UnitStatusSold }
func (Giveaway) TargetPlacement(source Placement) Placement { return source }
func (g Giveaway) searchTerms() []string                    { return []string{g.Receiver} }

// TrackingNumbers returns the tracking numbers carried by details, if any
func TrackingNumbers(details StockOutDetails) []string {
	if d, ok := details.(ChannelDispatch); ok {
		return d.TrackingNumbers()
	}
	return nil
}

// SearchText returns the lower-cased free text a stock-out can be found by
func SearchText(details StockOutDetails) string {
	if details == nil {
		return ""
	}
	return strings.ToLower(strings.Join(details.searchTerms(), " "))
}

// DecodeStockOutDetails decodes raw JSON into the variant for category
// カテゴリに対応する型へJSONをデコード
func DecodeStockOutDetails(category Category, raw []byte) (StockOutDetails, error) {
	var (
		details StockOutDetails
		err     error
	)
	switch category {
	case CategoryBranchTransfer:
		var v BranchTransfer
		err = json.Unmarshal(raw, &v)
		details = v
	case CategoryInputError:
		var v InputError
		err = json.Unmarshal(raw, &v)
		details = v
	case CategoryReturn:
		var v Return
		err = json.Unmarshal(raw, &v)
		details = v
	case CategoryChannelDispatch:
		var v ChannelDispatch
		err = json.Unmarshal(raw, &v)
		details = v
	case CategoryGiveaway:
		var v Giveaway
		err = json.Unmarshal(raw, &v)
		details = v
	default:
		return nil, NewValidationError("category", "無効な出庫カテゴリです", string(category))
	}
	if err != nil {
		return nil, fmt.Errorf("出庫詳細のデコードに失敗しました: %w", err)
	}
	return details, nil
}
