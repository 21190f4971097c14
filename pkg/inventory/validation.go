package inventory

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// シリアル番号: 空白・カンマ・改行を含まない1〜100文字
var serialPattern = regexp.MustCompile(`^[^\s,]{1,100}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// エラーのフィールド名はJSONタグ名で返す
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags of v and converts failures to ValidationErrors
// 構造体タグによるバリデーションを実行
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError("request", "リクエストを検証できません", err.Error())
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// 先頭の型名を除いたパス（例: shipments[0].receiver）
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		out = append(out, ValidationError{
			Field:   field,
			Message: tagMessage(fe.Tag(), fe.Param()),
			Value:   fmt.Sprintf("%v", fe.Value()),
		})
	}
	return out
}

func tagMessage(tag, param string) string {
	switch tag {
	case "required":
		return "必須項目です"
	case "max":
		return fmt.Sprintf("%s以下で指定してください", param)
	case "min":
		return fmt.Sprintf("%s以上で指定してください", param)
	case "oneof":
		return fmt.Sprintf("次のいずれかを指定してください: %s", param)
	default:
		return fmt.Sprintf("%s 制約に違反しています", tag)
	}
}

// ValidateSerial checks the serial number format
// シリアル番号の形式をバリデーション
func ValidateSerial(serial string) error {
	if serial == "" {
		return NewValidationError("serial", "シリアル番号が空です", serial)
	}
	if !serialPattern.MatchString(serial) {
		return NewValidationError("serial", "シリアル番号に空白・カンマ・改行は使用できません", serial)
	}
	return nil
}

// ValidatePrice 価格をバリデーション
func ValidatePrice(field string, price decimal.Decimal) error {
	if price.IsNegative() {
		return NewValidationError(field, "価格は0以上である必要があります", price.String())
	}
	return nil
}

// ValidateQuantity 数量をバリデーション
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrNegativeQuantity, quantity)
	}
	if quantity > 999999999 {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity))
	}
	return nil
}

// ValidateUnitSpec 単体登録のユニット情報をバリデーション
func ValidateUnitSpec(spec UnitSpec) error {
	if err := validateStruct(spec); err != nil {
		return err
	}
	if err := ValidateSerial(spec.Serial); err != nil {
		return err
	}
	if err := ValidatePrice("cost_price", spec.CostPrice); err != nil {
		return err
	}
	return ValidatePrice("selling_price", spec.SellingPrice)
}

// ValidateStockInRequest checks the request shape before any storage access
// 入庫リクエストをストレージアクセス前にバリデーション
func ValidateStockInRequest(req StockInRequest) error {
	if err := validateStruct(req); err != nil {
		return err
	}
	if err := req.Placement.Validate(); err != nil {
		return err
	}
	if req.DistributorID == "" && strings.TrimSpace(req.NewDistributorName) == "" {
		return ErrDistributorRequired
	}
	if len(req.Items) > 0 && req.Quantity != 0 {
		return NewValidationError("quantity", "シリアル入庫では数量を指定できません", fmt.Sprintf("%d", req.Quantity))
	}
	if len(req.Items) == 0 {
		return ValidateQuantity(req.Quantity)
	}
	// 形式不正のシリアルが1件でもあれば全体を失敗とする
	for i, item := range req.Items {
		if err := ValidateSerial(item.Serial); err != nil {
			return NewValidationError(fmt.Sprintf("items[%d].serial", i), "シリアル番号に空白・カンマ・改行は使用できません", item.Serial)
		}
		if err := ValidatePrice(fmt.Sprintf("items[%d].cost_price", i), item.CostPrice); err != nil {
			return err
		}
		if err := ValidatePrice(fmt.Sprintf("items[%d].selling_price", i), item.SellingPrice); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStockOutRequest checks category details and unit membership
// 出庫リクエストをバリデーション
func ValidateStockOutRequest(req StockOutRequest) error {
	if req.Details == nil {
		return NewValidationError("details", "出庫カテゴリの詳細が指定されていません", "")
	}
	if len(req.UnitIDs) == 0 {
		return NewValidationError("unit_ids", "出庫するユニットを1件以上指定してください", "")
	}
	seen := make(map[string]bool, len(req.UnitIDs))
	for _, id := range req.UnitIDs {
		if strings.TrimSpace(id) == "" {
			return NewValidationError("unit_ids", "空のユニットIDが含まれています", id)
		}
		if seen[id] {
			return NewValidationError("unit_ids", "同じユニットが重複して指定されています", id)
		}
		seen[id] = true
	}
	if err := validateStruct(req.Details); err != nil {
		return err
	}

	if d, ok := req.Details.(ChannelDispatch); ok {
		// 出荷先はユニットごとにちょうど1件
		covered := make(map[string]bool, len(d.Shipments))
		for _, s := range d.Shipments {
			if !seen[s.UnitID] {
				return NewValidationError("shipments.unit_id", "出庫対象外のユニットが指定されています", s.UnitID)
			}
			if covered[s.UnitID] {
				return NewValidationError("shipments.unit_id", "同じユニットに複数の出荷先が指定されています", s.UnitID)
			}
			covered[s.UnitID] = true
		}
		for _, id := range req.UnitIDs {
			if !covered[id] {
				return NewValidationError("shipments", "出荷先が指定されていないユニットがあります", id)
			}
		}
	}
	return nil
}

// ValidateTrackQuery 追跡検索の文字列をバリデーション
func ValidateTrackQuery(query string, minLength int) error {
	if len([]rune(strings.TrimSpace(query))) < minLength {
		return NewValidationError("q", fmt.Sprintf("検索文字列は%d文字以上で指定してください", minLength), query)
	}
	return nil
}
