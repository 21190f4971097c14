package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// Common inventory errors
// 共通の在庫エラー定義

var (
	// ErrUnitNotFound is returned when a unit doesn't exist or is outside the caller's scope
	// ユニットが存在しない（または参照範囲外の）場合のエラー
	ErrUnitNotFound = errors.New("ユニットが見つかりません")

	// ErrProductNotFound is returned when a product doesn't exist
	// 商品が存在しない場合のエラー
	ErrProductNotFound = errors.New("商品が見つかりません")

	// ErrDistributorNotFound is returned when a distributor doesn't exist
	// 仕入先が存在しない場合のエラー
	ErrDistributorNotFound = errors.New("仕入先が見つかりません")

	// ErrPlacementNotFound is returned when a branch, warehouse or channel doesn't exist
	// 配置先が存在しない場合のエラー
	ErrPlacementNotFound = errors.New("配置先が見つかりません")

	// ErrStockOutNotFound is returned when a stock-out record doesn't exist
	// 出庫記録が存在しない場合のエラー
	ErrStockOutNotFound = errors.New("出庫記録が見つかりません")

	// ErrTransferNotFound is returned when no unconfirmed transfer matches
	// 未確認の移動が見つからない場合のエラー
	ErrTransferNotFound = errors.New("移動データが見つからないか、既に確認済みです")

	// ErrBucketNotFound is returned when a quantity bucket doesn't exist
	// 数量在庫バケットが存在しない場合のエラー
	ErrBucketNotFound = errors.New("数量在庫が見つかりません")

	// ErrInsufficientStock is returned when there's not enough stock
	// 在庫不足の場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrNegativeQuantity is returned when a non-positive quantity is provided
	// 0以下の数量が指定された場合のエラー
	ErrNegativeQuantity = errors.New("数量は正の値である必要があります")

	// ErrVersionMismatch is returned when optimistic locking fails
	// 楽観的ロック失敗時のエラー
	ErrVersionMismatch = errors.New("バージョンが一致しません。他のユーザーによって更新されています")

	// ErrInvalidTransition is returned when a status change is not allowed
	// 許可されていないステータス遷移のエラー
	ErrInvalidTransition = errors.New("許可されていないステータス遷移です")

	// ErrDuplicateSerial is returned by storage when a serial already exists
	// シリアル番号が既に存在する場合のエラー
	ErrDuplicateSerial = errors.New("シリアル番号は既に登録されています")

	// ErrDistributorRequired is returned when neither a distributor id nor a new name is given
	// 仕入先の指定がない場合のエラー
	ErrDistributorRequired = errors.New("仕入先IDまたは新規仕入先名を指定してください")

	// ErrReceiptExhausted is returned when no free receipt id could be generated
	// 伝票番号の生成に失敗した場合のエラー
	ErrReceiptExhausted = errors.New("伝票番号の生成に失敗しました")

	// ErrTransactionFailed is returned when a transaction fails
	// トランザクション失敗時のエラー
	ErrTransactionFailed = errors.New("トランザクションが失敗しました")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects several field errors from one request
// 複数フィールドのバリデーションエラー
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = ve.Error()
	}
	return strings.Join(parts, "; ")
}

// DuplicateSerialError lists serials that already exist among non-deleted units
// 既存シリアル番号の一覧
type DuplicateSerialError struct {
	Serials []string `json:"serials"`
}

func (e DuplicateSerialError) Error() string {
	return fmt.Sprintf("シリアル番号が重複しています: %s", strings.Join(e.Serials, ", "))
}

// Unwrap lets errors.Is match ErrDuplicateSerial
func (e DuplicateSerialError) Unwrap() error {
	return ErrDuplicateSerial
}

// UnavailableUnit describes one unit that blocked a stock-out
type UnavailableUnit struct {
	UnitID string     `json:"unit_id"`
	Serial string     `json:"serial,omitempty"`
	Status UnitStatus `json:"status,omitempty"` // 空の場合は存在しない
}

// UnavailableUnitsError is returned when some requested units are not available
// 出庫対象に販売可能でないユニットが含まれる場合のエラー
type UnavailableUnitsError struct {
	Units []UnavailableUnit `json:"units"`
}

func (e UnavailableUnitsError) Error() string {
	parts := make([]string, len(e.Units))
	for i, u := range e.Units {
		switch {
		case u.Status == "":
			parts[i] = fmt.Sprintf("%s(存在しません)", u.UnitID)
		case u.Serial != "":
			parts[i] = fmt.Sprintf("%s(%s)", u.Serial, u.Status)
		default:
			parts[i] = fmt.Sprintf("%s(%s)", u.UnitID, u.Status)
		}
	}
	return fmt.Sprintf("販売可能でないユニットが含まれています: %s", strings.Join(parts, ", "))
}

// UnitIDs returns the ids of the blocking units
func (e UnavailableUnitsError) UnitIDs() []string {
	ids := make([]string, len(e.Units))
	for i, u := range e.Units {
		ids[i] = u.UnitID
	}
	return ids
}

// TransitionError describes a rejected status change
// 拒否されたステータス遷移
type TransitionError struct {
	UnitID string     `json:"unit_id"`
	From   UnitStatus `json:"from"`
	To     UnitStatus `json:"to"`
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s: %s → %s (ユニット: %s)", ErrInvalidTransition.Error(), e.From, e.To, e.UnitID)
}

func (e TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ConcurrencyError represents a concurrency-related error
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// wrapStorage wraps err as a StorageError unless it is already a domain error
func wrapStorage(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsValidation(err) || IsConflict(err) || errors.Is(err, ErrDuplicateSerial) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return NewStorageError(operation, message, err)
}

// IsNotFound reports whether err means the resource is missing or out of scope
// 対象が存在しない（または参照範囲外）かを判定
func IsNotFound(err error) bool {
	for _, target := range []error{
		ErrUnitNotFound, ErrProductNotFound, ErrDistributorNotFound, ErrPlacementNotFound,
		ErrStockOutNotFound, ErrTransferNotFound, ErrBucketNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is caused by invalid input
// 入力不正によるエラーかを判定
func IsValidation(err error) bool {
	var (
		ve  *ValidationError
		vv  ValidationError
		ves ValidationErrors
		dup *DuplicateSerialError
		dv  DuplicateSerialError
	)
	return errors.As(err, &ve) || errors.As(err, &vv) || errors.As(err, &ves) ||
		errors.As(err, &dup) || errors.As(err, &dv) ||
		errors.Is(err, ErrNegativeQuantity) || errors.Is(err, ErrDistributorRequired)
}

// IsConflict reports whether err is a lost race or a state conflict
// 競合（同時更新・状態不一致）によるエラーかを判定
func IsConflict(err error) bool {
	var (
		ce *ConcurrencyError
		cv ConcurrencyError
		ue *UnavailableUnitsError
		uv UnavailableUnitsError
	)
	return errors.As(err, &ce) || errors.As(err, &cv) ||
		errors.As(err, &ue) || errors.As(err, &uv) ||
		errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInsufficientStock)
}
