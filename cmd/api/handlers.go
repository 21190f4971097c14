package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

// Actor headers set by the authenticating gateway
const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
	headerHome   = "X-Home-Placement" // kind:id
)

// Handlers holds HTTP handlers for the inventory API
// 在庫API用のHTTPハンドラーを保持
type Handlers struct {
	service inventory.StockService
	health  func(ctx context.Context) error
	logger  *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(service inventory.StockService, health func(ctx context.Context) error, logger *zap.Logger) *Handlers {
	if health == nil {
		health = func(context.Context) error { return nil }
	}
	return &Handlers{
		service: service,
		health:  health,
		logger:  logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// AdmitUnitRequest registers one serialized unit
// ユニット単体登録リクエスト
type AdmitUnitRequest struct {
	inventory.UnitSpec
	Placement     inventory.Placement `json:"placement"`
	DistributorID string              `json:"distributor_id"`
}

// UpdateStatusRequest changes a unit's status and optionally its placement
// ステータス変更リクエスト
type UpdateStatusRequest struct {
	Status    inventory.UnitStatus `json:"status"`
	Placement *inventory.Placement `json:"placement,omitempty"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	if err := h.health(ctx); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました", zap.Error(err))
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	h.sendJSON(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "apexstock",
		},
	})
}

// AdmitUnit handles single unit registration
// ユニット単体登録を処理
func (h *Handlers) AdmitUnit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req AdmitUnitRequest
	if !h.decode(w, r, &req) {
		return
	}
	unit, err := h.service.AdmitUnit(r.Context(), actor, req.UnitSpec, req.Placement, req.DistributorID)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: unit})
}

// ListUnits handles unit listing
// ユニット一覧を処理
func (h *Handlers) ListUnits(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := inventory.UnitFilter{
		Kind:      inventory.PlacementKind(q.Get("placement_kind")),
		Status:    inventory.UnitStatus(q.Get("status")),
		ProductID: q.Get("product_id"),
		Search:    q.Get("search"),
		Page:      queryInt(q.Get("page")),
		PageSize:  queryInt(q.Get("page_size")),
	}
	if raw := q.Get("placement"); raw != "" {
		p, err := inventory.ParsePlacement(raw)
		if err != nil {
			h.sendServiceError(w, err)
			return
		}
		filter.Placement = &p
	}
	page, err := h.service.ListUnits(r.Context(), actor, filter)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, page)
}

// GetUnit handles unit lookup
// ユニット取得を処理
func (h *Handlers) GetUnit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	unit, err := h.service.GetUnit(r.Context(), actor, mux.Vars(r)["unitId"])
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, unit)
}

// UpdateStatus handles direct status changes
// ステータス変更を処理
func (h *Handlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	unit, err := h.service.UpdateStatus(r.Context(), actor, mux.Vars(r)["unitId"], req.Status, req.Placement)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, unit)
}

// StockIn handles stock-in requests
// 入庫リクエストを処理
func (h *Handlers) StockIn(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req inventory.StockInRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.StockIn(r.Context(), actor, req)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: result})
}

// ReleaseQuantity handles quantity bucket decrements
// 数量在庫の払い出しを処理
func (h *Handlers) ReleaseQuantity(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req inventory.QuantityRelease
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.ReleaseQuantity(r.Context(), actor, req)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, entry)
}

// StockOut handles stock-out requests
// 出庫リクエストを処理
func (h *Handlers) StockOut(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req inventory.StockOutRequest
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.service.StockOut(r.Context(), actor, req)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: record})
}

// ListStockOuts handles stock-out listing
// 出庫一覧を処理
func (h *Handlers) ListStockOuts(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := h.service.ListStockOuts(r.Context(), actor, inventory.StockOutFilter{
		Category: inventory.Category(q.Get("category")),
		Search:   q.Get("search"),
		Page:     queryInt(q.Get("page")),
		PageSize: queryInt(q.Get("page_size")),
	})
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, page)
}

// GetStockOut handles stock-out lookup by id or receipt id
// 出庫記録取得を処理
func (h *Handlers) GetStockOut(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	record, err := h.service.GetStockOut(r.Context(), actor, mux.Vars(r)["stockOutId"])
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, record)
}

// Track handles serial / receipt / tracking number search
// 追跡検索を処理
func (h *Handlers) Track(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	hits, err := h.service.Track(r.Context(), actor, r.URL.Query().Get("q"))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, hits)
}

// PendingTransfers handles the incoming transfer list
// 受領確認待ち一覧を処理
func (h *Handlers) PendingTransfers(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	records, err := h.service.PendingTransfers(r.Context(), actor, r.URL.Query().Get("branch_id"))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, records)
}

// ConfirmTransfer handles receipt confirmation of a transfer
// 移動の受領確認を処理
func (h *Handlers) ConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	record, err := h.service.ConfirmTransfer(r.Context(), actor, mux.Vars(r)["stockOutId"])
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, record)
}

// TransferHistory handles the caller's transfer history
// 移動履歴を処理
func (h *Handlers) TransferHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	records, err := h.service.TransferHistory(r.Context(), actor)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, records)
}

// GetHistory handles ledger listing
// 台帳履歴を処理
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := inventory.LedgerFilter{
		ProductID: q.Get("product_id"),
		Page:      queryInt(q.Get("page")),
		PageSize:  queryInt(q.Get("page_size")),
	}
	if raw := q.Get("placement"); raw != "" {
		p, err := inventory.ParsePlacement(raw)
		if err != nil {
			h.sendServiceError(w, err)
			return
		}
		filter.Placement = &p
	}
	page, err := h.service.History(r.Context(), actor, filter)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, page)
}

// ReplayBalance handles ledger replay of one balance
// 台帳からの残高再計算を処理
func (h *Handlers) ReplayBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	placement, err := inventory.ParsePlacement(q.Get("placement"))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	result, err := h.service.ReplayBalance(r.Context(), actor, inventory.BucketKey{
		ProductID: q.Get("product_id"),
		Placement: placement,
		OwnerID:   q.Get("owner_id"),
	})
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, result)
}

// ResolvePlacement handles placement name lookup
// 配置先名の解決を処理
func (h *Handlers) ResolvePlacement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	placement := inventory.Placement{Kind: inventory.PlacementKind(vars["kind"]), ID: vars["id"]}
	name, err := h.service.ResolvePlacement(r.Context(), placement)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"placement": placement,
		"name":      name,
	})
}

// ヘルパーメソッド

// actor reads the caller identity from the gateway headers
func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (inventory.Actor, bool) {
	actor := inventory.Actor{
		UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
		Role:   strings.TrimSpace(r.Header.Get(headerRole)),
	}
	if actor.UserID == "" {
		h.sendError(w, http.StatusUnauthorized, "ユーザーIDが指定されていません")
		return inventory.Actor{}, false
	}
	if raw := strings.TrimSpace(r.Header.Get(headerHome)); raw != "" {
		home, err := inventory.ParsePlacement(raw)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "所属拠点の形式が不正です（kind:id）")
			return inventory.Actor{}, false
		}
		actor.Home = home
	}
	return actor, true
}

// decode reads a JSON body; details that fail their own validation while
// decoding are reported as 422
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if inventory.IsValidation(err) {
			h.sendServiceError(w, err)
			return false
		}
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return false
	}
	return true
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// statusFor maps a service error to an HTTP status code
// サービスエラーをHTTPステータスに変換
func statusFor(err error) int {
	switch {
	case inventory.IsValidation(err):
		return http.StatusUnprocessableEntity
	case inventory.IsNotFound(err):
		return http.StatusNotFound
	case inventory.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorDetails extracts the structured part of a service error, if any
func errorDetails(err error) interface{} {
	var (
		ves inventory.ValidationErrors
		ve  *inventory.ValidationError
		vv  inventory.ValidationError
		dp  *inventory.DuplicateSerialError
		dup inventory.DuplicateSerialError
		ue  *inventory.UnavailableUnitsError
		uv  inventory.UnavailableUnitsError
	)
	switch {
	case errors.As(err, &ves):
		return ves
	case errors.As(err, &ve):
		return []inventory.ValidationError{*ve}
	case errors.As(err, &vv):
		return []inventory.ValidationError{vv}
	case errors.As(err, &dp):
		return map[string]interface{}{"duplicates": dp.Serials}
	case errors.As(err, &dup):
		return map[string]interface{}{"duplicates": dup.Serials}
	case errors.As(err, &ue):
		return map[string]interface{}{"units": ue.Units}
	case errors.As(err, &uv):
		return map[string]interface{}{"units": uv.Units}
	}
	return nil
}

func (h *Handlers) sendServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		message = "内部エラーが発生しました"
	}
	h.sendJSON(w, code, APIResponse{
		Success: false,
		Error:   message,
		Details: errorDetails(err),
	})
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

func (h *Handlers) sendJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
