package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ inventory.Storage = (*PostgreSQLStorage)(nil)
	_ inventory.Tx      = (*pgTx)(nil)
)

// uniqueViolation is the PostgreSQL error code for unique_violation
const uniqueViolation = "23505"

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLStorage{db: db, logger: logger}, nil
}

// RunInTx runs fn inside one READ COMMITTED transaction.
// Row locks taken by LockUnits and LockStockOut serialize writers of the same
// rows; LockBalance serializes ledger appends of the same balance.
// トランザクション内で fn を実行（エラー時はロールバック）
func (s *PostgreSQLStorage) RunInTx(ctx context.Context, fn func(tx inventory.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: トランザクション開始に失敗しました: %v", inventory.ErrTransactionFailed, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: コミットに失敗しました: %v", inventory.ErrTransactionFailed, err)
	}
	return nil
}

// Ping checks database connectivity
// データベース接続確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// GetProduct retrieves a product
// 商品を取得
func (s *PostgreSQLStorage) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	return getProduct(ctx, s.db, productID)
}

// GetUnit retrieves a non-deleted unit by id
// ユニットを取得
func (s *PostgreSQLStorage) GetUnit(ctx context.Context, unitID string) (*inventory.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units u WHERE u.id = $1 AND u.deleted_at IS NULL`
	u, err := scanUnit(s.db.QueryRowContext(ctx, query, unitID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", inventory.ErrUnitNotFound, unitID)
		}
		return nil, fmt.Errorf("ユニット取得に失敗しました: %w", err)
	}
	return u, nil
}

// ListUnits lists units newest first
// ユニット一覧を取得（登録日時の新しい順）
func (s *PostgreSQLStorage) ListUnits(ctx context.Context, q inventory.UnitQuery) ([]inventory.UnitView, int64, error) {
	w := &whereBuilder{}
	w.add("u.deleted_at IS NULL")
	if q.Placement != nil {
		w.add("u.placement_kind = ? AND u.placement_id = ?", string(q.Placement.Kind), q.Placement.ID)
	}
	if q.Kind != "" {
		w.add("u.placement_kind = ?", string(q.Kind))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		w.add("u.status = ANY(?)", pq.Array(statuses))
	}
	if q.ProductID != "" {
		w.add("u.product_id = ?", q.ProductID)
	}
	if q.Serial != "" {
		w.add("u.serial ILIKE ?", likePattern(q.Serial))
	}
	if q.Search != "" {
		pattern := likePattern(q.Search)
		w.add("(u.serial ILIKE ? OR p.name ILIKE ? OR p.sku ILIKE ?)", pattern, pattern, pattern)
	}

	from := ` FROM units u JOIN products p ON p.id = u.product_id` + w.where()
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ユニット件数の取得に失敗しました: %w", err)
	}

	query := `SELECT ` + unitColumns + `, p.name, p.sku` + from +
		` ORDER BY u.created_at DESC, u.id` + w.limit(q.Offset, q.Limit)
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ユニット一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	views := []inventory.UnitView{}
	for rows.Next() {
		var v inventory.UnitView
		dest := append(unitDest(&v.Unit), &v.ProductName, &v.ProductSKU)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("ユニット行の読み取りに失敗しました: %w", err)
		}
		finishUnit(&v.Unit)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return views, total, nil
}

// CountAvailable counts available units of a product at a placement
// 配置先の販売可能ユニット数を取得
func (s *PostgreSQLStorage) CountAvailable(ctx context.Context, productID string, placement inventory.Placement) (int64, error) {
	return countAvailable(ctx, s.db, productID, placement)
}

// LatestReturn returns the most recent return record naming the unit, or nil
// ユニットの最新の返品記録を取得
func (s *PostgreSQLStorage) LatestReturn(ctx context.Context, unitID string) (*inventory.ReturnDetail, error) {
	query := `
		SELECT s.receipt_id, s.details, s.created_at
		FROM stock_outs s
		JOIN stock_out_items i ON i.stock_out_id = s.id
		WHERE i.unit_id = $1 AND s.category = 'return' AND s.deleted_at IS NULL
		ORDER BY s.created_at DESC
		LIMIT 1`

	var (
		receipt string
		raw     []byte
		at      time.Time
	)
	err := s.db.QueryRowContext(ctx, query, unitID).Scan(&receipt, &raw, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("返品記録の取得に失敗しました: %w", err)
	}
	var r inventory.Return
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("返品詳細のデコードに失敗しました: %w", err)
	}
	return &inventory.ReturnDetail{
		ReceiptID:    receipt,
		CustomerName: r.CustomerName,
		Issue:        r.Issue,
		Officer:      r.Officer,
		ProofImage:   r.ProofImage,
		ReturnedAt:   at,
	}, nil
}

// GetStockOut retrieves a stock-out by id or receipt id
// 出庫記録をIDまたは伝票番号で取得
func (s *PostgreSQLStorage) GetStockOut(ctx context.Context, idOrReceipt string) (*inventory.StockOut, error) {
	query := `SELECT ` + stockOutColumns + ` FROM stock_outs s WHERE s.id = $1 OR s.receipt_id = $1 LIMIT 1`
	so, err := scanStockOut(s.db.QueryRowContext(ctx, query, idOrReceipt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", inventory.ErrStockOutNotFound, idOrReceipt)
		}
		return nil, fmt.Errorf("出庫記録の取得に失敗しました: %w", err)
	}
	if err := loadMembers(ctx, s.db, []*inventory.StockOut{so}); err != nil {
		return nil, err
	}
	return so, nil
}

// ListStockOuts lists stock-outs newest first
// 出庫一覧を取得（新しい順）
func (s *PostgreSQLStorage) ListStockOuts(ctx context.Context, q inventory.StockOutQuery) ([]inventory.StockOut, int64, error) {
	w := &whereBuilder{}
	w.add("s.deleted_at IS NULL")
	if q.Category != "" {
		w.add("s.category = ?", string(q.Category))
	}
	if q.CreatedBy != "" {
		w.add("s.user_id = ?", q.CreatedBy)
	}
	if q.PendingOnly {
		w.add("s.category = 'branch_transfer' AND s.confirmed_at IS NULL")
	}
	if q.Destination != nil {
		if q.Destination.Kind != inventory.PlacementBranch {
			w.add("FALSE")
		} else {
			w.add("s.destination_branch_id = ?", q.Destination.ID)
		}
	}
	if q.Involving != nil {
		p := *q.Involving
		clause := "EXISTS (SELECT 1 FROM stock_out_items i WHERE i.stock_out_id = s.id AND i.source_kind = ? AND i.source_id = ?)"
		args := []any{string(p.Kind), p.ID}
		switch p.Kind {
		case inventory.PlacementBranch:
			clause += " OR s.destination_branch_id = ?"
			args = append(args, p.ID)
		case inventory.PlacementWarehouse:
			clause += " OR s.return_warehouse_id = ?"
			args = append(args, p.ID)
		}
		w.add("("+clause+")", args...)
	}
	if q.Reference != "" {
		pattern := likePattern(q.Reference)
		w.add("("+referenceClause+")", pattern, pattern, pattern)
	}
	if q.Search != "" {
		pattern := likePattern(q.Search)
		w.add("("+referenceClause+" OR s.search_text ILIKE ?)", pattern, pattern, pattern, pattern)
	}

	from := ` FROM stock_outs s` + w.where()
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("出庫件数の取得に失敗しました: %w", err)
	}

	query := `SELECT ` + stockOutColumns + from + ` ORDER BY s.created_at DESC, s.id` + w.limit(q.Offset, q.Limit)
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("出庫一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*inventory.StockOut
	for rows.Next() {
		so, err := scanStockOut(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("出庫行の読み取りに失敗しました: %w", err)
		}
		records = append(records, so)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := loadMembers(ctx, s.db, records); err != nil {
		return nil, 0, err
	}

	out := make([]inventory.StockOut, len(records))
	for i, so := range records {
		out[i] = *so
	}
	return out, total, nil
}

// GetBucket retrieves a quantity bucket
// 数量在庫バケットを取得
func (s *PostgreSQLStorage) GetBucket(ctx context.Context, key inventory.BucketKey) (*inventory.QuantityBucket, error) {
	query := `
		SELECT quantity, updated_at FROM quantity_buckets
		WHERE product_id = $1 AND placement_kind = $2 AND placement_id = $3 AND owner_id = $4`

	b := &inventory.QuantityBucket{BucketKey: key}
	err := s.db.QueryRowContext(ctx, query,
		key.ProductID, string(key.Placement.Kind), key.Placement.ID, key.OwnerID,
	).Scan(&b.Quantity, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s %s", inventory.ErrBucketNotFound, key.ProductID, key.Placement)
		}
		return nil, fmt.Errorf("数量在庫の取得に失敗しました: %w", err)
	}
	return b, nil
}

// ListLedger lists ledger entries in append order or its reverse
// 台帳エントリを取得
func (s *PostgreSQLStorage) ListLedger(ctx context.Context, q inventory.LedgerQuery) ([]inventory.LedgerEntry, int64, error) {
	w := &whereBuilder{}
	if q.ProductID != "" {
		w.add("product_id = ?", q.ProductID)
	}
	if q.Placement != nil {
		w.add("placement_kind = ? AND placement_id = ?", string(q.Placement.Kind), q.Placement.ID)
	}
	if q.OwnerID != nil {
		w.add("owner_id = ?", *q.OwnerID)
	}

	from := ` FROM ledger_entries` + w.where()
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from, w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("台帳件数の取得に失敗しました: %w", err)
	}

	order := " ORDER BY seq DESC"
	if q.Ascending {
		order = " ORDER BY seq ASC"
	}
	query := `
		SELECT id, product_id, placement_kind, placement_id, owner_id, serialized, user_id,
		       COALESCE(distributor_id, ''), direction, quantity, balance_after, description,
		       reference, created_at` + from + order + w.limit(q.Offset, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("台帳の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	entries := []inventory.LedgerEntry{}
	for rows.Next() {
		var (
			e    inventory.LedgerEntry
			kind string
			dir  string
		)
		if err := rows.Scan(
			&e.ID, &e.ProductID, &kind, &e.Placement.ID, &e.OwnerID, &e.Serialized, &e.UserID,
			&e.DistributorID, &dir, &e.Quantity, &e.BalanceAfter, &e.Description,
			&e.Reference, &e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("台帳行の読み取りに失敗しました: %w", err)
		}
		e.Placement.Kind = inventory.PlacementKind(kind)
		e.Direction = inventory.Direction(dir)
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// PlacementName resolves a placement to its display name
// 配置先の表示名を取得
func (s *PostgreSQLStorage) PlacementName(ctx context.Context, placement inventory.Placement) (string, error) {
	table, ok := placementTable(placement.Kind)
	if !ok {
		return "", fmt.Errorf("%w: %s", inventory.ErrPlacementNotFound, placement)
	}
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM `+table+` WHERE id = $1`, placement.ID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", inventory.ErrPlacementNotFound, placement)
		}
		return "", fmt.Errorf("配置先名の取得に失敗しました: %w", err)
	}
	return name, nil
}

// pgTx is the write side of one database transaction
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	return getProduct(ctx, t.tx, productID)
}

func (t *pgTx) UpdateProductPrice(ctx context.Context, productID string, price decimal.Decimal) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE products SET price = $2, updated_at = NOW() WHERE id = $1`, productID, price)
	if err != nil {
		return fmt.Errorf("商品価格の更新に失敗しました: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	return nil
}

func (t *pgTx) GetDistributor(ctx context.Context, distributorID string) (*inventory.Distributor, error) {
	return scanDistributor(t.tx.QueryRowContext(ctx,
		`SELECT id, name, is_active, created_at FROM distributors WHERE id = $1`, distributorID), distributorID)
}

func (t *pgTx) FindDistributorByName(ctx context.Context, name string) (*inventory.Distributor, error) {
	return scanDistributor(t.tx.QueryRowContext(ctx,
		`SELECT id, name, is_active, created_at FROM distributors WHERE name = $1 ORDER BY created_at LIMIT 1`, name), name)
}

func (t *pgTx) CreateDistributor(ctx context.Context, d *inventory.Distributor) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO distributors (id, name, is_active, created_at) VALUES ($1, $2, $3, $4)`,
		d.ID, d.Name, d.IsActive, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("仕入先の作成に失敗しました: %w", err)
	}
	return nil
}

func (t *pgTx) PlacementExists(ctx context.Context, placement inventory.Placement) (bool, error) {
	table, ok := placementTable(placement.Kind)
	if !ok {
		return false, nil
	}
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, placement.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("配置先の確認に失敗しました: %w", err)
	}
	return exists, nil
}

func (t *pgTx) SerialExists(ctx context.Context, serial string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM units
			WHERE serial = $1 AND status <> 'deleted' AND deleted_at IS NULL
		)`, serial).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("シリアルの重複確認に失敗しました: %w", err)
	}
	return exists, nil
}

// InsertUnit inserts a unit. A serial already held by a live unit, even one
// committed after SerialExists was checked, yields ErrDuplicateSerial without
// aborting the transaction.
func (t *pgTx) InsertUnit(ctx context.Context, u *inventory.Unit) error {
	query := `
		INSERT INTO units (id, serial, product_id, condition, ram, storage, color, cost_price,
		                   selling_price, status, placement_kind, placement_id, distributor_id,
		                   received_by, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		` + onSerialConflict

	result, err := t.tx.ExecContext(ctx, query,
		u.ID, u.Serial, u.ProductID, string(u.Condition), u.RAM, u.Storage, u.Color, u.CostPrice,
		u.SellingPrice, string(u.Status), string(u.Placement.Kind), u.Placement.ID, u.DistributorID,
		u.ReceivedBy, u.Version, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateSerial, u.Serial)
		}
		return fmt.Errorf("ユニットの登録に失敗しました: %w", err)
	}
	return insertedOrDuplicate(result, u.Serial)
}

// onSerialConflict matches the uq_units_serial_active partial index
const onSerialConflict = `ON CONFLICT (serial) WHERE status <> 'deleted' AND deleted_at IS NULL DO NOTHING`

// insertedOrDuplicate maps an insert skipped by onSerialConflict to ErrDuplicateSerial
func insertedOrDuplicate(result sql.Result, serial string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ユニットの登録結果の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", inventory.ErrDuplicateSerial, serial)
	}
	return nil
}

func (t *pgTx) LockUnits(ctx context.Context, unitIDs []string) ([]inventory.Unit, error) {
	if len(unitIDs) == 0 {
		return []inventory.Unit{}, nil
	}
	// id順にロックしてデッドロックを避ける
	query := `SELECT ` + unitColumns + ` FROM units u
		WHERE u.id = ANY($1) AND u.deleted_at IS NULL
		ORDER BY u.id
		FOR UPDATE`

	rows, err := t.tx.QueryContext(ctx, query, pq.Array(unitIDs))
	if err != nil {
		return nil, fmt.Errorf("ユニットのロックに失敗しました: %w", err)
	}
	defer rows.Close()

	units := []inventory.Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("ユニット行の読み取りに失敗しました: %w", err)
		}
		units = append(units, *u)
	}
	return units, rows.Err()
}

func (t *pgTx) UpdateUnit(ctx context.Context, u *inventory.Unit) error {
	query := `
		UPDATE units
		SET status = $2, placement_kind = $3, placement_id = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $6`

	result, err := t.tx.ExecContext(ctx, query,
		u.ID, string(u.Status), string(u.Placement.Kind), u.Placement.ID, u.UpdatedAt, u.Version)
	if err != nil {
		return fmt.Errorf("ユニットの更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return inventory.ErrVersionMismatch
	}
	u.Version++
	return nil
}

// LockBalance takes a transaction-scoped advisory lock on the balance key.
// Under READ COMMITTED the following COUNT gets a fresh snapshot, so it
// includes every writer that held the lock before.
// 残高キーの勧告ロックを取得（トランザクション終了まで保持）
func (t *pgTx) LockBalance(ctx context.Context, productID string, placement inventory.Placement) error {
	if _, err := t.tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, balanceLockKey(productID, placement),
	); err != nil {
		return fmt.Errorf("残高ロックの取得に失敗しました: %w", err)
	}
	return nil
}

// balanceLockKey names the advisory lock of one (product, placement) balance
func balanceLockKey(productID string, placement inventory.Placement) string {
	return "balance:" + productID + ":" + placement.String()
}

func (t *pgTx) CountAvailable(ctx context.Context, productID string, placement inventory.Placement) (int64, error) {
	return countAvailable(ctx, t.tx, productID, placement)
}

func (t *pgTx) AddToBucket(ctx context.Context, key inventory.BucketKey, delta int64) (int64, error) {
	args := []any{key.ProductID, string(key.Placement.Kind), key.Placement.ID, key.OwnerID, delta}
	var quantity int64

	if delta >= 0 {
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO quantity_buckets (product_id, placement_kind, placement_id, owner_id, quantity, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (product_id, placement_kind, placement_id, owner_id)
			DO UPDATE SET quantity = quantity_buckets.quantity + EXCLUDED.quantity, updated_at = NOW()
			RETURNING quantity`, args...).Scan(&quantity)
		if err != nil {
			return 0, fmt.Errorf("数量在庫の加算に失敗しました: %w", err)
		}
		return quantity, nil
	}

	// 残高が足りる場合のみ減算する
	err := t.tx.QueryRowContext(ctx, `
		UPDATE quantity_buckets
		SET quantity = quantity + $5, updated_at = NOW()
		WHERE product_id = $1 AND placement_kind = $2 AND placement_id = $3 AND owner_id = $4
		  AND quantity + $5 >= 0
		RETURNING quantity`, args...).Scan(&quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s %s", inventory.ErrInsufficientStock, key.ProductID, key.Placement)
		}
		return 0, fmt.Errorf("数量在庫の減算に失敗しました: %w", err)
	}
	return quantity, nil
}

func (t *pgTx) AppendLedger(ctx context.Context, e *inventory.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, product_id, placement_kind, placement_id, owner_id, serialized,
		                            user_id, distributor_id, direction, quantity, balance_after,
		                            description, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13, $14)`

	_, err := t.tx.ExecContext(ctx, query,
		e.ID, e.ProductID, string(e.Placement.Kind), e.Placement.ID, e.OwnerID, e.Serialized,
		e.UserID, e.DistributorID, string(e.Direction), e.Quantity, e.BalanceAfter,
		e.Description, e.Reference, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("台帳への記録に失敗しました: %w", err)
	}
	return nil
}

func (t *pgTx) ReceiptExists(ctx context.Context, receiptID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM stock_outs WHERE receipt_id = $1)`, receiptID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("伝票番号の確認に失敗しました: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertStockOut(ctx context.Context, so *inventory.StockOut) error {
	details, err := json.Marshal(so.Details)
	if err != nil {
		return fmt.Errorf("出庫詳細のエンコードに失敗しました: %w", err)
	}

	var destination, warehouse sql.NullString
	switch d := so.Details.(type) {
	case inventory.BranchTransfer:
		destination = sql.NullString{String: d.DestinationBranchID, Valid: true}
	case inventory.Return:
		warehouse = sql.NullString{String: d.DestinationWarehouseID, Valid: d.DestinationWarehouseID != ""}
	}
	tracking := inventory.TrackingNumbers(so.Details)
	if tracking == nil {
		tracking = []string{}
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO stock_outs (id, receipt_id, category, details, destination_branch_id,
		                        return_warehouse_id, tracking_numbers, search_text, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		so.ID, so.ReceiptID, string(so.Category), details, destination,
		warehouse, pq.Array(tracking), inventory.SearchText(so.Details), so.UserID, so.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return inventory.NewConcurrencyError("insert_stock_out", so.ReceiptID, "伝票番号が重複しました")
		}
		return fmt.Errorf("出庫記録の作成に失敗しました: %w", err)
	}

	for i, m := range so.Members {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO stock_out_items (stock_out_id, unit_id, position, serial, source_kind, source_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			so.ID, m.UnitID, i, m.Serial, string(m.Source.Kind), m.Source.ID,
		)
		if err != nil {
			return fmt.Errorf("出庫明細の作成に失敗しました: %w", err)
		}
	}
	return nil
}

func (t *pgTx) LockStockOut(ctx context.Context, stockOutID string) (*inventory.StockOut, error) {
	query := `SELECT ` + stockOutColumns + ` FROM stock_outs s WHERE s.id = $1 AND s.deleted_at IS NULL FOR UPDATE`
	so, err := scanStockOut(t.tx.QueryRowContext(ctx, query, stockOutID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", inventory.ErrStockOutNotFound, stockOutID)
		}
		return nil, fmt.Errorf("出庫記録のロックに失敗しました: %w", err)
	}
	if err := loadMembers(ctx, t.tx, []*inventory.StockOut{so}); err != nil {
		return nil, err
	}
	return so, nil
}

func (t *pgTx) ConfirmStockOut(ctx context.Context, stockOutID, confirmedBy string, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE stock_outs SET confirmed_at = $2, confirmed_by = $3
		WHERE id = $1 AND category = 'branch_transfer' AND confirmed_at IS NULL`,
		stockOutID, at, confirmedBy)
	if err != nil {
		return fmt.Errorf("受領確認の記録に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", inventory.ErrTransferNotFound, stockOutID)
	}
	return nil
}

const unitColumns = `u.id, u.serial, u.product_id, u.condition, u.ram, u.storage, u.color,
	u.cost_price, u.selling_price, u.status, u.placement_kind, u.placement_id, u.distributor_id,
	u.received_by, u.version, u.created_at, u.updated_at, u.deleted_at`

const stockOutColumns = `s.id, s.receipt_id, s.category, s.details, s.user_id,
	s.confirmed_at, s.confirmed_by, s.created_at, s.deleted_at`

const referenceClause = `s.receipt_id ILIKE ?
	OR array_to_string(s.tracking_numbers, ' ') ILIKE ?
	OR EXISTS (SELECT 1 FROM stock_out_items i WHERE i.stock_out_id = s.id AND i.serial ILIKE ?)`

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func unitDest(u *inventory.Unit) []any {
	return []any{
		&u.ID, &u.Serial, &u.ProductID, &u.Condition, &u.RAM, &u.Storage, &u.Color,
		&u.CostPrice, &u.SellingPrice, &u.Status, &u.Placement.Kind, &u.Placement.ID, &u.DistributorID,
		&u.ReceivedBy, &u.Version, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt,
	}
}

// finishUnit normalizes timestamps read back from the driver
func finishUnit(u *inventory.Unit) {
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
}

func scanUnit(row scanner) (*inventory.Unit, error) {
	u := &inventory.Unit{}
	if err := row.Scan(unitDest(u)...); err != nil {
		return nil, err
	}
	finishUnit(u)
	return u, nil
}

func scanStockOut(row scanner) (*inventory.StockOut, error) {
	var (
		so          inventory.StockOut
		raw         []byte
		confirmedBy sql.NullString
		confirmedAt sql.NullTime
		deletedAt   sql.NullTime
	)
	if err := row.Scan(&so.ID, &so.ReceiptID, &so.Category, &raw, &so.UserID,
		&confirmedAt, &confirmedBy, &so.CreatedAt, &deletedAt); err != nil {
		return nil, err
	}
	details, err := inventory.DecodeStockOutDetails(so.Category, raw)
	if err != nil {
		return nil, fmt.Errorf("出庫詳細のデコードに失敗しました: %w", err)
	}
	so.Details = details
	so.ConfirmedBy = confirmedBy.String
	if confirmedAt.Valid {
		at := confirmedAt.Time
		so.ConfirmedAt = &at
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		so.DeletedAt = &at
	}
	return &so, nil
}

// loadMembers fills Members for every record with one query
func loadMembers(ctx context.Context, q querier, records []*inventory.StockOut) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	byID := make(map[string]*inventory.StockOut, len(records))
	for i, so := range records {
		ids[i] = so.ID
		byID[so.ID] = so
		so.Members = []inventory.StockOutMember{}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT stock_out_id, unit_id, serial, source_kind, source_id
		FROM stock_out_items
		WHERE stock_out_id = ANY($1)
		ORDER BY stock_out_id, position`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("出庫明細の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stockOutID string
			m          inventory.StockOutMember
			kind       string
		)
		if err := rows.Scan(&stockOutID, &m.UnitID, &m.Serial, &kind, &m.Source.ID); err != nil {
			return fmt.Errorf("出庫明細の読み取りに失敗しました: %w", err)
		}
		m.Source.Kind = inventory.PlacementKind(kind)
		if so, ok := byID[stockOutID]; ok {
			so.Members = append(so.Members, m)
		}
	}
	return rows.Err()
}

func scanDistributor(row scanner, key string) (*inventory.Distributor, error) {
	d := &inventory.Distributor{}
	if err := row.Scan(&d.ID, &d.Name, &d.IsActive, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", inventory.ErrDistributorNotFound, key)
		}
		return nil, fmt.Errorf("仕入先の取得に失敗しました: %w", err)
	}
	return d, nil
}

func getProduct(ctx context.Context, q querier, productID string) (*inventory.Product, error) {
	p := &inventory.Product{}
	err := q.QueryRowContext(ctx,
		`SELECT id, name, sku, brand, serialized, price, updated_at FROM products WHERE id = $1`, productID,
	).Scan(&p.ID, &p.Name, &p.SKU, &p.Brand, &p.Serialized, &p.Price, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("商品の取得に失敗しました: %w", err)
	}
	return p, nil
}

func countAvailable(ctx context.Context, q querier, productID string, placement inventory.Placement) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM units
		WHERE product_id = $1 AND placement_kind = $2 AND placement_id = $3
		  AND status = 'available' AND deleted_at IS NULL`,
		productID, string(placement.Kind), placement.ID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("販売可能数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// placementTable maps a placement kind to the table holding its names
func placementTable(kind inventory.PlacementKind) (string, bool) {
	switch kind {
	case inventory.PlacementBranch:
		return "branches", true
	case inventory.PlacementWarehouse:
		return "warehouses", true
	case inventory.PlacementOnlineChannel:
		return "online_shops", true
	}
	return "", false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// likePattern escapes LIKE wildcards in s and wraps it for a substring match
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// whereBuilder collects WHERE clauses written with ? placeholders and
// numbers them as $1, $2, ... in the order they are added
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) where() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// limit renders LIMIT/OFFSET; a zero limit means no limit
func (w *whereBuilder) limit(offset, limit int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}
