package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/nemonet1337/apexstock/pkg/inventory"

// Manager implements the StockService interface
// StockServiceインターフェースの実装
type Manager struct {
	storage   Storage            // ストレージ層
	publisher EventPublisher     // イベント発行者
	locker    Locker             // 分散ロック（任意）
	logger    *zap.Logger        // ログ
	config    *Config            // 設定
	policy    AccessPolicy       // 参照範囲ポリシー
	metrics   *Metrics           // メトリクス
	tracer    trace.Tracer       // トレーサー
	node      *snowflake.Node    // 参照番号生成
	receipts  ReceiptFunc        // 伝票番号生成
	places    PlacementDirectory // 配置先名の解決
	now       func() time.Time
}

// すべてのインターフェースを実装することを明示
var _ StockService = (*Manager)(nil)

// Config holds configuration for the inventory manager
// 在庫マネージャーの設定を保持
type Config struct {
	DefaultPageSize   int           `yaml:"default_page_size"`  // 一覧のデフォルト件数
	MaxPageSize       int           `yaml:"max_page_size"`      // 一覧の最大件数
	ReceiptAttempts   int           `yaml:"receipt_attempts"`   // 伝票番号の再試行回数
	TrackMinLength    int           `yaml:"track_min_length"`   // 追跡検索の最小文字数
	TrackLimit        int           `yaml:"track_limit"`        // 追跡検索の最大件数（種別ごと）
	TxTimeout         time.Duration `yaml:"tx_timeout"`         // トランザクションタイムアウト
	SnowflakeNode     int64         `yaml:"snowflake_node"`     // 参照番号のノードID
	UnrestrictedRoles []string      `yaml:"unrestricted_roles"` // 全拠点を参照できるロール
}

// DefaultConfig returns the default manager configuration
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		DefaultPageSize:   20,
		MaxPageSize:       100,
		ReceiptAttempts:   10,
		TrackMinLength:    3,
		TrackLimit:        100,
		TxTimeout:         30 * time.Second,
		SnowflakeNode:     1,
		UnrestrictedRoles: DefaultUnrestrictedRoles,
	}
}

// Option customizes a Manager
type Option func(*Manager)

// WithLocker sets the distributed lock used to guard stock-in
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithMetrics sets the metric collectors
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer sets the tracer used for operation spans
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithReceiptFunc overrides receipt id generation
func WithReceiptFunc(f ReceiptFunc) Option {
	return func(m *Manager) { m.receipts = f }
}

// WithPlacementResolver registers a resolver for one placement kind, replacing
// the storage lookup for that kind
func WithPlacementResolver(kind PlacementKind, r PlacementResolver) Option {
	return func(m *Manager) { m.places[kind] = r }
}

// NewManager creates a new inventory manager
// 新しい在庫マネージャーを作成
func NewManager(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	roles := config.UnrestrictedRoles
	if roles == nil {
		roles = DefaultUnrestrictedRoles
	}

	node, err := snowflake.NewNode(config.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("参照番号ジェネレーターの初期化に失敗しました: %w", err)
	}

	m := &Manager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		policy:    AccessPolicy{UnrestrictedRoles: roles},
		tracer:    otel.Tracer(tracerName),
		node:      node,
		receipts:  NewReceiptID,
		places:    storageDirectory(storage),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return m, nil
}

// Policy returns the access policy in effect
func (m *Manager) Policy() AccessPolicy {
	return m.policy
}

// ResolvePlacement returns the display name of a placement
// 配置先の表示名を取得
func (m *Manager) ResolvePlacement(ctx context.Context, placement Placement) (string, error) {
	return m.places.Resolve(ctx, placement)
}

// startOp opens a span and returns a function that records the outcome
func (m *Manager) startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := m.tracer.Start(ctx, "inventory."+op, trace.WithAttributes(attrs...))
	start := m.now()
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		m.metrics.observe(op, start, m.now(), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// inTx runs fn in one storage transaction bounded by the configured timeout
func (m *Manager) inTx(ctx context.Context, fn func(tx Tx) error) error {
	if m.config.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.TxTimeout)
		defer cancel()
	}
	return m.storage.RunInTx(ctx, fn)
}

func (m *Manager) reference(prefix string) string {
	return prefix + "-" + m.node.Generate().String()
}

func (m *Manager) pageBounds(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = m.config.DefaultPageSize
	}
	if m.config.MaxPageSize > 0 && pageSize > m.config.MaxPageSize {
		pageSize = m.config.MaxPageSize
	}
	return page, pageSize
}

// placementNames resolves display names once per placement within one listing
type placementNames struct {
	ctx   context.Context
	dir   PlacementDirectory
	cache map[Placement]string
}

func (m *Manager) newPlacementNames(ctx context.Context) *placementNames {
	return &placementNames{ctx: ctx, dir: m.places, cache: map[Placement]string{}}
}

func (n *placementNames) name(p Placement) string {
	if name, ok := n.cache[p]; ok {
		return name
	}
	name, err := n.dir.Resolve(n.ctx, p)
	if err != nil {
		name = ""
	}
	n.cache[p] = name
	return name
}
