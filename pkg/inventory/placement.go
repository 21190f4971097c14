package inventory

import (
	"context"
	"fmt"
	"strings"
)

// PlacementKind discriminates which table a placement id refers to
// 配置先IDがどのテーブルを参照するかを示す種別
type PlacementKind string

const (
	PlacementBranch        PlacementKind = "branch"         // 店舗
	PlacementWarehouse     PlacementKind = "warehouse"      // 倉庫
	PlacementOnlineChannel PlacementKind = "online_channel" // オンラインショップ
)

// Valid reports whether k is a known placement kind
func (k PlacementKind) Valid() bool {
	switch k {
	case PlacementBranch, PlacementWarehouse, PlacementOnlineChannel:
		return true
	}
	return false
}

// Placement is a tagged reference to a branch, warehouse or online channel.
// The ID is only meaningful together with its Kind.
// 種別付きの配置先参照（IDは種別とセットでのみ意味を持つ）
type Placement struct {
	Kind PlacementKind `json:"kind"`
	ID   string        `json:"id"`
}

// BranchPlacement returns a branch placement
func BranchPlacement(id string) Placement {
	return Placement{Kind: PlacementBranch, ID: id}
}

// WarehousePlacement returns a warehouse placement
func WarehousePlacement(id string) Placement {
	return Placement{Kind: PlacementWarehouse, ID: id}
}

// OnlineChannelPlacement returns an online channel placement
func OnlineChannelPlacement(id string) Placement {
	return Placement{Kind: PlacementOnlineChannel, ID: id}
}

// IsZero reports whether the placement is unset
func (p Placement) IsZero() bool {
	return p.Kind == "" && p.ID == ""
}

// Validate checks that the placement is fully specified
// 配置先の指定をバリデーション
func (p Placement) Validate() error {
	if !p.Kind.Valid() {
		return NewValidationError("placement_kind", "無効な配置先種別です", string(p.Kind))
	}
	if strings.TrimSpace(p.ID) == "" {
		return NewValidationError("placement_id", "配置先IDが指定されていません", p.ID)
	}
	return nil
}

// String renders the placement as kind:id
func (p Placement) String() string {
	return fmt.Sprintf("%s:%s", p.Kind, p.ID)
}

// ParsePlacement parses the kind:id form produced by String
// kind:id 形式の文字列を配置先に変換
func ParsePlacement(s string) (Placement, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Placement{}, NewValidationError("placement", "配置先の形式が不正です（kind:id）", s)
	}
	p := Placement{Kind: PlacementKind(kind), ID: id}
	if err := p.Validate(); err != nil {
		return Placement{}, err
	}
	return p, nil
}

// PlacementResolver resolves placement ids of one kind to display names
// 特定種別の配置先IDを表示名に解決
type PlacementResolver interface {
	ResolveName(ctx context.Context, id string) (string, error)
}

// PlacementResolverFunc adapts a function to PlacementResolver
type PlacementResolverFunc func(ctx context.Context, id string) (string, error)

// ResolveName calls f
func (f PlacementResolverFunc) ResolveName(ctx context.Context, id string) (string, error) {
	return f(ctx, id)
}

// PlacementDirectory dispatches resolution to the resolver registered for each kind
// 種別ごとのリゾルバーへ解決処理を振り分け
type PlacementDirectory map[PlacementKind]PlacementResolver

// Resolve returns the display name of p, or ErrPlacementNotFound
func (d PlacementDirectory) Resolve(ctx context.Context, p Placement) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	resolver, ok := d[p.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPlacementNotFound, p)
	}
	return resolver.ResolveName(ctx, p.ID)
}

func storageDirectory(reader Reader) PlacementDirectory {
	dir := PlacementDirectory{}
	for _, kind := range []PlacementKind{PlacementBranch, PlacementWarehouse, PlacementOnlineChannel} {
		kind := kind
		dir[kind] = PlacementResolverFunc(func(ctx context.Context, id string) (string, error) {
			return reader.PlacementName(ctx, Placement{Kind: kind, ID: id})
		})
	}
	return dir
}
