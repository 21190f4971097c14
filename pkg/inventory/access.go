package inventory

// Actor is the authenticated caller of an operation.
// Identity is supplied by the caller's auth layer; this package only decides visibility.
// 操作の実行者（認証は呼び出し側の責務）
type Actor struct {
	UserID string    `json:"user_id"`
	Role   string    `json:"role"`
	Home   Placement `json:"home"` // 所属拠点（店舗・倉庫・オンラインショップ）
}

// AccessPolicy decides which placements an actor may see and act on
// 実行者の参照・操作範囲を決定するポリシー
type AccessPolicy struct {
	UnrestrictedRoles []string `yaml:"unrestricted_roles"`
}

// DefaultUnrestrictedRoles are roles that see every placement
var DefaultUnrestrictedRoles = []string{"super_admin", "admin_produk", "audit", "analist", "owner"}

// Scope is the resolved visibility of one actor
type Scope struct {
	all  bool
	home Placement
}

// Scope resolves the actor's visibility. A restricted actor without a home
// placement sees nothing.
func (p AccessPolicy) Scope(actor Actor) Scope {
	for _, role := range p.UnrestrictedRoles {
		if role == actor.Role {
			return Scope{all: true}
		}
	}
	return Scope{home: actor.Home}
}

// Unrestricted reports whether every placement is visible
func (s Scope) Unrestricted() bool { return s.all }

// Empty reports whether nothing is visible
func (s Scope) Empty() bool { return !s.all && s.home.IsZero() }

// Allows reports whether p is visible
func (s Scope) Allows(p Placement) bool {
	if s.all {
		return true
	}
	return !s.home.IsZero() && s.home == p
}

// Narrow intersects a requested placement filter with the scope.
// ok is false when the intersection is empty.
// 指定された絞り込み条件と参照範囲の共通部分を返す
func (s Scope) Narrow(requested *Placement) (effective *Placement, ok bool) {
	if s.all {
		return requested, true
	}
	if s.home.IsZero() {
		return nil, false
	}
	if requested != nil && *requested != s.home {
		return nil, false
	}
	home := s.home
	return &home, true
}

// allowsStockOut reports whether any member source or the destination is visible
func (s Scope) allowsStockOut(so *StockOut) bool {
	if s.all {
		return true
	}
	if s.home.IsZero() {
		return false
	}
	if dest, ok := so.Destination(); ok && dest == s.home {
		return true
	}
	for _, m := range so.Members {
		if m.Source == s.home {
			return true
		}
		if so.Details != nil && so.Details.TargetPlacement(m.Source) == s.home {
			return true
		}
	}
	return false
}
