package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAccessPolicy_Scope は参照範囲の判定のテスト
func TestAccessPolicy_Scope(t *testing.T) {
	policy := AccessPolicy{UnrestrictedRoles: DefaultUnrestrictedRoles}
	b1 := BranchPlacement("b-1")
	b2 := BranchPlacement("b-2")

	owner := policy.Scope(Actor{UserID: "u-1", Role: "owner", Home: b1})
	assert.True(t, owner.Unrestricted())
	assert.True(t, owner.Allows(b2))

	staff := policy.Scope(Actor{UserID: "u-2", Role: "kasir", Home: b1})
	assert.False(t, staff.Unrestricted())
	assert.False(t, staff.Empty())
	assert.True(t, staff.Allows(b1))
	assert.False(t, staff.Allows(b2))
	assert.False(t, staff.Allows(WarehousePlacement("b-1")), "IDが同じでも種別が違えば別の配置先")

	homeless := policy.Scope(Actor{UserID: "u-3", Role: "kasir"})
	assert.True(t, homeless.Empty())
	assert.False(t, homeless.Allows(b1))
}

// TestScope_Narrow は絞り込み条件と参照範囲の共通部分のテスト
func TestScope_Narrow(t *testing.T) {
	policy := AccessPolicy{UnrestrictedRoles: []string{"super_admin"}}
	b1 := BranchPlacement("b-1")
	b2 := BranchPlacement("b-2")

	tests := []struct {
		name      string
		actor     Actor
		requested *Placement
		want      *Placement
		ok        bool
	}{
		{"無制限・指定なし", Actor{Role: "super_admin"}, nil, nil, true},
		{"無制限・指定あり", Actor{Role: "super_admin"}, &b2, &b2, true},
		{"制限・指定なし", Actor{Role: "kasir", Home: b1}, nil, &b1, true},
		{"制限・自拠点指定", Actor{Role: "kasir", Home: b1}, &b1, &b1, true},
		{"制限・他拠点指定", Actor{Role: "kasir", Home: b1}, &b2, nil, false},
		{"所属なし", Actor{Role: "kasir"}, nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := policy.Scope(tt.actor).Narrow(tt.requested)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScope_AllowsStockOut(t *testing.T) {
	policy := AccessPolicy{UnrestrictedRoles: []string{"super_admin"}}
	transfer := &StockOut{
		Category: CategoryBranchTransfer,
		Details:  BranchTransfer{DestinationBranchID: "b-2"},
		Members:  []StockOutMember{{UnitID: "u-1", Source: BranchPlacement("b-1")}},
	}
	ret := &StockOut{
		Category: CategoryReturn,
		Details:  Return{DestinationWarehouseID: "w-1"},
		Members:  []StockOutMember{{UnitID: "u-2", Source: BranchPlacement("b-3")}},
	}

	assert.True(t, policy.Scope(Actor{Home: BranchPlacement("b-1")}).allowsStockOut(transfer), "移動元")
	assert.True(t, policy.Scope(Actor{Home: BranchPlacement("b-2")}).allowsStockOut(transfer), "移動先")
	assert.False(t, policy.Scope(Actor{Home: BranchPlacement("b-3")}).allowsStockOut(transfer))
	assert.True(t, policy.Scope(Actor{Home: WarehousePlacement("w-1")}).allowsStockOut(ret), "返品受入倉庫")
	assert.False(t, policy.Scope(Actor{}).allowsStockOut(ret))
	assert.True(t, policy.Scope(Actor{Role: "super_admin"}).allowsStockOut(ret))
}

// TestParsePlacement は kind:id 形式のパースのテスト
func TestParsePlacement(t *testing.T) {
	p, err := ParsePlacement("warehouse:w-1")
	require.NoError(t, err)
	assert.Equal(t, WarehousePlacement("w-1"), p)
	assert.Equal(t, "warehouse:w-1", p.String())

	p, err = ParsePlacement("online_channel:shop:01")
	require.NoError(t, err)
	assert.Equal(t, OnlineChannelPlacement("shop:01"), p)

	for _, bad := range []string{"", "branch", "branch:", "kiosk:k-1", ":b-1"} {
		_, err := ParsePlacement(bad)
		assert.True(t, IsValidation(err), bad)
	}
	assert.True(t, Placement{}.IsZero())
}
