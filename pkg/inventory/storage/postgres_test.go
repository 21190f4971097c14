package storage

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

func TestWhereBuilder(t *testing.T) {
	w := &whereBuilder{}
	assert.Equal(t, "", w.where())

	w.add("u.deleted_at IS NULL")
	w.add("u.placement_kind = ? AND u.placement_id = ?", "branch", "b-1")
	w.add("u.serial ILIKE ?", likePattern("356"))

	assert.Equal(t,
		" WHERE u.deleted_at IS NULL AND u.placement_kind = $1 AND u.placement_id = $2 AND u.serial ILIKE $3",
		w.where())
	assert.Equal(t, []any{"branch", "b-1", "%356%"}, w.args)

	assert.Equal(t, " LIMIT 20 OFFSET 40", w.limit(40, 20))
	assert.Equal(t, "", w.limit(0, 0))
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, "%abc%", likePattern("abc"))
	assert.Equal(t, `%50\%\_off\\%`, likePattern(`50%_off\`))
}

func TestPlacementTable(t *testing.T) {
	table, ok := placementTable(inventory.PlacementWarehouse)
	assert.True(t, ok)
	assert.Equal(t, "warehouses", table)

	table, ok = placementTable(inventory.PlacementOnlineChannel)
	assert.True(t, ok)
	assert.Equal(t, "online_shops", table)

	_, ok = placementTable("kiosk")
	assert.False(t, ok)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}

func TestInsertedOrDuplicate(t *testing.T) {
	assert.NoError(t, insertedOrDuplicate(driver.RowsAffected(1), "S1"))

	err := insertedOrDuplicate(driver.RowsAffected(0), "S1")
	assert.ErrorIs(t, err, inventory.ErrDuplicateSerial)
	assert.Contains(t, err.Error(), "S1")
}

// TestOnSerialConflict は ON CONFLICT の条件が部分一意インデックスと一致することのテスト
func TestOnSerialConflict(t *testing.T) {
	schema, err := os.ReadFile("../../../migrations/002_create_units_and_buckets.sql")
	require.NoError(t, err)
	assert.Contains(t, string(schema), "ON units (serial)\n    WHERE status <> 'deleted' AND deleted_at IS NULL;")
	assert.True(t, strings.HasPrefix(onSerialConflict, "ON CONFLICT (serial) WHERE status <> 'deleted' AND deleted_at IS NULL"))
}

func TestBalanceLockKey(t *testing.T) {
	assert.Equal(t, "balance:p-1:branch:b-1", balanceLockKey("p-1", inventory.BranchPlacement("b-1")))
	assert.NotEqual(t,
		balanceLockKey("p-1", inventory.BranchPlacement("b-1")),
		balanceLockKey("p-1", inventory.WarehousePlacement("b-1")))
}
