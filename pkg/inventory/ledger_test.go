package inventory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTx は呼び出し順を記録するテスト用のTx
type recordingTx struct {
	Tx
	calls   []string
	counts  map[string]int64
	lockErr error
}

func (r *recordingTx) LockBalance(ctx context.Context, productID string, placement Placement) error {
	r.calls = append(r.calls, fmt.Sprintf("lock %s %s", productID, placement))
	return r.lockErr
}

func (r *recordingTx) CountAvailable(ctx context.Context, productID string, placement Placement) (int64, error) {
	r.calls = append(r.calls, fmt.Sprintf("count %s %s", productID, placement))
	return r.counts[productID+" "+placement.String()], nil
}

func (r *recordingTx) AppendLedger(ctx context.Context, entry *LedgerEntry) error {
	r.calls = append(r.calls, fmt.Sprintf("append %s %s", entry.ProductID, entry.Placement))
	return nil
}

// TestSerialLedger_Flush_LocksBeforeCount は残高ロックが集計より先に
// キー順で取得されることのテスト
func TestSerialLedger_Flush_LocksBeforeCount(t *testing.T) {
	tx := &recordingTx{counts: map[string]int64{
		"p-2 branch:b-1": 4,
		"p-1 branch:b-2": 7,
	}}
	l := newSerialLedger()
	l.add("p-2", BranchPlacement("b-1"), 1)
	l.add("p-1", BranchPlacement("b-2"), 2)
	l.add("p-1", BranchPlacement("b-1"), 0)

	entries, err := l.flush(context.Background(), tx, DirectionIn, LedgerEntry{UserID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"lock p-1 branch:b-2",
		"lock p-2 branch:b-1",
		"count p-2 branch:b-1",
		"append p-2 branch:b-1",
		"count p-1 branch:b-2",
		"append p-1 branch:b-2",
	}, tx.calls)

	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].BalanceAfter)
	assert.Equal(t, int64(1), entries[0].Quantity)
	assert.Equal(t, int64(7), entries[1].BalanceAfter)
	assert.True(t, entries[1].Serialized)
	assert.Equal(t, "user-1", entries[1].UserID)
}

func TestSerialLedger_Flush_LockError(t *testing.T) {
	tx := &recordingTx{lockErr: errors.New("connection reset")}
	l := newSerialLedger()
	l.add("p-1", BranchPlacement("b-1"), 1)

	_, err := l.flush(context.Background(), tx, DirectionOut, LedgerEntry{})
	require.Error(t, err)

	var se *StorageError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"lock p-1 branch:b-1"}, tx.calls, "ロック失敗時は集計も記録もしない")
}
