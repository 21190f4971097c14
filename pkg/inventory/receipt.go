package inventory

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

const receiptAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ReceiptFunc generates a candidate receipt id for the given time
type ReceiptFunc func(now time.Time) string

// NewReceiptID returns O + DDMON + "-" + three random upper-case alphanumerics,
// e.g. O03FEB-K9Z
// 伝票番号を生成（例: O03FEB-K9Z）
func NewReceiptID(now time.Time) string {
	var b strings.Builder
	b.WriteString("O")
	b.WriteString(strings.ToUpper(now.Format("02Jan")))
	b.WriteString("-")
	for i := 0; i < 3; i++ {
		b.WriteByte(receiptAlphabet[rand.Intn(len(receiptAlphabet))])
	}
	return b.String()
}

// nextReceipt draws receipt ids until one is unused, up to the configured attempts
func (m *Manager) nextReceipt(ctx context.Context, tx Tx, now time.Time) (string, error) {
	attempts := m.config.ReceiptAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		id := m.receipts(now)
		exists, err := tx.ReceiptExists(ctx, id)
		if err != nil {
			return "", wrapStorage("receipt_exists", "伝票番号の確認に失敗しました", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", ErrReceiptExhausted
}
