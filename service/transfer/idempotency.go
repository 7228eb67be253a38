package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/perchpay/perch/service/money"
)

// DeriveKey computes a deterministic idempotency key for a transfer
// submission. Two submissions with identical fields and nonce derive the same
// key, so a client retrying the same logical request (same nonce) collapses
// onto one execution, while a genuinely new transfer with the same parameters
// (fresh nonce) gets its own key.
func DeriveKey(senderID, recipientID, paymentMethodID uuid.UUID, amount money.Amount, nonce string) string {
	payload := fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		senderID, recipientID, amount.MinorUnits, amount.Currency, paymentMethodID, nonce)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
