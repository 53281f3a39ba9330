package payment

import (
	"strconv"
	"strings"
	"time"
)

const txnRefPrefixLen = 16

// NewTransactionRef derives a reference from the order id and the current
// time: up to 16 alphanumeric characters of orderID followed by the
// nanosecond timestamp.
func NewTransactionRef(orderID string, now time.Time) string {
	var b strings.Builder
	for _, r := range orderID {
		if b.Len() >= txnRefPrefixLen {
			break
		}
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	b.WriteString(strconv.FormatInt(now.UnixNano(), 10))
	return b.String()
}
