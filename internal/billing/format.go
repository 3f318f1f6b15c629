package billing

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"
)

// ReceiptNumber builds "RCT-" followed by the last six digits of the Unix
// millisecond clock and three random digits. intn may be nil.
func ReceiptNumber(now time.Time, intn func(int) int) string {
	if intn == nil {
		intn = rand.IntN
	}
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	return fmt.Sprintf("RCT-%s%03d", ms, intn(1000))
}

// Display states of a fee.
const (
	StatusPaid    = "Paid"
	StatusOverdue = "Overdue"
	StatusPending = "Pending"
)

// FeeStatus classifies a fee for display. A fee is overdue once its due
// date has passed without payment.
func FeeStatus(due time.Time, paid bool, now time.Time) string {
	if paid {
		return StatusPaid
	}
	if due.Before(now) {
		return StatusOverdue
	}
	return StatusPending
}

// OverdueDays counts started days past due, zero when not yet due.
func OverdueDays(due, now time.Time) int {
	if !due.Before(now) {
		return 0
	}
	const day = 24 * time.Hour
	diff := now.Sub(due)
	days := int(diff / day)
	if diff%day != 0 {
		days++
	}
	return days
}
