package multiplier

import (
	"math"
	"time"
)

// Event describes a freshly crossed whole-number multiple of a token's entry
// market cap. It is handed to the notification transport exactly once per
// crossing.
type Event struct {
	Address          string
	Symbol           string
	OldMultiple      int
	NewMultiple      int
	InitialMarketCap float64
	CurrentMarketCap float64
	EntryTime        time.Time
}

// Delta returns the market cap change since entry.
func (e Event) Delta() float64 {
	return e.CurrentMarketCap - e.InitialMarketCap
}

// Detect computes floor(current/initial) clamped to >= 0 and reports whether
// it strictly exceeds the last notified multiple. Values that fell back below
// an already notified threshold never re-trigger: the comparison is always
// against the stored high-water mark.
func Detect(initial, current float64, lastNotified int) (int, bool) {
	if initial <= 0 {
		return lastNotified, false
	}
	multiple := int(math.Floor(current / initial))
	if multiple < 0 {
		multiple = 0
	}
	if multiple > lastNotified {
		return multiple, true
	}
	return lastNotified, false
}
