package service

import (
	"fmt"
	"math"
	"time"
)

// keyDigits is wide enough for every Unix second until the year 2286.
const keyDigits = 10

// CompositeKey builds the per-device lookup key "{deviceID}_{timestamp}".
// The timestamp is zero padded to a fixed width so that, for one device,
// string order is time order. Times before the epoch collapse to zero.
func CompositeKey(deviceID string, ts int64) string {
	if ts < 0 {
		ts = 0
	}
	return fmt.Sprintf("%s_%0*d", deviceID, keyDigits, ts)
}

// UnixCeil returns t in whole seconds since the epoch, rounded up.
func UnixCeil(t time.Time) int64 {
	ns := t.UnixNano()
	sec := ns / int64(time.Second)
	if ns%int64(time.Second) > 0 {
		sec++
	}
	return sec
}

// seconds converts a duration to whole seconds, rounding up.
func seconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
