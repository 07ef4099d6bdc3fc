package fieldsync

import (
	"fmt"
	"sync/atomic"
	"time"
)

// versionSeqModulus bounds the in-process sequence component. The sequence
// wraps, but combined with epoch milliseconds a collision would require two
// tokens minted in the same millisecond a full wrap apart.
const versionSeqModulus = 1_000_000

// versionClock mints change-version tokens of the form
// "year-epochMillis-sequence" with fixed-width components, so tokens compare
// the same lexicographically and chronologically across restarts.
//
// The counter is a single shared atomic; it must never be replaced with
// per-session state.
type versionClock struct {
	seq atomic.Int64
	now func() time.Time
}

func newVersionClock() *versionClock {
	return &versionClock{now: time.Now}
}

// Next mints the next version token.
func (c *versionClock) Next() string {
	t := c.now().UTC()
	seq := c.seq.Add(1) % versionSeqModulus
	return fmt.Sprintf("%04d-%013d-%06d", t.Year(), t.UnixMilli(), seq)
}
