package fieldsync

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVersionClock_TokenFormat(t *testing.T) {
	clock := &versionClock{now: func() time.Time {
		return time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	}}

	token := clock.Next()
	require.Len(t, token, 4+1+13+1+6)
	require.Equal(t, "2026", token[:4])
	require.Equal(t, byte('-'), token[4])
	require.Equal(t, byte('-'), token[18])
}

func TestVersionClock_LexicographicOrderMatchesTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	clock := &versionClock{now: func() time.Time { return current }}

	var tokens []string
	for i := 0; i < 50; i++ {
		tokens = append(tokens, clock.Next())
		current = current.Add(time.Millisecond)
	}

	sorted := append([]string(nil), tokens...)
	sort.Strings(sorted)
	require.Equal(t, tokens, sorted, "tokens must sort in mint order")
}

func TestVersionClock_SequenceBreaksSameMillisecondTies(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &versionClock{now: func() time.Time { return fixed }}

	a := clock.Next()
	b := clock.Next()
	require.NotEqual(t, a, b)
	require.Less(t, a, b)
}

func TestVersionClock_SequenceWraps(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &versionClock{now: func() time.Time { return fixed }}
	clock.seq.Store(versionSeqModulus - 2)

	require.Equal(t, "2026-1767225600000-999999", clock.Next())
	require.Equal(t, "2026-1767225600000-000000", clock.Next())
	require.Equal(t, "2026-1767225600000-000001", clock.Next())
}

func TestVersionClock_ConcurrentMintsAreUnique(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &versionClock{now: func() time.Time { return base }}

	const n = 200
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i] = clock.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, tok := range tokens {
		_, dup := seen[tok]
		require.False(t, dup, "duplicate token %s", tok)
		seen[tok] = struct{}{}
	}
}
