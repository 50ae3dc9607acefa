// internal/telemetry/buffer_test.go
package telemetry

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

func fill(b *Buffer, n int) {
	for i := 0; i < n; i++ {
		b.Append(schemas.ProgressEvent{Status: schemas.StatusFieldFilled})
	}
}

func sequences(evs []schemas.ProgressEvent) []uint64 {
	out := make([]uint64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Sequence
	}
	return out
}

func TestBuffer_AppendAssignsSequences(t *testing.T) {
	b := NewBuffer("s1", 8)
	first, dropped := b.Append(schemas.ProgressEvent{Status: schemas.StatusStarted})
	assert.Zero(t, dropped)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, schemas.EventSchemaVersion, first.Version)

	fill(b, 2)
	assert.Equal(t, uint64(3), b.Last())
	assert.Equal(t, []uint64{1, 2, 3}, sequences(b.Since(0)))
}

func TestBuffer_OverflowCollapsesIntoGap(t *testing.T) {
	b := NewBuffer("s1", 4)
	fill(b, 4)

	_, dropped := b.Append(schemas.ProgressEvent{})
	assert.Equal(t, 2, dropped, "the first overflow drops two events to make room for the marker")
	_, dropped = b.Append(schemas.ProgressEvent{})
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 4, b.Len())

	evs := b.Since(0)
	require.Len(t, evs, 4)
	assert.True(t, evs[0].IsGap())
	assert.Equal(t, schemas.Gap{From: 1, To: 3}, *evs[0].Gap)
	assert.Equal(t, uint64(3), evs[0].Sequence, "a gap carries the last dropped sequence")
	assert.Equal(t, []uint64{3, 4, 5, 6}, sequences(evs))
}

func TestBuffer_SinceClipsAndSynthesizesGaps(t *testing.T) {
	b := NewBuffer("s1", 4)
	fill(b, 6) // gap 1..3, then 4 5 6

	t.Run("inside retained gap", func(t *testing.T) {
		evs := b.Since(2)
		require.NotEmpty(t, evs)
		assert.Equal(t, schemas.Gap{From: 3, To: 3}, *evs[0].Gap)
		assert.Equal(t, []uint64{3, 4, 5, 6}, sequences(evs))
	})

	t.Run("after gap", func(t *testing.T) {
		assert.Equal(t, []uint64{4, 5, 6}, sequences(b.Since(3)))
	})

	t.Run("up to date", func(t *testing.T) {
		assert.Empty(t, b.Since(6))
		assert.Empty(t, b.Since(100))
	})

	b.Ack(4)
	t.Run("older than retained history", func(t *testing.T) {
		evs := b.Since(0)
		require.Len(t, evs, 3)
		assert.Equal(t, schemas.Gap{From: 1, To: 4}, *evs[0].Gap)
		assert.Equal(t, []uint64{4, 5, 6}, sequences(evs))
	})

	b.Ack(6)
	t.Run("everything acknowledged", func(t *testing.T) {
		assert.Zero(t, b.Len())
		evs := b.Since(3)
		require.Len(t, evs, 1)
		assert.Equal(t, schemas.Gap{From: 4, To: 6}, *evs[0].Gap)
	})
}

func TestBuffer_AckIsMonotonic(t *testing.T) {
	b := NewBuffer("s1", 8)
	fill(b, 5)
	b.Ack(3)
	b.Ack(1)
	assert.Equal(t, uint64(3), b.Acked())
	assert.Equal(t, 2, b.Len())
}

func TestBuffer_UpdatedAndClose(t *testing.T) {
	b := NewBuffer("s1", 8)
	ch := b.Updated()
	select {
	case <-ch:
		t.Fatal("woken before any append")
	default:
	}

	fill(b, 1)
	select {
	case <-ch:
	default:
		t.Fatal("append did not wake waiters")
	}

	next := b.Updated()
	assert.False(t, b.Closed())
	b.Close()
	b.Close()
	assert.True(t, b.Closed())
	select {
	case <-next:
	default:
		t.Fatal("close did not wake waiters")
	}
	select {
	case <-b.Updated():
	default:
		t.Fatal("a closed buffer keeps its channel closed")
	}
}

func TestBuffer_ConcurrentAppendsStayStrictlyIncreasing(t *testing.T) {
	const writers, perWriter = 8, 50
	b := NewBuffer("s1", writers*perWriter)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen []uint64
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ev, _ := b.Append(schemas.ProgressEvent{})
				mu.Lock()
				seen = append(seen, ev.Sequence)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i, seq := range seen {
		require.Equal(t, uint64(i+1), seq)
	}

	stored := b.Since(0)
	require.Len(t, stored, writers*perWriter)
	for i := 1; i < len(stored); i++ {
		require.Greater(t, stored[i].Sequence, stored[i-1].Sequence)
	}
}

func TestBuffer_MinimumCapacity(t *testing.T) {
	b := NewBuffer("s1", 0)
	fill(b, 5)
	evs := b.Since(0)
	require.Len(t, evs, 2)
	assert.Equal(t, schemas.Gap{From: 1, To: 4}, *evs[0].Gap)
	assert.Equal(t, uint64(5), evs[1].Sequence)
}
