package exclusive

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcpsess/internal/dispatch"
)

func increment(v int) Op[int] { return Set(v+1, nil) }

func TestBox_ConcurrentTransactionsAreLinearized(t *testing.T) {
	b := New(0)
	defer b.Close()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Transact(dispatch.Deferred, increment)
			}
		}()
	}
	wg.Wait()
	b.Transact(dispatch.Blocking, func(int) Op[int] { return Keep[int]() })

	assert.Equal(t, 1000, b.Read())
}

func TestBox_BlockingIsVisibleOnReturn(t *testing.T) {
	b := New("a")
	defer b.Close()

	b.Transact(dispatch.Blocking, func(string) Op[string] { return Set("b", nil) })
	assert.Equal(t, "b", b.Read())
	assert.Equal(t, "b", b.Peek())
}

func TestBox_WriteOrderedWithTransactions(t *testing.T) {
	b := New(1)
	defer b.Close()

	b.Write(10)
	b.Transact(dispatch.Blocking, increment)
	assert.Equal(t, 11, b.Read())
}

func TestBox_KeepDoesNotRunAnything(t *testing.T) {
	b := New(5)
	defer b.Close()

	b.Transact(dispatch.Blocking, func(int) Op[int] { return Keep[int]() })
	assert.Equal(t, 5, b.Read())
}

func TestBox_CompletionSeesCommittedValue(t *testing.T) {
	b := New(0)
	defer b.Close()

	var seen, peeked int
	b.Transact(dispatch.Blocking, func(v int) Op[int] {
		return Set(v+7, func(tx *Tx[int]) {
			seen = tx.Value()
			peeked = b.Peek()
		})
	})
	assert.Equal(t, 7, seen)
	assert.Equal(t, 7, peeked)
}

func TestBox_InlineChainIsAtomic(t *testing.T) {
	b := New(0)
	defer b.Close()

	b.Transact(dispatch.Blocking, func(v int) Op[int] {
		return Set(1, func(tx *Tx[int]) {
			tx.Transact(func(v int) Op[int] {
				return Set(v+1, func(tx *Tx[int]) {
					tx.Transact(increment)
				})
			})
		})
	})
	assert.Equal(t, 3, b.Read())
}

func TestBox_ReadInsideSectionPanics(t *testing.T) {
	b := New(0)
	defer b.Close()

	var panicked bool
	b.Transact(dispatch.Blocking, func(v int) Op[int] {
		return Set(v, func(*Tx[int]) {
			defer func() { panicked = recover() != nil }()
			_ = b.Read()
		})
	})
	assert.True(t, panicked)
}

func TestBox_PublicInlinePanics(t *testing.T) {
	b := New(0)
	defer b.Close()

	assert.Panics(t, func() { b.Transact(dispatch.Inline, increment) })
}

func TestBox_StaleTxPanics(t *testing.T) {
	b := New(0)
	defer b.Close()

	var stale *Tx[int]
	b.Transact(dispatch.Blocking, func(v int) Op[int] {
		return Set(v, func(tx *Tx[int]) { stale = tx })
	})
	require.NotNil(t, stale)
	assert.Panics(t, func() { stale.Transact(increment) })
}

func TestBox_ReadersNeverSeePartialTransactions(t *testing.T) {
	type pair struct{ a, b int }
	box := New(pair{})
	defer box.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			box.Transact(dispatch.Deferred, func(p pair) Op[pair] {
				return Set(pair{p.a + 1, p.b + 1}, nil)
			})
		}
		box.Transact(dispatch.Blocking, func(pair) Op[pair] { return Keep[pair]() })
	}()

	for {
		p := box.Read()
		require.Equal(t, p.a, p.b)
		select {
		case <-done:
			assert.Equal(t, pair{500, 500}, box.Read())
			return
		default:
		}
	}
}

func TestBox_InSectionAndPeek(t *testing.T) {
	b := New(1)
	defer b.Close()
	assert.False(t, b.InSection())

	var inside bool
	var peeked int
	b.Transact(dispatch.Blocking, func(v int) Op[int] {
		return Set(v+1, func(tx *Tx[int]) {
			inside = b.InSection()
			peeked = b.Peek()
		})
	})
	assert.True(t, inside)
	assert.Equal(t, 2, peeked)
	assert.Equal(t, 2, b.Peek())
}
