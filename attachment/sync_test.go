package attachment

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncEngine_MatchesSequentialEngine(t *testing.T) {
	const pairs = 64

	sequential := newEngine(t)
	inner := newEngine(t)
	shared := NewSync(inner)

	for i := 0; i < pairs; i++ {
		sequential.Attach(fmt.Sprintf("vol-%d", i), "i-1", int64(1000+i*10))
	}

	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shared.Attach(fmt.Sprintf("vol-%d", i), "i-1", int64(1000+i*10))
		}(i)
	}
	wg.Wait()

	require.Equal(t, pairs, shared.Keys())
	require.Equal(t, pairs, shared.Pending())

	var want int64
	for i := 0; i < pairs; i++ {
		want += sequential.Detach(fmt.Sprintf("vol-%d", i), "i-1", 4500)
	}

	var got atomic.Int64
	for i := 0; i < pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got.Add(shared.Detach(fmt.Sprintf("vol-%d", i), "i-1", 4500))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, want, got.Load())
	assert.Equal(t, inner.Window(), shared.Window())
}

func TestSyncEngine_StrictModeUnderContention(t *testing.T) {
	shared := NewSync(newEngine(t, WithConsumeMatched()))
	shared.Attach("vol-1", "i-1", 2000)

	var (
		wg      sync.WaitGroup
		matched atomic.Int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := shared.Match("vol-1", "i-1", 3000); ok {
				matched.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), matched.Load(), "only one detach may claim the attach")
	assert.Equal(t, 0, shared.Pending())
}
