package buffer

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/cyclenet/pkg/cycle"
)

func TestPool_GetRelease(t *testing.T) {
	p := NewPool(64, 2)
	require.Equal(t, 64, p.Size())

	b := p.Get()
	require.Equal(t, int32(1), b.Uses())
	require.Equal(t, 64, b.Cap())
	assert.Equal(t, 1, p.Outstanding())

	copy(b.Space(), "hello")
	b.Fill = 5
	b.Origin = 3
	b.Cycle = cycle.New(9)
	assert.Equal(t, []byte("hello"), b.Bytes())

	b.Release()
	assert.Equal(t, 0, p.Outstanding())

	again := p.Get()
	assert.Equal(t, 0, again.Fill)
	assert.Equal(t, uint16(0), again.Origin)
	assert.Equal(t, cycle.Counter(0), again.Cycle)
	again.Release()

	require.NoError(t, p.Close())
}

func TestBuffer_Claim(t *testing.T) {
	p := NewPool(16, 0)
	b := p.Get()
	b.Claim()
	b.Claim()
	require.Equal(t, int32(3), b.Uses())

	b.Release()
	b.Release()
	assert.Equal(t, 1, p.Outstanding())
	b.Release()
	assert.Equal(t, 0, p.Outstanding())

	assert.Panics(t, func() { b.Claim() })
}

func TestPool_CloseDetectsLeak(t *testing.T) {
	p := NewPool(16, 1)
	_ = p.Get()

	err := p.Close()
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), ErrLeaked.Error()))
}

func TestPool_Concurrent(t *testing.T) {
	p := NewPool(32, 4)
	ch := make(chan *Buffer, 16)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			ch <- p.Get()
		}
		close(ch)
	}()
	go func() {
		defer wg.Done()
		for b := range ch {
			b.Release()
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, p.Outstanding())
	assert.NoError(t, p.Close())
}
