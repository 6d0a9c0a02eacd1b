package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetRelease(t *testing.T) {
	p := NewPool(8192)

	b := p.Get(100)
	require.Len(t, b.Bytes(), 100)

	copy(b.Bytes(), []byte("hello"))
	assert.Equal(t, byte('h'), b.Bytes()[0])

	b.Release()
}

func TestPoolRetainRelease(t *testing.T) {
	p := NewPool(8192)
	b := p.Get(16)
	b.Retain()

	b.Release()
	// still one reference outstanding
	assert.Equal(t, 16, b.Len())

	b.Release()
}

func TestPoolOversizeFallsBack(t *testing.T) {
	p := NewPool(defaultClassSize)
	b := p.Get(defaultClassSize * 4)
	assert.Len(t, b.Bytes(), defaultClassSize*4)
	b.Release()
}

func TestWrapIsNeverPooled(t *testing.T) {
	data := make([]byte, 32)
	b := Wrap(data, true)
	assert.Equal(t, 32, b.Len())
	b.Release()
}
