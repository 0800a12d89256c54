package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextGrowsExponentially(t *testing.T) {
	b := New(time.Second, 30*time.Second, 0)

	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
}

func TestNextIsCapped(t *testing.T) {
	b := New(time.Second, 30*time.Second, 0)

	for i := 0; i < 10; i++ {
		b.Next()
	}
	assert.Equal(t, 30*time.Second, b.Next())
}

func TestJitterStaysWithinBounds(t *testing.T) {
	b := New(time.Second, 30*time.Second, 0.2)

	for i := 0; i < 100; i++ {
		d := b.Next()
		b.Reset()
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestReset(t *testing.T) {
	b := New(time.Second, 30*time.Second, 0)

	b.Next()
	b.Next()
	require.Equal(t, 2, b.Attempt())

	b.Reset()
	require.Equal(t, 0, b.Attempt())
	assert.Equal(t, time.Second, b.Next())
}
