package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchCursorIsFair(t *testing.T) {
	for _, tc := range []struct{ channels, conns int }{
		{0, 5}, {1, 7}, {3, 10}, {3, 12}, {5, 33},
	} {
		var d dispatchCursor
		counts := make([]int, tc.channels+1)
		for i := 0; i < tc.conns; i++ {
			counts[d.Next(tc.channels)]++
		}
		low, high := tc.conns/(tc.channels+1), (tc.conns+tc.channels)/(tc.channels+1)
		for target, n := range counts {
			assert.GreaterOrEqual(t, n, low, "target %d of %d", target, tc.channels)
			assert.LessOrEqual(t, n, high, "target %d of %d", target, tc.channels)
		}
	}
}

func TestDispatchCursorStartsWithFirstChannel(t *testing.T) {
	var d dispatchCursor
	assert.Equal(t, []int{0, 1, 2, 0}, []int{d.Next(2), d.Next(2), d.Next(2), d.Next(2)})
}

func TestHandshake(t *testing.T) {
	token := []byte("0123456789")

	t.Run("byte by byte", func(t *testing.T) {
		hs := newHandshake(token)
		for i := range token {
			buf := hs.remaining()
			assert.Len(t, buf, len(token)-i)
			buf[0] = token[i]
			st := hs.advance(1)
			if i < len(token)-1 {
				assert.Equal(t, handshakePending, st)
			} else {
				assert.Equal(t, handshakeDone, st)
			}
		}
		assert.Equal(t, len(token), hs.received())
		assert.Empty(t, hs.remaining())
	})

	t.Run("wrong prefix is rejected early", func(t *testing.T) {
		hs := newHandshake(token)
		n := copy(hs.remaining(), "01X")
		assert.Equal(t, handshakeInvalid, hs.advance(n))
	})

	t.Run("partial", func(t *testing.T) {
		hs := newHandshake(token)
		n := copy(hs.remaining(), "0123")
		assert.Equal(t, handshakePending, hs.advance(n))
		assert.Equal(t, 4, hs.received())
	})
}
