// ABOUTME: Tests for the pending-request table and the expired-id set.
// ABOUTME: Validates single resolution, generation-scoped failure, and TTL pruning.

package upstream

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable(t *testing.T) {
	t.Run("resolve delivers once", func(t *testing.T) {
		p := NewPendingTable()
		slot, err := p.Register("a", 1)
		require.NoError(t, err)

		assert.True(t, p.Resolve("a", json.RawMessage(`1`), nil))
		assert.False(t, p.Resolve("a", json.RawMessage(`2`), nil))
		assert.False(t, p.Remove("a"))

		out := <-slot
		assert.Equal(t, json.RawMessage(`1`), out.value)
		assert.Equal(t, 0, p.Len())
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		p := NewPendingTable()
		_, err := p.Register("a", 1)
		require.NoError(t, err)
		_, err = p.Register("a", 1)
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("fail generation leaves newer links alone", func(t *testing.T) {
		p := NewPendingTable()
		old, _ := p.Register("old", 1)
		fresh, _ := p.Register("fresh", 2)

		lost := errors.New("lost")
		assert.Equal(t, 1, p.FailGeneration(1, lost))
		assert.ErrorIs(t, (<-old).err, lost)
		assert.Equal(t, 1, p.Len())

		assert.True(t, p.Resolve("fresh", json.RawMessage(`"ok"`), nil))
		assert.NoError(t, (<-fresh).err)
	})

	t.Run("fail all empties the table", func(t *testing.T) {
		p := NewPendingTable()
		_, _ = p.Register("a", 1)
		_, _ = p.Register("b", 2)
		assert.Equal(t, 2, p.FailAll(ErrClosed))
		assert.Equal(t, 0, p.Len())
	})
}

func TestExpiredSet(t *testing.T) {
	t.Run("take reports once", func(t *testing.T) {
		s := newExpiredSet(time.Minute, 10)
		s.add("x")
		assert.True(t, s.take("x"))
		assert.False(t, s.take("x"))
	})

	t.Run("entries past ttl are pruned", func(t *testing.T) {
		s := newExpiredSet(time.Minute, 10)
		now := time.Now()
		s.now = func() time.Time { return now }
		s.add("old")

		now = now.Add(2 * time.Minute)
		s.add("new")
		assert.Equal(t, 1, s.len())
		assert.False(t, s.take("old"))
		assert.True(t, s.take("new"))
	})

	t.Run("oldest is evicted at capacity", func(t *testing.T) {
		s := newExpiredSet(time.Minute, 2)
		s.add("a")
		s.add("b")
		s.add("c")
		assert.Equal(t, 2, s.len())
		assert.False(t, s.take("a"))
		assert.True(t, s.take("c"))
	})
}
