package channel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingResolveByID(t *testing.T) {
	t.Parallel()

	p := newPendingTable()
	a := p.add("id-a")
	b := p.add("id-b")

	// Responses arrive in reverse order; correlation, not arrival order,
	// decides which waiter is satisfied.
	require.True(t, p.resolve("id-b", Message{ID: "id-b", Payload: json.RawMessage(`"b"`)}))
	require.True(t, p.resolve("id-a", Message{ID: "id-a", Payload: json.RawMessage(`"a"`)}))

	assert.Equal(t, json.RawMessage(`"a"`), (<-a).Payload)
	assert.Equal(t, json.RawMessage(`"b"`), (<-b).Payload)
}

func TestPendingResolveUnknownID(t *testing.T) {
	t.Parallel()

	p := newPendingTable()
	assert.False(t, p.resolve("missing", Message{ID: "missing"}))
}

func TestPendingResolveTwice(t *testing.T) {
	t.Parallel()

	p := newPendingTable()
	p.add("id")
	require.True(t, p.resolve("id", Message{ID: "id"}))
	assert.False(t, p.resolve("id", Message{ID: "id"}), "a resolved entry is removed")
}

func TestPendingDropClosesWaiters(t *testing.T) {
	t.Parallel()

	p := newPendingTable()
	waiter := p.add("id")
	p.drop()

	_, ok := <-waiter
	assert.False(t, ok, "dropped waiters must observe a closed slot")
}

func TestPendingRemove(t *testing.T) {
	t.Parallel()

	p := newPendingTable()
	p.add("id")
	p.remove("id")
	assert.False(t, p.resolve("id", Message{ID: "id"}))
}
