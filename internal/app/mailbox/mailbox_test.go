package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceMesh/internal/adapters/store"
	"github.com/dkeye/VoiceMesh/internal/signal"
)

func listen(t *testing.T, ctx context.Context, mb *Mailbox) <-chan signal.Envelope {
	t.Helper()
	got := make(chan signal.Envelope, 16)
	go func() {
		_ = mb.Listen(ctx, func(env signal.Envelope) { got <- env })
	}()
	return got
}

func TestSendListenDeletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()

	alice := New(st, "s1", "alice")
	bob := New(st, "s1", "bob")

	sent, err := alice.Send(ctx, "bob", signal.KindOffer, signal.OfferPayload{SDP: "v=0"})
	require.NoError(t, err)

	got := listen(t, ctx, bob)
	select {
	case env := <-got:
		assert.Equal(t, sent.ID, env.ID)
		assert.Equal(t, signal.KindOffer, env.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("offer not delivered")
	}

	require.Eventually(t, func() bool {
		return st.Stats().Items == 0
	}, time.Second, 5*time.Millisecond, "handled envelope must be removed")
}

func TestListenSuppressesDuplicatesAndGarbage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	alice := New(st, "s1", "alice")
	bob := New(st, "s1", "bob")

	env, err := signal.New(signal.KindRequestOffer, "alice", "bob", nil)
	require.NoError(t, err)
	require.NoError(t, alice.Post(ctx, env))
	require.NoError(t, alice.Post(ctx, env))
	_, err = st.Push(ctx, Partition("s1", "bob"), []byte("not json"))
	require.NoError(t, err)
	// Misrouted: addressed to carol but stored in bob's partition.
	misrouted, err := signal.New(signal.KindRequestOffer, "alice", "carol", nil)
	require.NoError(t, err)
	data, err := signal.Encode(misrouted)
	require.NoError(t, err)
	_, err = st.Push(ctx, Partition("s1", "bob"), data)
	require.NoError(t, err)

	got := listen(t, ctx, bob)
	select {
	case e := <-got:
		assert.Equal(t, env.ID, e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("request not delivered")
	}
	require.Eventually(t, func() bool { return st.Stats().Items == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, got, 0)
}

func TestPartitionsAreIsolatedPerSession(t *testing.T) {
	assert.NotEqual(t, Partition("s1", "bob"), Partition("s2", "bob"))
	assert.Equal(t, "sessions/s1/mailbox/bob", Partition("s1", "bob"))
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	alice := New(st, "s1", "alice")
	bob := New(st, "s1", "bob")
	for i := 0; i < 3; i++ {
		_, err := alice.Send(ctx, "bob", signal.KindRequestOffer, nil)
		require.NoError(t, err)
	}
	bob.Purge(ctx)
	assert.Equal(t, 0, st.Stats().Items)
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.add("a"))
	assert.False(t, s.add("a"))
	assert.True(t, s.add("b"))
	assert.True(t, s.add("c"))
	assert.True(t, s.add("a"), "a was evicted")
}
