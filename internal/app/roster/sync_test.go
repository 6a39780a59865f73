package roster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceMesh/internal/adapters/store"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

type recorder struct {
	mu       sync.Mutex
	snapshot []domain.Participant
	calls    []string
}

func (r *recorder) Snapshot(roster []domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = roster
	r.calls = append(r.calls, "snapshot")
}

func (r *recorder) Joined(p domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "joined:"+string(p.ID))
}

func (r *recorder) Left(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "left:"+string(id))
}

func (r *recorder) Updated(p domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "updated:"+string(p.ID))
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func member(t *testing.T, id, name string, at time.Time) domain.Participant {
	t.Helper()
	p, err := domain.NewParticipant(domain.ParticipantID(id), name)
	require.NoError(t, err)
	p.JoinedAt = at
	return *p
}

func TestRunDeliversSnapshotThenEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	alice := New(st, "s1")
	bob := New(st, "s1")
	carol := New(st, "s1")
	require.NoError(t, alice.Join(ctx, member(t, "alice", "Alice", base)))
	require.NoError(t, bob.Join(ctx, member(t, "bob", "Bob", base.Add(time.Second))))

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- alice.Run(ctx, rec) }()
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	ids := []domain.ParticipantID{rec.snapshot[0].ID, rec.snapshot[1].ID}
	rec.mu.Unlock()
	assert.Equal(t, []domain.ParticipantID{"alice", "bob"}, ids)

	require.NoError(t, carol.Join(ctx, member(t, "carol", "Carol", base.Add(2*time.Second))))
	muted := member(t, "bob", "Bob", base.Add(time.Second))
	muted.Muted = true
	require.NoError(t, bob.Update(ctx, muted))
	require.NoError(t, bob.Update(ctx, muted))
	require.NoError(t, carol.Leave(ctx))
	require.NoError(t, carol.Leave(ctx))

	require.Eventually(t, func() bool { return len(rec.got()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"snapshot", "joined:carol", "updated:bob", "left:carol"}, rec.got())

	snap := alice.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[1].Muted)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestUpdateRequiresJoin(t *testing.T) {
	s := New(store.NewMemory(), "s1")
	err := s.Update(context.Background(), domain.Participant{ID: "ghost", DisplayName: "g"})
	assert.ErrorIs(t, err, ErrUnknownMember)
}

func TestEndIsHostOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	host := New(st, "s1")
	guest := New(st, "s1")
	require.NoError(t, host.SetInfo(ctx, domain.SessionInfo{HostID: "alice", RoomCode: "ABCD"}))
	require.NoError(t, host.Join(ctx, member(t, "alice", "Alice", time.Now())))
	require.NoError(t, guest.Join(ctx, member(t, "bob", "Bob", time.Now())))

	assert.ErrorIs(t, guest.End(ctx, "bob"), ErrNotHost)
	require.NoError(t, host.End(ctx, "alice"))

	info, ok, err := guest.Info(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, info.Ended)
	assert.Equal(t, domain.SessionID("s1"), info.ID)

	items, err := st.List(ctx, Collection("s1"))
	require.NoError(t, err)
	assert.Empty(t, items)

	late := New(st, "s1")
	assert.ErrorIs(t, late.Join(ctx, member(t, "carol", "Carol", time.Now())), ErrSessionEnded)
}

func TestWatchInfoSeesEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	s := New(st, "s1")
	require.NoError(t, s.SetInfo(ctx, domain.SessionInfo{HostID: "alice"}))

	got := make(chan domain.SessionInfo, 4)
	go func() { _ = s.WatchInfo(ctx, func(info domain.SessionInfo) { got <- info }) }()

	first := <-got
	assert.False(t, first.Ended)
	require.NoError(t, s.End(ctx, "alice"))
	select {
	case info := <-got:
		assert.True(t, info.Ended)
	case <-time.After(time.Second):
		t.Fatal("end not observed")
	}
}
