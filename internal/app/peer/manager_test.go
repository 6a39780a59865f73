package peer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceMesh/internal/adapters/rtc/rtctest"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/signal"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// router delivers envelopes straight into the addressed manager.
type router struct {
	mu       sync.Mutex
	managers map[domain.ParticipantID]*Manager
	sent     []signal.Envelope
}

func newRouter() *router {
	return &router{managers: make(map[domain.ParticipantID]*Manager)}
}

func (r *router) Post(_ context.Context, env signal.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	m := r.managers[env.To]
	r.mu.Unlock()
	if m == nil {
		return nil
	}
	switch env.Kind {
	case signal.KindOffer:
		return m.HandleOffer(env)
	case signal.KindAnswer:
		return m.HandleAnswer(env)
	case signal.KindCandidate:
		return m.HandleCandidate(env)
	case signal.KindRenegotiate:
		return m.HandleRenegotiate(env)
	}
	return nil
}

func (r *router) count(kind signal.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.sent {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (r *router) sentBy(from domain.ParticipantID, kind signal.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.sent {
		if env.From == from && env.Kind == kind {
			n++
		}
	}
	return n
}

func (r *router) last(kind signal.Kind) (signal.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Kind == kind {
			return r.sent[i], true
		}
	}
	return signal.Envelope{}, false
}

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) add(ev core.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) failures() []core.TransportFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.TransportFailure
	for _, ev := range l.events {
		if f, ok := ev.(core.TransportFailure); ok {
			out = append(out, f)
		}
	}
	return out
}

func newTestManager(t *testing.T, net *rtctest.Network, r *router, self domain.ParticipantID, events *eventLog) *Manager {
	t.Helper()
	cfg := Config{
		Self:      self,
		Endpoints: net.Factory(string(self)),
		Sender:    r,
	}
	if events != nil {
		cfg.Notify = events.add
	}
	m := NewManager(cfg)
	r.mu.Lock()
	r.managers[self] = m
	r.mu.Unlock()
	t.Cleanup(m.CloseAll)
	return m
}

// settle waits until every op queued so far on peer's record has run.
func settle(t *testing.T, m *Manager, peer domain.ParticipantID) {
	t.Helper()
	m.mu.Lock()
	rec := m.records[peer]
	m.mu.Unlock()
	if rec == nil {
		return
	}
	done := make(chan struct{})
	if !rec.ops.Push(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("record for %s did not settle", peer)
	}
}

func stateOf(m *Manager, peer domain.ParticipantID) core.PeerState {
	s, _ := m.State(peer)
	return s
}

func offerFrom(t *testing.T, from, to domain.ParticipantID, sdp string) signal.Envelope {
	t.Helper()
	env, err := signal.New(signal.KindOffer, from, to, signal.OfferPayload{SDP: sdp})
	require.NoError(t, err)
	return env
}

func candidateFrom(t *testing.T, from, to domain.ParticipantID, cand, negotiation string) signal.Envelope {
	t.Helper()
	env, err := signal.New(signal.KindCandidate, from, to, signal.CandidatePayload{Candidate: cand, Negotiation: negotiation})
	require.NoError(t, err)
	return env
}

func TestOpenAsInitiatorSendsOffer(t *testing.T) {
	net := rtctest.NewNetwork()
	r := newRouter()
	a := newTestManager(t, net, r, "a", nil)

	require.NoError(t, a.Open("b", true))
	settle(t, a, "b")

	assert.Equal(t, core.StateOfferCreated, stateOf(a, "b"))
	env, ok := r.last(signal.KindOffer)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("a"), env.From)
	assert.Equal(t, domain.ParticipantID("b"), env.To)
}

func TestOpenTwiceIsDuplicate(t *testing.T) {
	net := rtctest.NewNetwork()
	a := newTestManager(t, net, newRouter(), "a", nil)

	require.NoError(t, a.Open("b", false))
	err := a.Open("b", true)
	require.ErrorIs(t, err, ErrDuplicateConnection)
	assert.Len(t, net.Endpoints("a", "b"), 1)
	assert.Equal(t, core.StateIdle, stateOf(a, "b"))
}

func TestStaleAnswerIsDiscarded(t *testing.T) {
	net := rtctest.NewNetwork()
	a := newTestManager(t, net, newRouter(), "a", nil)

	t.Run("unknown peer", func(t *testing.T) {
		env, err := signal.New(signal.KindAnswer, "z", "a", signal.AnswerPayload{SDP: "v=0", OfferID: "x"})
		require.NoError(t, err)
		require.ErrorIs(t, a.HandleAnswer(env), ErrStaleMessage)
	})

	t.Run("idle record", func(t *testing.T) {
		require.NoError(t, a.Open("b", false))
		env, err := signal.New(signal.KindAnswer, "b", "a", signal.AnswerPayload{SDP: "v=0", OfferID: "x"})
		require.NoError(t, err)
		require.NoError(t, a.HandleAnswer(env))
		settle(t, a, "b")

		assert.Equal(t, core.StateIdle, stateOf(a, "b"))
		_, ok := net.Last("a", "b").Remote()
		assert.False(t, ok)
	})

	t.Run("answer to another offer", func(t *testing.T) {
		require.NoError(t, a.Open("c", true))
		settle(t, a, "c")
		env, err := signal.New(signal.KindAnswer, "c", "a", signal.AnswerPayload{SDP: "v=0", OfferID: "not-ours"})
		require.NoError(t, err)
		require.NoError(t, a.HandleAnswer(env))
		settle(t, a, "c")

		assert.Equal(t, core.StateOfferCreated, stateOf(a, "c"))
	})
}

func TestCandidatesFlushInArrivalOrder(t *testing.T) {
	net := rtctest.NewNetwork()
	b := newTestManager(t, net, newRouter(), "b", nil)

	offer := offerFrom(t, "a", "b", "v=0 offer")
	require.NoError(t, b.Open("a", false))
	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, b.HandleCandidate(candidateFrom(t, "a", "b", c, offer.ID)))
	}
	settle(t, b, "a")
	assert.Empty(t, net.Last("b", "a").Applied(), "nothing applied before the remote description")

	require.NoError(t, b.HandleOffer(offer))
	settle(t, b, "a")

	assert.Equal(t, []string{"c1", "c2", "c3"}, net.Last("b", "a").Applied())
	require.Eventually(t, func() bool { return stateOf(b, "a") == core.StateConnected }, waitFor, tick)
}

func TestCandidateQueueKeepsNewest(t *testing.T) {
	net := rtctest.NewNetwork()
	b := newTestManager(t, net, newRouter(), "b", nil)

	offer := offerFrom(t, "a", "b", "v=0 offer")
	// No record yet: candidates wait in the orphan queue.
	for i := 0; i < 60; i++ {
		require.NoError(t, b.HandleCandidate(candidateFrom(t, "a", "b", fmt.Sprintf("c%d", i), offer.ID)))
	}
	require.NoError(t, b.HandleOffer(offer))
	settle(t, b, "a")

	want := make([]string, 0, DefaultCandidateQueueSize)
	for i := 10; i < 60; i++ {
		want = append(want, fmt.Sprintf("c%d", i))
	}
	assert.Equal(t, want, net.Last("b", "a").Applied())
}

func TestCandidatesFromOtherNegotiationAreIgnored(t *testing.T) {
	net := rtctest.NewNetwork()
	b := newTestManager(t, net, newRouter(), "b", nil)

	offer := offerFrom(t, "a", "b", "v=0 offer")
	require.NoError(t, b.HandleCandidate(candidateFrom(t, "a", "b", "old", "previous-offer")))
	require.NoError(t, b.HandleCandidate(candidateFrom(t, "a", "b", "new", offer.ID)))
	require.NoError(t, b.HandleOffer(offer))
	require.NoError(t, b.HandleCandidate(candidateFrom(t, "a", "b", "late", offer.ID)))
	settle(t, b, "a")

	assert.Equal(t, []string{"new", "late"}, net.Last("b", "a").Applied())
}

func TestPairConnects(t *testing.T) {
	net := rtctest.NewNetwork()
	r := newRouter()
	a := newTestManager(t, net, r, "a", nil)
	b := newTestManager(t, net, r, "b", nil)

	require.NoError(t, a.Open("b", true))

	require.Eventually(t, func() bool {
		return stateOf(a, "b") == core.StateConnected && stateOf(b, "a") == core.StateConnected
	}, waitFor, tick)
	assert.Equal(t, 1, r.count(signal.KindOffer))
	assert.Equal(t, 1, r.count(signal.KindAnswer))
	require.Eventually(t, func() bool {
		return len(net.Last("a", "b").Applied()) == 1 && len(net.Last("b", "a").Applied()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"candidate:b-0"}, net.Last("a", "b").Applied())
	assert.Equal(t, []string{"candidate:a-0"}, net.Last("b", "a").Applied())
}

func TestGlareConverges(t *testing.T) {
	for i := 0; i < 20; i++ {
		net := rtctest.NewNetwork()
		r := newRouter()
		a := newTestManager(t, net, r, "a", nil)
		b := newTestManager(t, net, r, "b", nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _ = a.Open("b", true) }()
		go func() { defer wg.Done(); _ = b.Open("a", true) }()
		wg.Wait()

		require.Eventually(t, func() bool {
			return stateOf(a, "b") == core.StateConnected && stateOf(b, "a") == core.StateConnected
		}, waitFor, tick, "round %d", i)

		// Exactly one offer was answered.
		assert.Equal(t, 1, r.count(signal.KindAnswer), "round %d", i)
		_, ok := net.Last("a", "b").Remote()
		assert.True(t, ok)
		_, ok = net.Last("b", "a").Remote()
		assert.True(t, ok)
	}
}

func TestOfferOnBusyRecordResets(t *testing.T) {
	net := rtctest.NewNetwork()
	r := newRouter()
	b := newTestManager(t, net, r, "b", nil)

	first := offerFrom(t, "a", "b", "v=0 first")
	require.NoError(t, b.HandleOffer(first))
	require.Eventually(t, func() bool { return stateOf(b, "a") == core.StateConnected }, waitFor, tick)

	second := offerFrom(t, "a", "b", "v=0 second")
	require.NoError(t, b.HandleOffer(second))
	require.Eventually(t, func() bool { return r.count(signal.KindAnswer) == 2 }, waitFor, tick)

	eps := net.Endpoints("b", "a")
	require.Len(t, eps, 2)
	assert.True(t, eps[0].Closed())
	remote, ok := eps[1].Remote()
	require.True(t, ok)
	assert.Equal(t, "v=0 second", remote.SDP)
	answer, ok := r.last(signal.KindAnswer)
	require.True(t, ok)
	p, err := answer.Answer()
	require.NoError(t, err)
	assert.Equal(t, second.ID, p.OfferID)
}

func TestFailureIsIsolated(t *testing.T) {
	net := rtctest.NewNetwork()
	r := newRouter()
	events := &eventLog{}
	a := newTestManager(t, net, r, "a", events)
	peers := []domain.ParticipantID{"b", "c", "d"}
	for _, id := range peers {
		newTestManager(t, net, r, id, nil)
		require.NoError(t, a.Open(id, true))
	}
	require.Eventually(t, func() bool {
		for _, id := range peers {
			if stateOf(a, id) != core.StateConnected {
				return false
			}
		}
		return true
	}, waitFor, tick)

	net.Last("a", "c").Emit(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		_, ok := a.State("c")
		return !ok
	}, waitFor, tick)
	assert.Equal(t, core.StateConnected, stateOf(a, "b"))
	assert.Equal(t, core.StateConnected, stateOf(a, "d"))
	failures := events.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, domain.ParticipantID("c"), failures[0].Peer)
	assert.ErrorIs(t, failures[0].Err, ErrTransportFailure)
	assert.True(t, net.Last("a", "c").Closed())
}

func TestCloseIsIdempotent(t *testing.T) {
	net := rtctest.NewNetwork()
	events := &eventLog{}
	a := newTestManager(t, net, newRouter(), "a", events)

	require.NoError(t, a.Open("b", true))
	a.Close("b")
	a.Close("b")
	a.Close("nobody")
	_, ok := a.State("b")
	assert.False(t, ok)
	assert.True(t, net.Last("a", "b").Closed())

	closedEvents := 0
	events.mu.Lock()
	for _, ev := range events.events {
		if sc, ok := ev.(core.PeerStateChanged); ok && sc.State == core.StateClosed {
			closedEvents++
		}
	}
	events.mu.Unlock()
	assert.Equal(t, 1, closedEvents)

	a.CloseAll()
	a.CloseAll()
	assert.ErrorIs(t, a.Open("c", true), ErrClosed)
	assert.ErrorIs(t, a.HandleOffer(offerFrom(t, "c", "a", "v=0")), ErrClosed)
}

func TestRemoteTrackIsReported(t *testing.T) {
	net := rtctest.NewNetwork()
	events := &eventLog{}
	a := newTestManager(t, net, newRouter(), "a", events)
	require.NoError(t, a.Open("b", false))

	net.Last("a", "b").DeliverTrack(rtctest.Track{TrackID: "audio", Stream: "b", Type: webrtc.RTPCodecTypeAudio})

	events.mu.Lock()
	defer events.mu.Unlock()
	var got []core.RemoteTrackAdded
	for _, ev := range events.events {
		if ta, ok := ev.(core.RemoteTrackAdded); ok {
			got = append(got, ta)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, domain.ParticipantID("b"), got[0].Peer)
	assert.Equal(t, "audio", got[0].Track.ID())
}

func TestAddTrackRenegotiates(t *testing.T) {
	net := rtctest.NewNetwork()
	r := newRouter()
	a := newTestManager(t, net, r, "a", nil)
	b := newTestManager(t, net, r, "b", nil)

	require.NoError(t, a.Open("b", true))
	require.Eventually(t, func() bool {
		return stateOf(a, "b") == core.StateConnected && stateOf(b, "a") == core.StateConnected
	}, waitFor, tick)

	screen, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "a")
	require.NoError(t, err)
	a.AddTrack(screen)

	require.Eventually(t, func() bool { return r.count(signal.KindAnswer) == 2 }, waitFor, tick)
	settle(t, a, "b")

	assert.Equal(t, []string{"screen"}, net.Last("a", "b").Tracks())
	remote, ok := net.Last("b", "a").Remote()
	require.True(t, ok)
	assert.Contains(t, remote.SDP, "screen")
	assert.Len(t, net.Endpoints("b", "a"), 1, "renegotiation keeps the connection")
	assert.Equal(t, core.StateConnected, stateOf(a, "b"))

	a.RemoveTrack("screen")
	require.Eventually(t, func() bool { return r.count(signal.KindAnswer) == 3 }, waitFor, tick)
	assert.Empty(t, net.Last("a", "b").Tracks())
}

func TestTracksAttachToNewRecords(t *testing.T) {
	net := rtctest.NewNetwork()
	a := newTestManager(t, net, newRouter(), "a", nil)

	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "a")
	require.NoError(t, err)
	a.AddTrack(audio)
	require.NoError(t, a.Open("b", true))

	assert.Equal(t, []string{"audio"}, net.Last("a", "b").Tracks())
}

func TestBothSidesAddTracksAtOnce(t *testing.T) {
	for i := 0; i < 10; i++ {
		net := rtctest.NewNetwork()
		r := newRouter()
		events := &eventLog{}
		a := newTestManager(t, net, r, "a", events)
		b := newTestManager(t, net, r, "b", events)

		require.NoError(t, a.Open("b", true))
		require.Eventually(t, func() bool {
			return stateOf(a, "b") == core.StateConnected && stateOf(b, "a") == core.StateConnected
		}, waitFor, tick, "round %d", i)

		camA, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "cam-a", "a")
		require.NoError(t, err)
		camB, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "cam-b", "b")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); a.AddTrack(camA) }()
		go func() { defer wg.Done(); b.AddTrack(camB) }()
		wg.Wait()

		// a's remote description is b's newest answer and the other way round.
		require.Eventually(t, func() bool {
			fromB, okA := net.Last("a", "b").Remote()
			fromA, okB := net.Last("b", "a").Remote()
			return okA && okB &&
				strings.Contains(fromB.SDP, "cam-b") && strings.Contains(fromA.SDP, "cam-a") &&
				r.sentBy("b", signal.KindRenegotiate) == 1 &&
				net.Last("a", "b").SignalingState() == webrtc.SignalingStateStable &&
				net.Last("b", "a").SignalingState() == webrtc.SignalingStateStable
		}, waitFor, tick, "round %d", i)

		assert.Equal(t, core.StateConnected, stateOf(a, "b"), "round %d", i)
		assert.Equal(t, core.StateConnected, stateOf(b, "a"), "round %d", i)
		assert.Len(t, net.Endpoints("a", "b"), 1, "round %d", i)
		assert.Len(t, net.Endpoints("b", "a"), 1, "round %d", i)
		assert.Empty(t, events.failures(), "round %d", i)
		assert.Zero(t, r.sentBy("b", signal.KindOffer), "answering side never offers")
		assert.Equal(t, 1, r.sentBy("b", signal.KindRenegotiate))
		assert.Contains(t, net.Last("a", "b").Receivers(), "video")
	}
}

func TestRenegotiationOfferFromAnsweringSideIsIgnored(t *testing.T) {
	net := rtctest.NewNetwork()
	r := newRouter()
	events := &eventLog{}
	a := newTestManager(t, net, r, "a", events)
	b := newTestManager(t, net, r, "b", nil)

	require.NoError(t, a.Open("b", true))
	require.Eventually(t, func() bool {
		return stateOf(a, "b") == core.StateConnected && stateOf(b, "a") == core.StateConnected
	}, waitFor, tick)

	env, err := signal.New(signal.KindOffer, "b", "a", signal.OfferPayload{SDP: "v=0 from b", Renegotiate: true})
	require.NoError(t, err)
	require.NoError(t, a.HandleOffer(env))
	settle(t, a, "b")

	assert.Equal(t, core.StateConnected, stateOf(a, "b"))
	assert.Equal(t, 1, r.count(signal.KindAnswer))
	assert.Equal(t, webrtc.SignalingStateStable, net.Last("a", "b").SignalingState())
	assert.Empty(t, events.failures())
}

func TestRenegotiationRequestWaitsForFirstAnswer(t *testing.T) {
	net := rtctest.NewNetwork()
	r := newRouter()
	b := newTestManager(t, net, r, "b", nil)

	require.NoError(t, b.Open("a", false))
	cam, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "cam-b", "b")
	require.NoError(t, err)
	b.AddTrack(cam)
	settle(t, b, "a")
	assert.Zero(t, r.count(signal.KindRenegotiate))

	require.NoError(t, b.HandleOffer(offerFrom(t, "a", "b", "v=0 offer")))
	settle(t, b, "a")

	env, ok := r.last(signal.KindRenegotiate)
	require.True(t, ok)
	req, err := env.Renegotiate()
	require.NoError(t, err)
	assert.Equal(t, []string{"video"}, req.Kinds)
	assert.Equal(t, 1, r.count(signal.KindAnswer))
}

func TestReplaceDoesNotBlockOtherPeers(t *testing.T) {
	net := rtctest.NewNetwork()
	r := newRouter()
	b := newTestManager(t, net, r, "b", nil)

	require.NoError(t, b.HandleOffer(offerFrom(t, "a", "b", "v=0 first")))
	require.Eventually(t, func() bool { return stateOf(b, "a") == core.StateConnected }, waitFor, tick)

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	net.Last("b", "a").HoldClose(release)

	require.NoError(t, b.HandleOffer(offerFrom(t, "a", "b", "v=0 second")))
	require.Eventually(t, func() bool { return len(net.Endpoints("b", "a")) == 2 }, waitFor, tick,
		"successor is installed while the old endpoint is still closing")

	opened := make(chan error, 1)
	go func() { opened <- b.Open("c", true) }()
	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("open blocked behind a closing endpoint")
	}
	_, ok := b.State("a")
	assert.True(t, ok)

	unblock()
	require.Eventually(t, func() bool { return r.count(signal.KindAnswer) == 2 }, waitFor, tick)
	assert.True(t, net.Endpoints("b", "a")[0].Closed())
}
