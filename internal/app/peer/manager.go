// Package peer owns the per-peer connection state machines of one local
// participant: one record per remote participant, driven by signal
// envelopes from the mailbox and by connectivity events from the endpoint.
package peer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/signal"
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrOfferGlare          = errors.New("offer glare")
	ErrStaleMessage        = errors.New("stale message")
	ErrTransportFailure    = errors.New("transport failure")
	ErrClosed              = errors.New("peer manager closed")
)

// Sender posts prepared envelopes; *mailbox.Mailbox implements it.
type Sender interface {
	Post(ctx context.Context, env signal.Envelope) error
}

type Config struct {
	Self      domain.ParticipantID
	Endpoints core.EndpointFactory
	Sender    Sender
	// Notify receives state and track events. It must not block.
	Notify func(core.Event)
	// Initiates is the tie-break rule; it decides who keeps its offer on glare.
	// The side whose first offer was answered sends every later offer too.
	Initiates          func(self, other domain.ParticipantID) bool
	CandidateQueueSize int
}

type Manager struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	records map[domain.ParticipantID]*record
	orphans map[domain.ParticipantID]*candidateQueue
	tracks  []webrtc.TrackLocal
	closed  bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Initiates == nil {
		cfg.Initiates = func(a, b domain.ParticipantID) bool { return a < b }
	}
	if cfg.CandidateQueueSize <= 0 {
		cfg.CandidateQueueSize = DefaultCandidateQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  log.With().Str("module", "peer").Str("self", string(cfg.Self)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[domain.ParticipantID]*record),
		orphans: make(map[domain.ParticipantID]*candidateQueue),
	}
}

// Open creates the record for peerID, attaches local media and, when
// asInitiator, sends an offer. A record that already exists is left alone
// and ErrDuplicateConnection is returned.
func (m *Manager) Open(peerID domain.ParticipantID, asInitiator bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.records[peerID]; ok {
		m.mu.Unlock()
		m.logger.Warn().Str("peer", string(peerID)).Msg("open on existing record ignored")
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, peerID)
	}
	rec, err := m.newRecordLocked(peerID, asInitiator, nil)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	// Queued under the lock so the offer precedes any handler for this peer.
	if asInitiator {
		rec.do(func() { m.sendOffer(rec, false) })
	}
	m.mu.Unlock()
	return nil
}

// Restart replaces any record for peerID with a fresh initiator record.
func (m *Manager) Restart(peerID domain.ParticipantID) error {
	m.Close(peerID)
	return m.Open(peerID, true)
}

// Close discards the record for peerID. Unknown or closed peers are a no-op.
func (m *Manager) Close(peerID domain.ParticipantID) {
	m.mu.Lock()
	rec := m.records[peerID]
	delete(m.records, peerID)
	delete(m.orphans, peerID)
	m.mu.Unlock()

	if rec != nil {
		m.shutdown(rec)
	}
}

// CloseAll closes every record and rejects further opens. Safe to call
// while envelope handlers are in flight.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	recs := make([]*record, 0, len(m.records))
	for id, rec := range m.records {
		recs = append(recs, rec)
		delete(m.records, id)
	}
	clear(m.orphans)
	m.mu.Unlock()

	for _, rec := range recs {
		m.shutdown(rec)
	}
	m.cancel()
	m.logger.Info().Int("closed", len(recs)).Msg("all peers closed")
}

// State reports the state of the record for peerID.
func (m *Manager) State(peerID domain.ParticipantID) (core.PeerState, bool) {
	m.mu.Lock()
	rec, ok := m.records[peerID]
	m.mu.Unlock()
	if !ok {
		return core.StateClosed, false
	}
	return rec.State(), true
}

// Peers returns a snapshot of every record's state.
func (m *Manager) Peers() map[domain.ParticipantID]core.PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.ParticipantID]core.PeerState, len(m.records))
	for id, rec := range m.records {
		out[id] = rec.State()
	}
	return out
}

// HandleOffer applies an incoming offer. A record past Idle is replaced by a
// fresh receiver record (reset and retry), except on exact glare where the
// canonical initiator keeps its own offer.
func (m *Manager) HandleOffer(env signal.Envelope) error {
	offer, err := env.Offer()
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	rec, ok := m.records[env.From]
	if !ok {
		rec, err = m.newRecordLocked(env.From, false, nil)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	rec.do(func() { m.applyOffer(rec, env, offer) })
	return nil
}

// HandleAnswer applies an answer to the outstanding local offer. Anything
// else is stale and discarded.
func (m *Manager) HandleAnswer(env signal.Envelope) error {
	answer, err := env.Answer()
	if err != nil {
		return err
	}
	m.mu.Lock()
	rec, ok := m.records[env.From]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn().Err(ErrStaleMessage).Str("peer", string(env.From)).Msg("answer for unknown peer discarded")
		return fmt.Errorf("%w: answer from %s without record", ErrStaleMessage, env.From)
	}
	rec.do(func() { m.applyAnswer(rec, answer) })
	return nil
}

// HandleCandidate applies or queues a remote candidate.
func (m *Manager) HandleCandidate(env signal.Envelope) error {
	cand, err := env.Candidate()
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	rec, ok := m.records[env.From]
	if !ok {
		q, ok := m.orphans[env.From]
		if !ok {
			q = newCandidateQueue(m.cfg.CandidateQueueSize)
			m.orphans[env.From] = q
		}
		if q.push(cand) {
			m.logger.Warn().Str("peer", string(env.From)).Msg("candidate queue full, oldest dropped")
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	rec.do(func() { m.applyCandidate(rec, cand) })
	return nil
}

// HandleRenegotiate reacts to a peer that wants a fresh offer, reserving a
// receive slot for each media kind it asked for.
func (m *Manager) HandleRenegotiate(env signal.Envelope) error {
	req, err := env.Renegotiate()
	if err != nil {
		return err
	}
	m.mu.Lock()
	rec, ok := m.records[env.From]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn().Err(ErrStaleMessage).Str("peer", string(env.From)).Msg("renegotiation request for unknown peer discarded")
		return fmt.Errorf("%w: renegotiate from %s without record", ErrStaleMessage, env.From)
	}
	rec.do(func() { m.applyRenegotiateRequest(rec, req) })
	return nil
}

// AddTrack attaches track to every current and future record and
// renegotiates the established ones.
func (m *Manager) AddTrack(track webrtc.TrackLocal) {
	m.mu.Lock()
	m.tracks = append(m.tracks, track)
	recs := m.snapshotLocked()
	m.mu.Unlock()

	for _, rec := range recs {
		rec.do(func() {
			if err := rec.endpoint.AddLocalTrack(track); err != nil {
				rec.logger.Error().Err(err).Str("track", track.ID()).Msg("add local track")
				return
			}
			m.renegotiate(rec, track.Kind())
		})
	}
}

// RemoveTrack detaches the track with trackID everywhere and renegotiates.
func (m *Manager) RemoveTrack(trackID string) {
	m.mu.Lock()
	m.tracks = slices.DeleteFunc(m.tracks, func(t webrtc.TrackLocal) bool { return t.ID() == trackID })
	recs := m.snapshotLocked()
	m.mu.Unlock()

	for _, rec := range recs {
		rec.do(func() {
			if err := rec.endpoint.RemoveLocalTrack(trackID); err != nil {
				rec.logger.Error().Err(err).Str("track", trackID).Msg("remove local track")
				return
			}
			m.renegotiate(rec)
		})
	}
}

func (m *Manager) snapshotLocked() []*record {
	out := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// newRecordLocked builds a record and starts its executor. carried holds
// candidates inherited from a replaced record. Caller holds m.mu.
func (m *Manager) newRecordLocked(peerID domain.ParticipantID, initiator bool, carried *candidateQueue) (*record, error) {
	endpoint, err := m.cfg.Endpoints.NewEndpoint(string(peerID))
	if err != nil {
		return nil, fmt.Errorf("create endpoint for %s: %w", peerID, err)
	}

	rec := &record{
		peer:      peerID,
		initiator: initiator,
		endpoint:  endpoint,
		ops:       core.NewFIFO[func()](),
		pending:   newCandidateQueue(m.cfg.CandidateQueueSize),
		logger: m.logger.With().
			Str("peer", string(peerID)).
			Bool("initiator", initiator).
			Logger(),
	}
	rec.pending.merge(carried)
	rec.pending.merge(m.orphans[peerID])
	delete(m.orphans, peerID)

	for _, track := range m.tracks {
		if err := endpoint.AddLocalTrack(track); err != nil {
			rec.logger.Error().Err(err).Str("track", track.ID()).Msg("attach local track")
		}
	}

	endpoint.OnCandidate(func(ci webrtc.ICECandidateInit) {
		rec.do(func() { m.sendCandidate(rec, ci) })
	})
	endpoint.OnTrack(func(track core.RemoteTrack) {
		rec.logger.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		m.notify(core.RemoteTrackAdded{Peer: peerID, Track: track})
	})
	endpoint.OnStateChange(func(s webrtc.PeerConnectionState) {
		rec.do(func() { m.onConnectivity(rec, s) })
	})

	m.records[peerID] = rec
	go rec.run()

	rec.logger.Info().Msg("record created")
	m.notify(core.PeerStateChanged{Peer: peerID, State: core.StateIdle})
	return rec, nil
}

// replace closes old and installs a fresh receiver record in its place.
// It runs on old's executor; nil means old was already gone. The old
// record is marked closed before its successor exists, but its endpoint is
// released after m.mu is dropped.
func (m *Manager) replace(old *record) *record {
	m.mu.Lock()
	if m.closed || m.records[old.peer] != old {
		m.mu.Unlock()
		return nil
	}
	delete(m.records, old.peer)
	carried := old.pending
	old.pending = nil
	retired := m.retire(old)
	fresh, err := m.newRecordLocked(old.peer, false, carried)
	m.mu.Unlock()

	if retired {
		m.release(old)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(old.peer)).Msg("recreate record")
		return nil
	}
	return fresh
}

func (m *Manager) shutdown(rec *record) {
	if m.retire(rec) {
		m.release(rec)
	}
}

// retire marks rec closed and stops its executor. It never blocks, so it
// may run under m.mu. It reports false when rec was already closed.
func (m *Manager) retire(rec *record) bool {
	if _, ok := rec.transition(core.StateClosed); !ok {
		return false
	}
	rec.ops.Close()
	m.notify(core.PeerStateChanged{Peer: rec.peer, State: core.StateClosed})
	return true
}

// release tears down the transport of a retired record.
func (m *Manager) release(rec *record) {
	if err := rec.endpoint.Close(); err != nil {
		rec.logger.Error().Err(err).Msg("close endpoint")
	}
	rec.logger.Info().Msg("record closed")
}

// closeRecord removes rec if it is still the current record for its peer.
func (m *Manager) closeRecord(rec *record) {
	m.mu.Lock()
	if m.records[rec.peer] == rec {
		delete(m.records, rec.peer)
	}
	m.mu.Unlock()
	m.shutdown(rec)
}

func (m *Manager) setState(rec *record, s core.PeerState) {
	from, ok := rec.transition(s)
	if !ok {
		return
	}
	rec.logger.Debug().Str("from", from.String()).Str("to", s.String()).Msg("state")
	m.notify(core.PeerStateChanged{Peer: rec.peer, State: s})
}

func (m *Manager) notify(ev core.Event) {
	if m.cfg.Notify != nil {
		m.cfg.Notify(ev)
	}
}

// fail reports a transport-level failure for rec and closes it.
func (m *Manager) fail(rec *record, err error) {
	if rec.State() == core.StateClosed {
		return
	}
	rec.logger.Error().Err(err).Msg("peer failed")
	m.setState(rec, core.StateFailed)
	m.notify(core.TransportFailure{Peer: rec.peer, Err: fmt.Errorf("%w: %v", ErrTransportFailure, err)})
	m.closeRecord(rec)
}

// The methods below run on the record's executor.

func (m *Manager) sendOffer(rec *record, renegotiate bool) {
	if !renegotiate && rec.State() != core.StateIdle {
		return
	}
	if !renegotiate {
		for _, kind := range m.receiveSlots() {
			if err := rec.endpoint.AddReceiver(kind); err != nil {
				rec.logger.Warn().Err(err).Str("kind", kind.String()).Msg("add receive slot")
			}
		}
	}
	offer, err := rec.endpoint.CreateOffer()
	if err != nil {
		m.fail(rec, fmt.Errorf("create offer: %w", err))
		return
	}
	env, err := signal.New(signal.KindOffer, m.cfg.Self, rec.peer, signal.OfferPayload{SDP: offer.SDP, Renegotiate: renegotiate})
	if err != nil {
		m.fail(rec, err)
		return
	}
	rec.localOffer = env.ID
	if renegotiate {
		rec.renegotiating = true
	} else {
		rec.negotiation = env.ID
	}
	if err := rec.endpoint.SetLocalDescription(offer); err != nil {
		m.fail(rec, fmt.Errorf("set local offer: %w", err))
		return
	}
	if !renegotiate {
		m.setState(rec, core.StateOfferCreated)
	}
	if err := m.cfg.Sender.Post(m.ctx, env); err != nil {
		m.fail(rec, fmt.Errorf("send offer: %w", err))
		return
	}
	rec.logger.Info().Str("offer", env.ID).Bool("renegotiate", renegotiate).Msg("offer sent")
}

func (m *Manager) applyOffer(rec *record, env signal.Envelope, offer signal.OfferPayload) {
	state := rec.State()
	if offer.Renegotiate && rec.established() {
		m.applyRenegotiation(rec, env, offer)
		return
	}
	if state == core.StateIdle {
		m.answerOffer(rec, env, offer)
		return
	}
	if state == core.StateOfferCreated && m.cfg.Initiates(m.cfg.Self, rec.peer) {
		rec.logger.Warn().Err(ErrOfferGlare).Str("offer", env.ID).Msg("keeping local offer, remote offer ignored")
		return
	}

	rec.logger.Info().Str("state", state.String()).Str("offer", env.ID).Msg("resetting record for incoming offer")
	fresh := m.replace(rec)
	if fresh == nil {
		return
	}
	fresh.do(func() { m.answerOffer(fresh, env, offer) })
}

// receiveSlots lists the media kinds no local track sends, so the first
// offer still leaves room for the remote side to send them.
func (m *Manager) receiveSlots() []webrtc.RTPCodecType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []webrtc.RTPCodecType
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if !slices.ContainsFunc(m.tracks, func(t webrtc.TrackLocal) bool { return t.Kind() == kind }) {
			out = append(out, kind)
		}
	}
	return out
}

func (m *Manager) answerOffer(rec *record, env signal.Envelope, offer signal.OfferPayload) {
	rec.negotiation = env.ID
	rec.initiator = false
	m.setState(rec, core.StateOfferReceived)
	if err := rec.endpoint.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		m.fail(rec, fmt.Errorf("set remote offer: %w", err))
		return
	}
	rec.remoteSet = true
	m.flushCandidates(rec)

	if !m.sendAnswer(rec, env.ID) {
		return
	}
	m.setState(rec, core.StateAnswerExchanged)
	m.negotiationDone(rec)
}

func (m *Manager) sendAnswer(rec *record, offerID string) bool {
	answer, err := rec.endpoint.CreateAnswer()
	if err != nil {
		m.fail(rec, fmt.Errorf("create answer: %w", err))
		return false
	}
	if err := rec.endpoint.SetLocalDescription(answer); err != nil {
		m.fail(rec, fmt.Errorf("set local answer: %w", err))
		return false
	}
	env, err := signal.New(signal.KindAnswer, m.cfg.Self, rec.peer, signal.AnswerPayload{SDP: answer.SDP, OfferID: offerID})
	if err != nil {
		m.fail(rec, err)
		return false
	}
	if err := m.cfg.Sender.Post(m.ctx, env); err != nil {
		m.fail(rec, fmt.Errorf("send answer: %w", err))
		return false
	}
	rec.logger.Info().Str("offer", offerID).Msg("answer sent")
	return true
}

// applyRenegotiation answers an offer for an established connection. Only
// the side that offered first sends such offers; if both did, ours stands.
func (m *Manager) applyRenegotiation(rec *record, env signal.Envelope, offer signal.OfferPayload) {
	if rec.initiator || rec.renegotiating {
		rec.logger.Warn().Err(ErrOfferGlare).Str("offer", env.ID).Msg("renegotiation offer from answering side ignored")
		return
	}
	if err := rec.endpoint.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		m.fail(rec, fmt.Errorf("set remote renegotiation offer: %w", err))
		return
	}
	if !m.sendAnswer(rec, env.ID) {
		return
	}
	m.negotiationDone(rec)
}

func (m *Manager) applyAnswer(rec *record, answer signal.AnswerPayload) {
	state := rec.State()
	initial := state == core.StateOfferCreated
	if (!initial && !rec.renegotiating) || answer.OfferID != rec.localOffer {
		rec.logger.Warn().
			Err(ErrStaleMessage).
			Str("state", state.String()).
			Str("offer", answer.OfferID).
			Msg("answer discarded")
		return
	}
	if err := rec.endpoint.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		m.fail(rec, fmt.Errorf("set remote answer: %w", err))
		return
	}
	rec.localOffer = ""
	if initial {
		rec.remoteSet = true
		m.flushCandidates(rec)
		m.setState(rec, core.StateAnswerExchanged)
	} else {
		rec.renegotiating = false
	}
	rec.logger.Info().Str("offer", answer.OfferID).Msg("answer applied")
	m.negotiationDone(rec)
}

// renegotiate sends a renegotiation offer, or defers it until the current
// negotiation completes. The answering side asks for the offer instead, so
// the two sides never offer at once. kinds are media kinds newly sent.
func (m *Manager) renegotiate(rec *record, kinds ...webrtc.RTPCodecType) {
	if !rec.initiator {
		rec.wantKinds = append(rec.wantKinds, kinds...)
		if !rec.established() {
			rec.renegotiateAgain = true
			return
		}
		m.requestRenegotiation(rec)
		return
	}
	if !rec.established() || rec.renegotiating {
		rec.renegotiateAgain = true
		return
	}
	m.sendOffer(rec, true)
}

func (m *Manager) requestRenegotiation(rec *record) {
	kinds := rec.wantKinds
	rec.wantKinds = nil
	env, err := signal.New(signal.KindRenegotiate, m.cfg.Self, rec.peer, signal.NewRenegotiatePayload(kinds...))
	if err != nil {
		rec.logger.Error().Err(err).Msg("build renegotiation request")
		return
	}
	if err := m.cfg.Sender.Post(m.ctx, env); err != nil {
		m.fail(rec, fmt.Errorf("send renegotiation request: %w", err))
		return
	}
	rec.logger.Info().Int("kinds", len(kinds)).Msg("renegotiation requested")
}

func (m *Manager) applyRenegotiateRequest(rec *record, req signal.RenegotiatePayload) {
	if !rec.initiator {
		rec.logger.Warn().Err(ErrStaleMessage).Msg("renegotiation request on answering side discarded")
		return
	}
	for _, kind := range req.Codecs() {
		if err := rec.endpoint.AddReceiver(kind); err != nil {
			rec.logger.Warn().Err(err).Str("kind", kind.String()).Msg("add receive slot")
		}
	}
	m.renegotiate(rec)
}

func (m *Manager) negotiationDone(rec *record) {
	if !rec.renegotiateAgain {
		return
	}
	rec.renegotiateAgain = false
	m.renegotiate(rec)
}

func (m *Manager) applyCandidate(rec *record, cand signal.CandidatePayload) {
	if !rec.remoteSet {
		if rec.pending.push(cand) {
			rec.logger.Warn().Int("limit", rec.pending.limit).Msg("candidate queue full, oldest dropped")
		}
		return
	}
	m.addCandidate(rec, cand)
}

func (m *Manager) flushCandidates(rec *record) {
	dropped := rec.pending.dropped
	queued := rec.pending.drain()
	for _, cand := range queued {
		m.addCandidate(rec, cand)
	}
	if len(queued) > 0 || dropped > 0 {
		rec.logger.Debug().Int("count", len(queued)).Int("dropped", dropped).Msg("queued candidates flushed")
	}
}

func (m *Manager) addCandidate(rec *record, cand signal.CandidatePayload) {
	if cand.Negotiation != "" && cand.Negotiation != rec.negotiation {
		rec.logger.Debug().Err(ErrStaleMessage).Str("negotiation", cand.Negotiation).Msg("candidate from another negotiation")
		return
	}
	if err := rec.endpoint.AddCandidate(cand.Init()); err != nil {
		rec.logger.Warn().Err(err).Msg("add candidate")
	}
}

func (m *Manager) sendCandidate(rec *record, ci webrtc.ICECandidateInit) {
	env, err := signal.New(signal.KindCandidate, m.cfg.Self, rec.peer, signal.NewCandidatePayload(ci, rec.negotiation))
	if err != nil {
		rec.logger.Error().Err(err).Msg("build candidate")
		return
	}
	if err := m.cfg.Sender.Post(m.ctx, env); err != nil {
		rec.logger.Warn().Err(err).Msg("send candidate")
	}
}

func (m *Manager) onConnectivity(rec *record, s webrtc.PeerConnectionState) {
	if !rec.remoteSet {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		m.setState(rec, core.StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		m.setState(rec, core.StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		m.setState(rec, core.StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		m.fail(rec, errors.New("connectivity failed"))
	}
}
