// Package session ties the mesh components together for one joined
// session: the mailbox listener, the roster watch, the connection policy
// and the peer manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/app/mailbox"
	"github.com/dkeye/VoiceMesh/internal/app/media"
	"github.com/dkeye/VoiceMesh/internal/app/mesh"
	"github.com/dkeye/VoiceMesh/internal/app/peer"
	"github.com/dkeye/VoiceMesh/internal/app/roster"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/signal"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrLeft           = errors.New("session left")
)

const (
	DefaultResyncInterval = 30 * time.Second
	leaveTimeout          = 5 * time.Second
)

type Config struct {
	Session domain.SessionID
	Self    domain.Participant
	// Host creates the session metadata with Self as host when none exists.
	Host     bool
	RoomCode string

	Store     core.Store
	Endpoints core.EndpointFactory

	OfferGrace         time.Duration
	MaxOfferRequests   int
	ResyncInterval     time.Duration
	CandidateQueueSize int
	Backpressure       Policy
}

type MeshSession struct {
	cfg    Config
	logger zerolog.Logger

	mailbox *mailbox.Mailbox
	peers   *peer.Manager
	policy  *mesh.Policy
	roster  *roster.Sync
	capture *media.Capture
	events  *fanout

	mu      sync.Mutex
	self    domain.Participant
	started bool
	left    bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *MeshSession {
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	s := &MeshSession{
		cfg:    cfg,
		self:   cfg.Self,
		events: newFanout(cfg.Backpressure),
		logger: log.With().
			Str("module", "session").
			Str("session", string(cfg.Session)).
			Str("self", string(cfg.Self.ID)).
			Logger(),
	}
	s.mailbox = mailbox.New(cfg.Store, cfg.Session, cfg.Self.ID)
	s.roster = roster.New(cfg.Store, cfg.Session)
	s.capture = media.NewCapture(string(cfg.Self.ID), s.publish)
	s.peers = peer.NewManager(peer.Config{
		Self:               cfg.Self.ID,
		Endpoints:          cfg.Endpoints,
		Sender:             s.mailbox,
		Notify:             s.onPeerEvent,
		Initiates:          mesh.ShouldInitiate,
		CandidateQueueSize: cfg.CandidateQueueSize,
	})
	s.policy = mesh.New(mesh.Config{
		Self:             cfg.Self.ID,
		OfferGrace:       cfg.OfferGrace,
		MaxOfferRequests: cfg.MaxOfferRequests,
		Notify:           s.publish,
	}, s.peers, s.mailbox)
	return s
}

// Start joins the roster and begins reacting to roster changes and
// incoming envelopes. It returns once the background loops are running.
func (s *MeshSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.left:
		return ErrLeft
	case s.started:
		return ErrAlreadyStarted
	}

	if s.cfg.Host {
		if err := s.ensureInfo(ctx); err != nil {
			return err
		}
	}
	// Envelopes left over from an earlier visit belong to dead negotiations.
	s.mailbox.Purge(ctx)
	if err := s.roster.Join(ctx, s.self); err != nil {
		return fmt.Errorf("join roster: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.goRun("mailbox", func() error { return s.mailbox.Listen(runCtx, s.dispatch) })
	s.goRun("roster", func() error { return s.roster.Run(runCtx, rosterHandler{s}) })
	s.goRun("session info", func() error { return s.roster.WatchInfo(runCtx, s.onInfo) })
	s.goRun("resync", func() error { s.resync(runCtx); return nil })

	s.logger.Info().Msg("session started")
	return nil
}

func (s *MeshSession) ensureInfo(ctx context.Context) error {
	_, ok, err := s.roster.Info(ctx)
	if err != nil || ok {
		return err
	}
	return s.roster.SetInfo(ctx, domain.SessionInfo{
		ID:       s.cfg.Session,
		HostID:   s.self.ID,
		RoomCode: s.cfg.RoomCode,
	})
}

func (s *MeshSession) goRun(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("loop", name).Msg("loop stopped")
		}
	}()
}

func (s *MeshSession) resync(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.policy.Sweep(s.roster.Snapshot())
		}
	}
}

// dispatch routes one envelope. Handlers only enqueue work, so the
// mailbox listener never waits on a handshake.
func (s *MeshSession) dispatch(env signal.Envelope) {
	var err error
	switch env.Kind {
	case signal.KindOffer:
		err = s.peers.HandleOffer(env)
	case signal.KindAnswer:
		err = s.peers.HandleAnswer(env)
	case signal.KindCandidate:
		err = s.peers.HandleCandidate(env)
	case signal.KindRenegotiate:
		err = s.peers.HandleRenegotiate(env)
	case signal.KindRequestOffer:
		s.policy.RequestOfferReceived(env.From)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(env.Kind)).Str("from", string(env.From)).Msg("envelope rejected")
	}
}

func (s *MeshSession) onPeerEvent(ev core.Event) {
	if f, ok := ev.(core.TransportFailure); ok {
		s.policy.PeerFailed(f.Peer)
	}
	s.publish(ev)
}

func (s *MeshSession) onInfo(info domain.SessionInfo) {
	if !info.Ended {
		return
	}
	s.logger.Info().Msg("session ended by host")
	s.publish(core.SessionEnded{Session: s.cfg.Session})
	// Leave waits for this loop, so it must run elsewhere.
	go func() {
		if err := s.Leave(); err != nil {
			s.logger.Warn().Err(err).Msg("leave after end")
		}
	}()
}

func (s *MeshSession) publish(ev core.Event) { s.events.publish(ev) }

// Subscribe returns a channel of session events and a function that ends
// the subscription. Events are dropped for a subscriber whose buffer is full.
func (s *MeshSession) Subscribe(buffer int) (<-chan core.Event, func()) {
	return s.events.subscribe(buffer)
}

// Leave removes the local participant, closes every connection and stops
// all loops. Safe to call more than once and while handlers are running.
func (s *MeshSession) Leave() error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	s.policy.Stop()
	s.peers.CloseAll()
	s.capture.Close()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var err error
	if started {
		ctx, done := context.WithTimeout(context.Background(), leaveTimeout)
		err = s.roster.Leave(ctx)
		s.mailbox.Purge(ctx)
		done()
	}
	s.events.close()
	s.logger.Info().Msg("session left")
	return err
}

// End closes the session for everyone. Only the host may end it.
func (s *MeshSession) End(ctx context.Context) error {
	if err := s.roster.End(ctx, s.cfg.Self.ID); err != nil {
		return err
	}
	return s.Leave()
}

// ToggleMute flips the local microphone state and reports the new state.
func (s *MeshSession) ToggleMute(ctx context.Context) (bool, error) {
	return s.toggle(ctx, media.TrackAudio, func(p *domain.Participant) *bool { return &p.Muted })
}

// ToggleCamera flips the local camera state and reports whether it is now off.
func (s *MeshSession) ToggleCamera(ctx context.Context) (bool, error) {
	return s.toggle(ctx, media.TrackVideo, func(p *domain.Participant) *bool { return &p.CameraOff })
}

func (s *MeshSession) toggle(ctx context.Context, track string, field func(*domain.Participant) *bool) (bool, error) {
	s.mu.Lock()
	if !s.started || s.left {
		s.mu.Unlock()
		return false, ErrNotStarted
	}
	next := s.self
	flag := field(&next)
	*flag = !*flag
	state := *flag
	s.mu.Unlock()

	// Connections stay up; only forwarding stops.
	if err := s.capture.SetMuted(track, state); err != nil && !errors.Is(err, media.ErrUnknownTrack) {
		return !state, err
	}
	if err := s.roster.Update(ctx, next); err != nil {
		_ = s.capture.SetMuted(track, !state)
		return !state, err
	}
	s.mu.Lock()
	s.self = next
	s.mu.Unlock()
	s.logger.Info().Str("track", track).Bool("off", state).Msg("toggled")
	return state, nil
}

// Rename changes the local display name; other members see it as an update.
func (s *MeshSession) Rename(ctx context.Context, name string) error {
	s.mu.Lock()
	if !s.started || s.left {
		s.mu.Unlock()
		return ErrNotStarted
	}
	next := s.self
	s.mu.Unlock()

	if err := next.SetDisplayName(name); err != nil {
		return err
	}
	if err := s.roster.Update(ctx, next); err != nil {
		return err
	}
	s.mu.Lock()
	s.self.DisplayName = next.DisplayName
	s.mu.Unlock()
	s.logger.Info().Str("name", name).Msg("rename")
	return nil
}

// AttachSource adds a shared local track fed by src and attaches it to
// every connection. Microphone and camera tracks start in the state the
// participant already announced.
func (s *MeshSession) AttachSource(ctx context.Context, id string, codec webrtc.RTPCodecCapability, src media.PacketSource) error {
	track, err := s.capture.Attach(ctx, id, codec, src)
	if err != nil {
		return err
	}
	self := s.Self()
	switch id {
	case media.TrackAudio:
		err = s.capture.SetMuted(id, self.Muted)
	case media.TrackVideo:
		err = s.capture.SetMuted(id, self.CameraOff)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("track", id).Msg("apply mute state")
	}
	s.peers.AddTrack(track)
	return nil
}

// Muted reports whether forwarding of the local track id is paused.
func (s *MeshSession) Muted(id string) bool {
	return s.capture.Muted(id)
}

// StartScreenShare adds the screen track and renegotiates every connection in place.
func (s *MeshSession) StartScreenShare(ctx context.Context, codec webrtc.RTPCodecCapability, src media.PacketSource) error {
	return s.AttachSource(ctx, media.TrackScreen, codec, src)
}

func (s *MeshSession) StopScreenShare() error {
	if err := s.capture.Detach(media.TrackScreen); err != nil {
		return err
	}
	s.peers.RemoveTrack(media.TrackScreen)
	return nil
}

// Peers reports the state of every connection.
func (s *MeshSession) Peers() map[domain.ParticipantID]core.PeerState {
	return s.peers.Peers()
}

func (s *MeshSession) Roster() []domain.Participant {
	return s.roster.Snapshot()
}

func (s *MeshSession) Self() domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

type rosterHandler struct{ s *MeshSession }

func (h rosterHandler) Snapshot(list []domain.Participant) {
	h.s.publish(core.RosterChanged{Participants: list})
	h.s.policy.Sweep(list)
}

func (h rosterHandler) Joined(p domain.Participant) {
	h.s.publish(core.RosterChanged{Participants: h.s.roster.Snapshot()})
	h.s.policy.ParticipantJoined(p)
}

func (h rosterHandler) Left(id domain.ParticipantID) {
	h.s.publish(core.RosterChanged{Participants: h.s.roster.Snapshot()})
	h.s.policy.ParticipantLeft(id)
}

func (h rosterHandler) Updated(p domain.Participant) {
	h.s.publish(core.RosterChanged{Participants: h.s.roster.Snapshot()})
	h.s.policy.ParticipantUpdated(p)
}
