// Package mesh decides which participant opens which connection so the
// session converges to a complete graph with one connection per pair.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/app/peer"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/signal"
)

const (
	DefaultOfferGrace       = 3 * time.Second
	DefaultMaxOfferRequests = 3
)

// ShouldInitiate reports whether self opens the connection to other.
// Exactly one of ShouldInitiate(a, b) and ShouldInitiate(b, a) holds for a != b.
func ShouldInitiate(self, other domain.ParticipantID) bool {
	return self < other
}

// Connections is the part of the peer manager the policy drives.
type Connections interface {
	Open(peerID domain.ParticipantID, asInitiator bool) error
	Close(peerID domain.ParticipantID)
	Restart(peerID domain.ParticipantID) error
	State(peerID domain.ParticipantID) (core.PeerState, bool)
	Peers() map[domain.ParticipantID]core.PeerState
}

// Requester sends envelopes without payload preparation; *mailbox.Mailbox implements it.
type Requester interface {
	Send(ctx context.Context, to domain.ParticipantID, kind signal.Kind, payload any) (signal.Envelope, error)
}

type Config struct {
	Self domain.ParticipantID
	// OfferGrace is how long a non-initiator waits for an offer before
	// asking for one. Each further request doubles the wait.
	OfferGrace       time.Duration
	MaxOfferRequests int
	Notify           func(core.Event)
}

type grace struct {
	timer    *time.Timer
	attempts int
	delay    time.Duration
}

type Policy struct {
	cfg    Config
	conns  Connections
	req    Requester
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[domain.ParticipantID]*grace
	stopped bool
}

func New(cfg Config, conns Connections, req Requester) *Policy {
	if cfg.OfferGrace <= 0 {
		cfg.OfferGrace = DefaultOfferGrace
	}
	if cfg.MaxOfferRequests <= 0 {
		cfg.MaxOfferRequests = DefaultMaxOfferRequests
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Policy{
		cfg:     cfg,
		conns:   conns,
		req:     req,
		logger:  log.With().Str("module", "mesh").Str("self", string(cfg.Self)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[domain.ParticipantID]*grace),
	}
}

func (p *Policy) ParticipantJoined(part domain.Participant) {
	if part.ID == p.cfg.Self {
		return
	}
	p.connect(part.ID)
}

func (p *Policy) ParticipantLeft(id domain.ParticipantID) {
	if id == p.cfg.Self {
		return
	}
	p.disarm(id)
	p.conns.Close(id)
	p.logger.Info().Str("peer", string(id)).Msg("participant left")
}

// ParticipantUpdated never touches connections.
func (p *Policy) ParticipantUpdated(part domain.Participant) {
	if p.cfg.Notify != nil {
		p.cfg.Notify(core.ParticipantUpdated{Participant: part})
	}
}

// Sweep reconciles connections against the full roster: pairs without a
// live record are (re)joined and records of absent peers are closed.
func (p *Policy) Sweep(roster []domain.Participant) {
	present := make(map[domain.ParticipantID]struct{}, len(roster))
	opened := 0
	for _, part := range roster {
		if part.ID == p.cfg.Self {
			continue
		}
		present[part.ID] = struct{}{}
		if s, ok := p.conns.State(part.ID); ok && s.Live() {
			continue
		}
		p.connect(part.ID)
		opened++
	}

	closed := 0
	for id := range p.conns.Peers() {
		if _, ok := present[id]; ok {
			continue
		}
		p.disarm(id)
		p.conns.Close(id)
		closed++
	}
	if opened > 0 || closed > 0 {
		p.logger.Info().Int("roster", len(present)).Int("joined", opened).Int("closed", closed).Msg("sweep")
	}
}

// RequestOfferReceived handles a peer asking us to (re)send an offer.
func (p *Policy) RequestOfferReceived(from domain.ParticipantID) {
	if !ShouldInitiate(p.cfg.Self, from) {
		p.logger.Warn().Err(peer.ErrStaleMessage).Str("peer", string(from)).Msg("offer request from initiator ignored")
		return
	}
	p.logger.Info().Str("peer", string(from)).Msg("offer requested, restarting")
	if err := p.conns.Restart(from); err != nil {
		p.logger.Warn().Err(err).Str("peer", string(from)).Msg("restart")
	}
}

// PeerFailed forgets request bookkeeping for id so the next sweep starts
// the pair over with a full grace budget.
func (p *Policy) PeerFailed(id domain.ParticipantID) {
	p.disarm(id)
	p.logger.Info().Str("peer", string(id)).Msg("peer failed, awaiting resync")
}

// Stop cancels every grace timer. The policy is unusable afterwards.
func (p *Policy) Stop() {
	p.mu.Lock()
	p.stopped = true
	for id, g := range p.pending {
		g.timer.Stop()
		delete(p.pending, id)
	}
	p.mu.Unlock()
	p.cancel()
}

func (p *Policy) connect(id domain.ParticipantID) {
	if ShouldInitiate(p.cfg.Self, id) {
		err := p.conns.Open(id, true)
		switch {
		case errors.Is(err, peer.ErrDuplicateConnection):
			p.logger.Debug().Str("peer", string(id)).Msg("already connecting")
		case err != nil:
			p.logger.Error().Err(err).Str("peer", string(id)).Msg("open")
		}
		return
	}
	p.arm(id)
}

// arm starts the offer grace timer for id unless one is running.
func (p *Policy) arm(id domain.ParticipantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, ok := p.pending[id]; ok {
		return
	}
	g := &grace{delay: p.cfg.OfferGrace}
	g.timer = time.AfterFunc(g.delay, func() { p.expire(id, g) })
	p.pending[id] = g
}

func (p *Policy) disarm(id domain.ParticipantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.pending[id]; ok {
		g.timer.Stop()
		delete(p.pending, id)
	}
}

func (p *Policy) expire(id domain.ParticipantID, g *grace) {
	p.mu.Lock()
	if p.stopped || p.pending[id] != g {
		p.mu.Unlock()
		return
	}
	if s, ok := p.conns.State(id); ok && s != core.StateIdle {
		delete(p.pending, id)
		p.mu.Unlock()
		return
	}
	g.attempts++
	attempt := g.attempts
	if g.attempts < p.cfg.MaxOfferRequests {
		g.delay *= 2
		g.timer = time.AfterFunc(g.delay, func() { p.expire(id, g) })
	} else {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	p.logger.Info().Str("peer", string(id)).Int("attempt", attempt).Msg("no offer within grace, requesting one")
	if _, err := p.req.Send(p.ctx, id, signal.KindRequestOffer, nil); err != nil {
		p.logger.Warn().Err(err).Str("peer", string(id)).Msg("send offer request")
	}
}
