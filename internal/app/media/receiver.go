package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

// IncomingTrack is a remote track that can be read packet by packet.
// rtc.RemoteTrack satisfies it.
type IncomingTrack interface {
	ID() string
	PacketSource
}

// ReceiveStats counts what arrived on one remote track.
type ReceiveStats struct {
	Packets uint64
	Bytes   uint64
}

type drain struct {
	track   IncomingTrack
	packets atomic.Uint64
	bytes   atomic.Uint64
	cancel  context.CancelFunc
}

// Receiver drains remote tracks so their buffers never fill, keeping
// per-track counters. Tracks are grouped by peer.
type Receiver struct {
	mu     sync.RWMutex
	drains map[domain.ParticipantID]map[string]*drain
}

func NewReceiver() *Receiver {
	return &Receiver{drains: make(map[domain.ParticipantID]map[string]*drain)}
}

// Start begins draining track for peer. A track with the same id replaces
// the previous one.
func (r *Receiver) Start(ctx context.Context, peer domain.ParticipantID, track IncomingTrack) {
	logger := log.With().
		Str("module", "media.receiver").
		Str("peer", string(peer)).
		Str("track", track.ID()).
		Logger()

	dctx, cancel := context.WithCancel(ctx)
	d := &drain{track: track, cancel: cancel}

	r.mu.Lock()
	tracks, ok := r.drains[peer]
	if !ok {
		tracks = make(map[string]*drain)
		r.drains[peer] = tracks
	}
	if old, ok := tracks[track.ID()]; ok {
		logger.Info().Msg("replacing existing drain for track")
		old.cancel()
	}
	tracks[track.ID()] = d
	r.mu.Unlock()

	logger.Info().Msg("starting drain loop")
	go r.loop(dctx, peer, d, &logger)
}

func (r *Receiver) loop(ctx context.Context, peer domain.ParticipantID, d *drain, logger *zerolog.Logger) {
	defer r.remove(peer, d)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("drain ctx done")
			return
		default:
		}
		pkt, err := d.track.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Uint64("packets", d.packets.Load()).Msg("remote track ended")
			return
		}
		d.packets.Add(1)
		d.bytes.Add(uint64(len(pkt.Payload)))
	}
}

func (r *Receiver) remove(peer domain.ParticipantID, d *drain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracks := r.drains[peer]
	if tracks[d.track.ID()] == d {
		delete(tracks, d.track.ID())
	}
	if len(tracks) == 0 {
		delete(r.drains, peer)
	}
}

// StopPeer stops every drain of peer. Reads already blocked end when the
// underlying connection closes.
func (r *Receiver) StopPeer(peer domain.ParticipantID) {
	r.mu.Lock()
	tracks := r.drains[peer]
	delete(r.drains, peer)
	r.mu.Unlock()
	for _, d := range tracks {
		d.cancel()
	}
}

// Stats sums the counters of every active track of peer.
func (r *Receiver) Stats(peer domain.ParticipantID) ReceiveStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s ReceiveStats
	for _, d := range r.drains[peer] {
		s.Packets += d.packets.Load()
		s.Bytes += d.bytes.Load()
	}
	return s
}

func (r *Receiver) Close() {
	r.mu.Lock()
	all := r.drains
	r.drains = make(map[domain.ParticipantID]map[string]*drain)
	r.mu.Unlock()
	for _, tracks := range all {
		for _, d := range tracks {
			d.cancel()
		}
	}
}
