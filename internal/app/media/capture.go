// Package media fans local capture sources out to the tracks every peer
// connection shares.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
)

var (
	ErrNoSource     = errors.New("no capture source")
	ErrTrackExists  = errors.New("track already attached")
	ErrUnknownTrack = errors.New("unknown track")
)

const (
	TrackAudio  = "audio"
	TrackVideo  = "video"
	TrackScreen = "screen"
)

// PacketSource yields RTP packets until it fails or is exhausted.
// *webrtc.TrackRemote can be adapted with a one-line wrapper.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// LocalTrack is one shared outgoing track and its forwarding state.
type LocalTrack struct {
	Track  *webrtc.TrackLocalStaticRTP
	state  atomic.Int32
	cancel context.CancelFunc
}

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) Muted() bool { return t.State() == TrackStateMuted }

// Capture owns the local tracks of one participant. Muting only stops
// forwarding; tracks stay attached to every connection.
type Capture struct {
	streamID string
	notify   func(core.Event)
	logger   zerolog.Logger

	mu     sync.Mutex
	tracks map[string]*LocalTrack
}

func NewCapture(streamID string, notify func(core.Event)) *Capture {
	return &Capture{
		streamID: streamID,
		notify:   notify,
		logger:   log.With().Str("module", "media").Str("stream", streamID).Logger(),
		tracks:   make(map[string]*LocalTrack),
	}
}

// Attach creates the shared track id and starts forwarding src into it.
// A nil src is reported as a MediaError and ErrNoSource.
func (c *Capture) Attach(ctx context.Context, id string, codec webrtc.RTPCodecCapability, src PacketSource) (*webrtc.TrackLocalStaticRTP, error) {
	if src == nil {
		err := fmt.Errorf("%w: %s", ErrNoSource, id)
		c.report(err)
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, c.streamID)
	if err != nil {
		c.report(err)
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.tracks[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTrackExists, id)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	lt := &LocalTrack{Track: track, cancel: cancel}
	c.tracks[id] = lt
	c.mu.Unlock()

	go c.forward(loopCtx, id, lt, src)
	c.logger.Info().Str("track", id).Str("codec", codec.MimeType).Msg("track attached")
	return track, nil
}

// forward reads packets from src and writes them to the track unless muted.
func (c *Capture) forward(ctx context.Context, id string, lt *LocalTrack, src PacketSource) {
	logger := c.logger.With().Str("track", id).Logger()
	for {
		select {
		case <-ctx.Done():
			lt.state.Store(int32(TrackStateStopped))
			logger.Debug().Msg("forwarding stopped")
			return
		default:
		}
		pkt, err := src.ReadRTP()
		if err != nil {
			lt.state.Store(int32(TrackStateStopped))
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("capture read failed, stopping")
				c.report(fmt.Errorf("read %s: %w", id, err))
			}
			return
		}
		switch lt.State() {
		case TrackStateMuted:
		case TrackStateStopped:
			return
		case TrackStateOk:
			if err := lt.Track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Msg("write RTP")
			}
		}
	}
}

// Detach stops forwarding for id and forgets the track.
func (c *Capture) Detach(id string) error {
	c.mu.Lock()
	lt, ok := c.tracks[id]
	delete(c.tracks, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	lt.cancel()
	c.logger.Info().Str("track", id).Msg("track detached")
	return nil
}

// SetMuted flips forwarding for id without touching connections.
func (c *Capture) SetMuted(id string, muted bool) error {
	c.mu.Lock()
	lt, ok := c.tracks[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	from, to := TrackStateOk, TrackStateMuted
	if !muted {
		from, to = TrackStateMuted, TrackStateOk
	}
	lt.state.CompareAndSwap(int32(from), int32(to))
	return nil
}

// Muted reports whether forwarding for id is paused.
func (c *Capture) Muted(id string) bool {
	c.mu.Lock()
	lt, ok := c.tracks[id]
	c.mu.Unlock()
	return ok && lt.Muted()
}

// Close stops every forwarding loop. A loop blocked in ReadRTP exits once
// its source returns.
func (c *Capture) Close() {
	c.mu.Lock()
	tracks := c.tracks
	c.tracks = make(map[string]*LocalTrack)
	c.mu.Unlock()
	for _, lt := range tracks {
		lt.cancel()
	}
}

func (c *Capture) report(err error) {
	c.logger.Error().Err(err).Msg("media error")
	if c.notify != nil {
		c.notify(core.MediaError{Err: err})
	}
}
