package media

import (
	"context"
	"io"
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	opusFrame        = 20 * time.Millisecond
	opusSamplesFrame = 48000 / 1000 * 20
	opusPayloadType  = 111
)

// opusSilence is the Opus TOC and payload of one 20 ms silent frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// OpusCodec is the audio capability used for local audio tracks.
var OpusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}

// SilenceSource produces one silent Opus packet per 20 ms frame until ctx is
// cancelled. It keeps audio flowing for headless participants.
type SilenceSource struct {
	ctx    context.Context
	ticker *time.Ticker
	ssrc   uint32
	seq    uint16
	ts     uint32
}

func NewSilenceSource(ctx context.Context) *SilenceSource {
	return &SilenceSource{
		ctx:    ctx,
		ticker: time.NewTicker(opusFrame),
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.Uint32()),
		ts:     rand.Uint32(),
	}
}

// ReadRTP blocks until the next frame is due. It returns io.EOF once ctx is done.
func (s *SilenceSource) ReadRTP() (*rtp.Packet, error) {
	if s.ctx.Err() != nil {
		s.ticker.Stop()
		return nil, io.EOF
	}
	select {
	case <-s.ctx.Done():
		s.ticker.Stop()
		return nil, io.EOF
	case <-s.ticker.C:
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: opusSilence,
	}
	s.seq++
	s.ts += opusSamplesFrame
	return pkt, nil
}
