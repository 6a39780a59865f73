package peer

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// record is the connection state machine for one remote peer.
// Fields below state are owned by the record's executor goroutine; only
// state is read from other goroutines.
type record struct {
	peer     domain.ParticipantID
	endpoint core.Endpoint
	ops      *core.FIFO[func()]
	logger   zerolog.Logger

	state atomic.Int32

	// initiator is set while the local side's offer opened the connection;
	// only that side sends renegotiation offers.
	initiator bool

	// negotiation is the offer id this connection was negotiated with.
	negotiation string
	// localOffer is the id of the local offer awaiting an answer.
	localOffer string
	remoteSet  bool
	pending    *candidateQueue

	renegotiating    bool
	renegotiateAgain bool
	// wantKinds are media kinds to announce with the next renegotiation request.
	wantKinds []webrtc.RTPCodecType
}

func (r *record) State() core.PeerState { return core.PeerState(r.state.Load()) }

// transition moves to the given state unless the record is closed or already there.
func (r *record) transition(to core.PeerState) (core.PeerState, bool) {
	for {
		cur := core.PeerState(r.state.Load())
		if cur == core.StateClosed || cur == to {
			return cur, false
		}
		if r.state.CompareAndSwap(int32(cur), int32(to)) {
			return cur, true
		}
	}
}

// do schedules op on the record's executor. Ops of one record run strictly
// in order; ops scheduled after close are dropped.
func (r *record) do(op func()) bool {
	return r.ops.Push(func() {
		if r.State() == core.StateClosed {
			return
		}
		op()
	})
}

func (r *record) run() {
	for op := range r.ops.Out() {
		op()
	}
}

// established reports whether the initial negotiation finished.
func (r *record) established() bool {
	switch r.State() {
	case core.StateAnswerExchanged, core.StateConnecting, core.StateConnected, core.StateDisconnected:
		return r.remoteSet
	}
	return false
}
