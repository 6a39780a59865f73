package peer

import "github.com/dkeye/VoiceMesh/internal/signal"

// DefaultCandidateQueueSize bounds candidates held before a remote description exists.
const DefaultCandidateQueueSize = 50

// candidateQueue is a bounded FIFO. When full, the oldest candidate is
// dropped: candidates only speed up connectivity, they are not required.
type candidateQueue struct {
	items   []signal.CandidatePayload
	limit   int
	dropped int
}

func newCandidateQueue(limit int) *candidateQueue {
	if limit <= 0 {
		limit = DefaultCandidateQueueSize
	}
	return &candidateQueue{limit: limit}
}

// push reports whether an older candidate had to be dropped.
func (q *candidateQueue) push(c signal.CandidatePayload) bool {
	dropped := false
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, c)
	return dropped
}

// drain returns the queued candidates in arrival order and empties the queue.
func (q *candidateQueue) drain() []signal.CandidatePayload {
	out := q.items
	q.items = nil
	return out
}

// merge appends other's candidates after q's own, respecting the bound.
func (q *candidateQueue) merge(other *candidateQueue) {
	if other == nil {
		return
	}
	for _, c := range other.drain() {
		q.push(c)
	}
}
