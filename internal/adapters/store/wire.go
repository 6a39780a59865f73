package store

import "github.com/dkeye/VoiceMesh/internal/core"

// Relay protocol: JSON text frames over one WebSocket per client.

type Op string

const (
	OpPut     Op = "put"
	OpPush    Op = "push"
	OpRemove  Op = "remove"
	OpGet     Op = "get"
	OpList    Op = "list"
	OpWatch   Op = "watch"
	OpUnwatch Op = "unwatch"
	OpPing    Op = "ping"
)

const (
	TypeResult = "result"
	TypeChange = "change"
	TypePong   = "pong"
)

// Request is sent by the client. For watch, ID also names the watch.
type Request struct {
	Op         Op     `json:"op"`
	ID         string `json:"id"`
	Collection string `json:"collection,omitempty"`
	Key        string `json:"key,omitempty"`
	Value      []byte `json:"value,omitempty"`
}

// Message is sent by the server: a result for a request, a change on a
// watch, or a pong.
type Message struct {
	Type  string      `json:"type"`
	ID    string      `json:"id,omitempty"`
	Key   string      `json:"key,omitempty"`
	Value []byte      `json:"value,omitempty"`
	Found bool        `json:"found,omitempty"`
	Items []core.Item `json:"items,omitempty"`
	Error string      `json:"error,omitempty"`

	Watch string          `json:"watch,omitempty"`
	Kind  core.ChangeKind `json:"kind,omitempty"`
}
