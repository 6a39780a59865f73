package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
)

var _ core.Store = (*Remote)(nil)

// ErrRemote wraps errors reported by the relay server.
var ErrRemote = errors.New("relay error")

const writeWait = 5 * time.Second

// Remote is a core.Store backed by a relay server. Requests are multiplexed
// over one WebSocket and matched to results by id.
type Remote struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	watches map[string]*core.FIFO[core.Change]
	closed  bool
	done    chan struct{}
}

// Dial connects to a relay server at url, e.g. ws://host:8080/api/ws/store.
func Dial(ctx context.Context, url string, header http.Header) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	r := &Remote{
		conn:    conn,
		logger:  log.With().Str("module", "store.remote").Str("url", url).Logger(),
		pending: make(map[string]chan Message),
		watches: make(map[string]*core.FIFO[core.Change]),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	r.logger.Info().Msg("connected")
	return r, nil
}

// Done is closed when the connection to the relay is gone.
func (r *Remote) Done() <-chan struct{} { return r.done }

func (r *Remote) readLoop() {
	defer r.shutdown()
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				r.logger.Error().Err(err).Msg("read error")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn().Err(err).Msg("bad json")
			continue
		}
		switch msg.Type {
		case TypeResult:
			r.mu.Lock()
			ch, ok := r.pending[msg.ID]
			delete(r.pending, msg.ID)
			r.mu.Unlock()
			if ok {
				ch <- msg
			}
		case TypeChange:
			r.mu.Lock()
			q, ok := r.watches[msg.Watch]
			r.mu.Unlock()
			if ok {
				q.Push(core.Change{Kind: msg.Kind, Key: msg.Key, Value: msg.Value})
			}
		case TypePong:
		default:
			r.logger.Warn().Str("type", msg.Type).Msg("unknown message")
		}
	}
}

// shutdown runs once, when the read loop exits.
func (r *Remote) shutdown() {
	r.mu.Lock()
	r.closed = true
	pending := r.pending
	watches := r.watches
	r.pending = nil
	r.watches = make(map[string]*core.FIFO[core.Change])
	r.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, q := range watches {
		q.Close()
	}
	_ = r.conn.Close()
	close(r.done)
}

// Close disconnects; pending calls fail with ErrClosed and watches end.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	r.writeMu.Unlock()
	return r.conn.Close()
}

func (r *Remote) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Remote) call(ctx context.Context, req Request) (Message, error) {
	req.ID = uuid.NewString()
	ch := make(chan Message, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Message{}, ErrClosed
	}
	r.pending[req.ID] = ch
	r.mu.Unlock()

	if err := r.write(req); err != nil {
		r.forget(req.ID)
		return Message{}, fmt.Errorf("%s: %w", req.Op, err)
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, ErrClosed
		}
		if msg.Error != "" {
			return msg, fmt.Errorf("%w: %s: %s", ErrRemote, req.Op, msg.Error)
		}
		return msg, nil
	case <-ctx.Done():
		r.forget(req.ID)
		return Message{}, ctx.Err()
	}
}

func (r *Remote) forget(id string) {
	r.mu.Lock()
	if r.pending != nil {
		delete(r.pending, id)
	}
	r.mu.Unlock()
}

func (r *Remote) Put(ctx context.Context, collection, key string, value []byte) error {
	_, err := r.call(ctx, Request{Op: OpPut, Collection: collection, Key: key, Value: value})
	return err
}

func (r *Remote) Push(ctx context.Context, collection string, value []byte) (string, error) {
	msg, err := r.call(ctx, Request{Op: OpPush, Collection: collection, Value: value})
	return msg.Key, err
}

func (r *Remote) Remove(ctx context.Context, collection, key string) error {
	_, err := r.call(ctx, Request{Op: OpRemove, Collection: collection, Key: key})
	return err
}

func (r *Remote) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	msg, err := r.call(ctx, Request{Op: OpGet, Collection: collection, Key: key})
	if err != nil {
		return nil, false, err
	}
	return msg.Value, msg.Found, nil
}

func (r *Remote) List(ctx context.Context, collection string) ([]core.Item, error) {
	msg, err := r.call(ctx, Request{Op: OpList, Collection: collection})
	return msg.Items, err
}

func (r *Remote) Ping(ctx context.Context) error {
	_, err := r.call(ctx, Request{Op: OpPing})
	return err
}

func (r *Remote) Watch(ctx context.Context, collection string) (<-chan core.Change, error) {
	q := core.NewFIFO[core.Change]()
	req := Request{Op: OpWatch, ID: uuid.NewString(), Collection: collection}

	// Registered before the request so the replay cannot race the result.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		q.Close()
		return nil, ErrClosed
	}
	r.watches[req.ID] = q
	ch := make(chan Message, 1)
	r.pending[req.ID] = ch
	r.mu.Unlock()

	fail := func(err error) (<-chan core.Change, error) {
		r.mu.Lock()
		delete(r.watches, req.ID)
		r.mu.Unlock()
		r.forget(req.ID)
		q.Close()
		return nil, err
	}
	if err := r.write(req); err != nil {
		return fail(err)
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return fail(ErrClosed)
		}
		if msg.Error != "" {
			return fail(fmt.Errorf("%w: watch: %s", ErrRemote, msg.Error))
		}
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.mu.Lock()
		_, active := r.watches[req.ID]
		delete(r.watches, req.ID)
		r.mu.Unlock()
		q.Close()
		if active {
			if err := r.write(Request{Op: OpUnwatch, ID: req.ID}); err != nil {
				r.logger.Debug().Err(err).Msg("unwatch")
			}
		}
	}()
	return q.Out(), nil
}
