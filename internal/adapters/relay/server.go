// Package relay serves a store.Memory to remote clients over WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/adapters/store"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrRateLimited  = errors.New("rate limited")
	ErrClientClosed = errors.New("connection closed")
)

const sendBuffer = 256

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	Limiter    *RateLimiter
	Policy     Policy
}

type Server struct {
	store    *store.Memory
	clients  *Registry
	limiter  *RateLimiter
	policy   Policy
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(st *store.Memory, opts Options) *Server {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	return &Server{
		store:   st,
		clients: NewRegistry(),
		limiter: opts.Limiter,
		policy:  opts.Policy,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stats is the health view of the server.
type Stats struct {
	store.Stats
	Clients int `json:"clients"`
}

func (s *Server) Stats() Stats {
	return Stats{Stats: s.store.Stats(), Clients: s.clients.Len()}
}

// Shutdown disconnects every client.
func (s *Server) Shutdown() { s.clients.CloseAll() }

// Client is one WebSocket connection and the watches it holds.
type Client struct {
	Token string
	conn  *websocket.Conn
	send  chan []byte

	mu      sync.RWMutex
	closed  bool
	cancel  context.CancelFunc
	watches map[string]context.CancelFunc
}

func (c *Client) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	for id, cancel := range c.watches {
		cancel()
		delete(c.watches, id)
	}
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = c.conn.Close()
}

// Handle upgrades the request and serves the store protocol until the
// client disconnects or ctx is done.
func (s *Server) Handle(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "relay").Str("token", token).Msg("new WS connection")

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	if s.opts.ReadLimit > 0 {
		ws.SetReadLimit(s.opts.ReadLimit)
	}

	ctx, cancel := context.WithCancel(ctx)
	client := &Client{
		Token:   token,
		conn:    ws,
		send:    make(chan []byte, sendBuffer),
		cancel:  cancel,
		watches: make(map[string]context.CancelFunc),
	}
	s.clients.Bind(client)

	go s.writePump(ctx, client)
	go s.readPump(ctx, client)
}

func (s *Server) handle(ctx context.Context, c *Client, data []byte) {
	var req store.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad json")
		return
	}

	res := store.Message{Type: store.TypeResult, ID: req.ID}
	var err error
	switch req.Op {
	case store.OpPut:
		err = s.store.Put(ctx, req.Collection, req.Key, req.Value)
	case store.OpPush:
		if !s.limiter.Allow(c.Token) {
			err = ErrRateLimited
			break
		}
		res.Key, err = s.store.Push(ctx, req.Collection, req.Value)
	case store.OpRemove:
		err = s.store.Remove(ctx, req.Collection, req.Key)
	case store.OpGet:
		res.Value, res.Found, err = s.store.Get(ctx, req.Collection, req.Key)
	case store.OpList:
		res.Items, err = s.store.List(ctx, req.Collection)
	case store.OpWatch:
		err = s.watch(ctx, c, req)
	case store.OpUnwatch:
		s.unwatch(c, req.ID)
		return
	case store.OpPing:
		s.sendJSON(c, store.Message{Type: store.TypePong, ID: req.ID})
		s.sendJSON(c, res)
		return
	default:
		log.Warn().Str("module", "relay").Str("op", string(req.Op)).Msg("unknown op")
		res.Error = "unknown op"
	}
	if err != nil {
		res.Error = err.Error()
	}
	s.sendJSON(c, res)
}

func (s *Server) watch(ctx context.Context, c *Client, req store.Request) error {
	wctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrClientClosed
	}
	if old, ok := c.watches[req.ID]; ok {
		old()
	}
	c.watches[req.ID] = cancel
	c.mu.Unlock()

	changes, err := s.store.Watch(wctx, req.Collection)
	if err != nil {
		s.unwatch(c, req.ID)
		return err
	}
	go func() {
		for ch := range changes {
			s.sendJSON(c, store.Message{
				Type:  store.TypeChange,
				Watch: req.ID,
				Kind:  ch.Kind,
				Key:   ch.Key,
				Value: ch.Value,
			})
		}
	}()
	return nil
}

func (s *Server) unwatch(c *Client, id string) {
	c.mu.Lock()
	cancel, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) sendJSON(c *Client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	err = c.TrySend(b)
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	switch s.policy.OnBackPressure(c) {
	case KickClient:
		log.Warn().Str("module", "relay").Str("token", c.Token).Msg("slow client, disconnecting")
		c.Close()
	case DropFrame:
		log.Warn().Str("module", "relay").Str("token", c.Token).Msg("slow client, frame dropped")
	}
}
