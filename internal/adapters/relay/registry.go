package relay

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks live clients by token. A new connection with a known
// token replaces the old one.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

func (r *Registry) Bind(c *Client) {
	r.mu.Lock()
	old := r.clients[c.Token]
	r.clients[c.Token] = c
	r.mu.Unlock()
	if old != nil {
		log.Info().Str("module", "relay.registry").Str("token", c.Token).Msg("replacing connection")
		old.Close()
	}
	log.Info().Str("module", "relay.registry").Str("token", c.Token).Msg("bound client")
}

// Unbind removes c unless it was already replaced.
func (r *Registry) Unbind(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c.Token] == c {
		delete(r.clients, c.Token)
		log.Info().Str("module", "relay.registry").Str("token", c.Token).Msg("unbind client")
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll disconnects every client.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for token, c := range r.clients {
		clients = append(clients, c)
		delete(r.clients, token)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
