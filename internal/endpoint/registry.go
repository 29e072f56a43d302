package endpoint

import (
	"sort"
	"sync"

	"github.com/danmuck/muxdemux/internal/muxdemux"
)

// Registry tracks live connections for the admin surface and shutdown.
type Registry struct {
	mu    sync.Mutex
	next  uint64
	conns map[uint64]*muxdemux.Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint64]*muxdemux.Connection)}
}

func (r *Registry) Add(conn *muxdemux.Connection) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.conns[r.next] = conn
	return r.next
}

func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ConnectionInfo is the admin view of one connection.
type ConnectionInfo struct {
	ID uint64 `json:"id"`
	muxdemux.ConnStats
	Channels []muxdemux.ChannelStats `json:"channels"`
}

func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.conns))
	conns := make(map[uint64]*muxdemux.Connection, len(r.conns))
	for id, c := range r.conns {
		ids = append(ids, id)
		conns[id] = c
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ConnectionInfo, 0, len(ids))
	for _, id := range ids {
		c := conns[id]
		out = append(out, ConnectionInfo{
			ID:        id,
			ConnStats: c.Stats(),
			Channels:  c.Channels(),
		})
	}
	return out
}

// CloseAll closes every registered connection and combines their errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	list := make([]*muxdemux.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		list = append(list, c)
	}
	r.mu.Unlock()
	return muxdemux.CloseAll(list...)
}
