package broadcast

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryHub delivers envelopes inside one process. A subscriber whose buffer is
// full misses the envelope; clients recover by re-reading state on reconnect.
type MemoryHub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*memorySub]struct{}
	buffer int
	logger logrus.FieldLogger
}

// NewMemoryHub returns a hub whose subscribers buffer up to 32 envelopes.
func NewMemoryHub(logger logrus.FieldLogger) *MemoryHub {
	return &MemoryHub{
		rooms:  make(map[string]map[*memorySub]struct{}),
		buffer: 32,
		logger: logger,
	}
}

func (h *MemoryHub) Publish(_ context.Context, env Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[env.Room] {
		if !sub.deliver(env) {
			h.logger.WithFields(logrus.Fields{
				"room":  env.Room,
				"event": env.Type,
			}).Warn("subscriber buffer full, dropping envelope")
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(_ context.Context) (Subscription, error) {
	return &memorySub{
		hub:   h,
		rooms: make(map[string]struct{}),
		out:   make(chan Envelope, h.buffer),
	}, nil
}

type memorySub struct {
	hub *MemoryHub

	mu     sync.Mutex
	rooms  map[string]struct{}
	out    chan Envelope
	closed bool
}

func (s *memorySub) deliver(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- env:
		return true
	default:
		return false
	}
}

func (s *memorySub) Join(_ context.Context, rooms ...string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, room := range rooms {
		members, ok := s.hub.rooms[room]
		if !ok {
			members = make(map[*memorySub]struct{})
			s.hub.rooms[room] = members
		}
		members[s] = struct{}{}
		s.rooms[room] = struct{}{}
	}
	return nil
}

func (s *memorySub) Leave(_ context.Context, rooms ...string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range rooms {
		s.hub.removeLocked(room, s)
		delete(s.rooms, room)
	}
	return nil
}

func (s *memorySub) Events() <-chan Envelope { return s.out }

func (s *memorySub) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for room := range s.rooms {
		s.hub.removeLocked(room, s)
	}
	s.closed = true
	close(s.out)
	return nil
}

// removeLocked drops sub from room. Caller holds h.mu.
func (h *MemoryHub) removeLocked(room string, sub *memorySub) {
	members := h.rooms[room]
	delete(members, sub)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
