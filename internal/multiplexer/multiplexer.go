// Package multiplexer demultiplexes framed Envelopes arriving on a single
// connection to the Server by RequestId, so the Agent's read loop can keep
// accepting new local requests while many dispatches are in flight at
// once. Each id gets its own bounded channel; a disconnect broadcasts
// transport_closed to every id still waiting.
package multiplexer

import (
	"fmt"
	"sync"

	"github.com/carapace-gateway/carapace/internal/domain/wire"
)

// DefaultBufferSize is the per-id mpsc buffer capacity.
const DefaultBufferSize = 100

// Multiplexer routes envelopes read off a connection to the channel
// registered for their RequestId.
type Multiplexer struct {
	mu      sync.Mutex
	pending map[wire.RequestId]chan *wire.Envelope
	bufSize int
}

// New builds a Multiplexer whose per-id channels hold bufSize envelopes
// before Dispatch blocks. bufSize<=0 uses DefaultBufferSize.
func New(bufSize int) *Multiplexer {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Multiplexer{pending: make(map[wire.RequestId]chan *wire.Envelope), bufSize: bufSize}
}

// Register opens a channel for id, to be read until a terminal envelope (or
// disconnect) arrives. Registering an id already registered replaces its
// channel; callers must not register the same id twice concurrently.
func (m *Multiplexer) Register(id wire.RequestId) <-chan *wire.Envelope {
	ch := make(chan *wire.Envelope, m.bufSize)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()
	return ch
}

// Deregister removes and closes id's channel, if present. Safe to call more
// than once; a caller that abandons a request (client-side drop) calls this
// directly since the Agent never explicitly cancels the Server request
// (at-most-once semantics — no in-flight replay).
func (m *Multiplexer) Deregister(id wire.RequestId) {
	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Dispatch routes env to its id's registered channel. An envelope for an id
// with no registered channel (already deregistered, or never registered —
// e.g. a connection-level error) is dropped; this happens on the losing
// side of races with Deregister and is expected, not an error. A terminal
// envelope (a CliResponse, HttpResponse, or id-carrying ErrorMessage)
// deregisters the id after delivery.
func (m *Multiplexer) Dispatch(env *wire.Envelope) {
	id := env.RequestID()
	m.mu.Lock()
	ch, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	ch <- env

	if env.Terminal() {
		m.Deregister(id)
	}
}

// CloseAll broadcasts a connection-level ErrorMessage (kind transport_closed
// by convention, but the caller supplies kind/detail) to every id still
// registered, then deregisters them. Called once per disconnect.
func (m *Multiplexer) CloseAll(kind wire.ErrorKind, detail string) {
	m.mu.Lock()
	ids := make([]wire.RequestId, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		ch, ok := m.pending[id]
		if ok {
			delete(m.pending, id)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		ch <- wire.WrapError(&wire.ErrorMessage{ID: id, Kind: kind, Detail: detail})
		close(ch)
	}
}

// Len reports the number of ids currently awaiting a response, for
// metrics/health.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ErrAlreadyRegistered is returned by RegisterUnique when id is already in
// flight.
type ErrAlreadyRegistered wire.RequestId

func (e ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("multiplexer: request id %q already registered", wire.RequestId(e))
}

// RegisterUnique is Register with a duplicate-id guard, for callers that
// cannot otherwise guarantee id uniqueness (e.g. ids sourced from an
// untrusted shim).
func (m *Multiplexer) RegisterUnique(id wire.RequestId) (<-chan *wire.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[id]; exists {
		return nil, ErrAlreadyRegistered(id)
	}
	ch := make(chan *wire.Envelope, m.bufSize)
	m.pending[id] = ch
	return ch, nil
}
