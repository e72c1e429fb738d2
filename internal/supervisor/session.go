package supervisor

import (
	"context"
	"sync"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/sessionstore"
	"github.com/ihiteshgupta/whatsapp-gateway/internal/whatsapp"
)

// session is one live handle. Protocol callbacks are funnelled into events
// and applied in order by the supervisor's per-session goroutine.
type session struct {
	accountID string
	events    chan whatsapp.Event
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// touched only by Start before run begins, then by run
	creds     *sessionstore.Credentials
	ownsLease bool

	mu   sync.Mutex
	conn whatsapp.Conn
}

func newSession(accountID string, buffer int) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		accountID: accountID,
		events:    make(chan whatsapp.Event, buffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (s *session) setConn(c whatsapp.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}

func (s *session) getConn() whatsapp.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// emit queues a protocol event. Lifecycle-critical events wait for room;
// others are dropped when the buffer is full.
func (s *session) emit(evt whatsapp.Event) {
	select {
	case s.events <- evt:
		return
	default:
	}
	switch evt.Kind {
	case whatsapp.EventClosed, whatsapp.EventCredsUpdate, whatsapp.EventConnected:
		select {
		case s.events <- evt:
		case <-s.ctx.Done():
		}
	}
}

// close cancels the session and disconnects the protocol connection.
func (s *session) close() {
	s.cancel()
	if c := s.getConn(); c != nil {
		c.Close()
	}
}
