package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mqy/leaguechat/auth"
	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/store"
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateLoadingMore
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateLoadingMore:
		return "loading_more"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned when a load is requested while another one is in flight.
	ErrBusy = errors.New("chat: a load is already in flight")

	ErrNotReady = errors.New("chat: session is not ready")
)

// Listener is called after a live event has been applied to the session.
type Listener func(e *feed.Event)

// Session is the view of one caller on one scope: the loaded messages, the pagination
// cursor and the live subscription, driven by the state machine
//
//	Idle -> Loading -> Ready | Error
//	Ready -> LoadingMore -> Ready
//	Ready -> Error (live feed lost)
//	Ready -> Idle (Close)
//
// Loads never interleave: a second one while one is in flight fails with ErrBusy.
type Session struct {
	sync.Mutex

	facade   *Facade
	caller   *auth.Caller
	window   int
	pageSize int
	listener Listener
	onError  func(err error)

	// gen is bumped by Open and Close; a load finishing under another gen is dropped.
	gen     uint64
	state   State
	err     error
	msgs    []*store.Message // oldest first
	cursor  *store.Cursor
	hasMore bool
	sub     *feed.Subscription
}

func (f *Facade) NewSession(caller *auth.Caller, window, pageSize int, listener Listener) *Session {
	return &Session{
		facade:   f,
		caller:   caller,
		window:   window,
		pageSize: pageSize,
		listener: listener,
	}
}

// Open loads the latest window and starts applying live events.
func (s *Session) Open(ctx context.Context) error {
	s.Lock()
	if s.state != StateIdle && s.state != StateError {
		s.Unlock()
		return ErrBusy
	}
	s.gen++
	gen := s.gen
	s.state = StateLoading
	s.err = nil
	s.Unlock()

	fd, err := s.facade.Subscribe(ctx, s.caller, s.window)

	s.Lock()
	defer s.Unlock()
	if s.gen != gen { // closed meanwhile
		if fd != nil {
			fd.Subscription.Cancel()
		}
		return nil
	}
	if err != nil {
		s.state = StateError
		s.err = err
		return err
	}

	s.msgs = fd.Snapshot
	s.cursor = fd.Cursor
	s.hasMore = fd.HasMore
	s.sub = fd.Subscription
	s.state = StateReady
	go s.consume(fd.Subscription)
	return nil
}

// OnError sets fn to be called when the live feed of an open session fails.
// The session is then in StateError and may be opened again.
func (s *Session) OnError(fn func(err error)) {
	s.Lock()
	defer s.Unlock()
	s.onError = fn
}

func (s *Session) consume(sub *feed.Subscription) {
	for e := range sub.C() {
		if s.apply(sub, e) && s.listener != nil {
			s.listener(e)
		}
	}
	if err := sub.Err(); err != nil {
		s.fail(sub, err)
	}
}

// fail drops the loaded state after the feed of sub broke, unless sub is no longer current.
func (s *Session) fail(sub *feed.Subscription, err error) {
	s.Lock()
	if s.sub != sub {
		s.Unlock()
		return
	}
	s.gen++
	s.sub = nil
	s.state = StateError
	s.err = err
	s.msgs = nil
	s.cursor = nil
	s.hasMore = false
	onError := s.onError
	s.Unlock()

	if onError != nil {
		onError(err)
	}
}

// apply merges e into the loaded messages, unless e is stale or sub is no longer current.
func (s *Session) apply(sub *feed.Subscription, e *feed.Event) bool {
	s.Lock()
	defer s.Unlock()
	if s.sub != sub {
		return false
	}
	return s.upsert(e.Message)
}

func (s *Session) upsert(m *store.Message) bool {
	i := sort.Search(len(s.msgs), func(i int) bool { return !store.Less(s.msgs[i], m) })
	if i < len(s.msgs) && s.msgs[i].ID == m.ID {
		if m.Version <= s.msgs[i].Version {
			return false
		}
		s.msgs[i] = m
		return true
	}
	// an event older than everything loaded belongs to a page not fetched yet.
	if i == 0 && len(s.msgs) > 0 && s.hasMore {
		return false
	}
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	if s.cursor == nil {
		s.cursor = store.CursorOf(m)
	}
	return true
}

// LoadMore prepends the page before the oldest loaded message. It returns the new
// messages, nothing when there are no more.
func (s *Session) LoadMore(ctx context.Context) ([]*store.Message, error) {
	s.Lock()
	switch s.state {
	case StateReady:
	case StateLoading, StateLoadingMore:
		s.Unlock()
		return nil, ErrBusy
	default:
		s.Unlock()
		return nil, ErrNotReady
	}
	if !s.hasMore {
		s.Unlock()
		return nil, nil
	}
	s.state = StateLoadingMore
	gen := s.gen
	cursor := s.cursor
	s.Unlock()

	page, err := s.facade.LoadOlder(ctx, s.caller, cursor, s.pageSize)

	s.Lock()
	defer s.Unlock()
	if s.gen != gen { // closed meanwhile, maybe reopened
		return nil, nil
	}
	s.state = StateReady
	if err != nil {
		s.err = err
		return nil, err
	}

	s.msgs = append(append(make([]*store.Message, 0, len(page.Messages)+len(s.msgs)), page.Messages...), s.msgs...)
	s.cursor = page.Cursor
	s.hasMore = page.HasMore
	return page.Messages, nil
}

// Close cancels the subscription and drops loaded state.
func (s *Session) Close() {
	s.Lock()
	sub := s.sub
	s.sub = nil
	s.gen++
	s.state = StateIdle
	s.msgs = nil
	s.cursor = nil
	s.hasMore = false
	s.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *Session) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

func (s *Session) HasMore() bool {
	s.Lock()
	defer s.Unlock()
	return s.hasMore
}

func (s *Session) Cursor() *store.Cursor {
	s.Lock()
	defer s.Unlock()
	return s.cursor
}

// Messages returns a copy of the loaded messages, oldest first.
func (s *Session) Messages() []*store.Message {
	s.Lock()
	defer s.Unlock()
	out := make([]*store.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Session) Scope() *ScopeConfig {
	return s.facade.cfg
}
