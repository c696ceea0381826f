package chat

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/leaguechat/auth"
	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/store"
)

const (
	DefaultTimeout = 10 * time.Second

	MaxWindow     = 200
	DefaultWindow = 50
)

type Options struct {
	// Timeout of every store round trip, DefaultTimeout if zero.
	Timeout time.Duration
}

// Service holds what the facades of all scopes share.
type Service struct {
	store  store.IMessageStore
	broker *feed.Broker
	pub    feed.Publisher
	authz  auth.Authorizer
	opts   Options
}

// NewService creates a Service. Writes are published through pub, live feeds are
// served from broker; pass the broker as pub for a single node.
func NewService(st store.IMessageStore, broker *feed.Broker, pub feed.Publisher, authz auth.Authorizer, opts *Options) *Service {
	s := &Service{
		store:  st,
		broker: broker,
		pub:    pub,
		authz:  authz,
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Timeout <= 0 {
		s.opts.Timeout = DefaultTimeout
	}
	return s
}

func (s *Service) Facade(cfg *ScopeConfig) *Facade {
	return &Facade{Service: s, cfg: cfg}
}

func (s *Service) Global() *Facade {
	return s.Facade(GlobalScope())
}

func (s *Service) League(leagueID string) *Facade {
	return s.Facade(LeagueScope(leagueID))
}

func (s *Service) Direct(a, b string) *Facade {
	return s.Facade(DirectScope(a, b))
}

// Facade serves the chat operations of one scope.
type Facade struct {
	*Service
	cfg *ScopeConfig
}

// Feed is the result of Subscribe: the latest messages, oldest first, and the live deltas.
type Feed struct {
	Snapshot     []*store.Message
	Cursor       *store.Cursor // at the oldest snapshot message, nil if empty
	HasMore      bool
	Subscription *feed.Subscription
}

// Page is the result of LoadOlder.
type Page struct {
	Messages []*store.Message // oldest first
	HasMore  bool             // page was full; may be true with nothing left
	Cursor   *store.Cursor
}

func (f *Facade) Config() *ScopeConfig {
	return f.cfg
}

func (f *Facade) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.opts.Timeout)
}

func (f *Facade) done(op string, err error) error {
	err = normalizeError(op, err)
	observe(f, op, err)
	if err != nil {
		glog.V(5).Infof("chat: %s on `%s` failed: %v", op, f.cfg.Key, err)
	}
	return err
}

// publish broadcasts a committed change. A failure is logged and not returned: the
// write stands, and a retry by the caller would duplicate it.
func (f *Facade) publish(ctx context.Context, typ feed.EventType, m *store.Message) {
	if err := f.pub.Publish(ctx, &feed.Event{Type: typ, Scope: f.cfg.Key, Message: m}); err != nil {
		publishErrorsCounter.Inc()
		glog.Errorf("chat: publish %s of `%s` in `%s` error: %v", typ, m.ID, f.cfg.Key, err)
	}
}

func clampWindow(op string, n int) (int, error) {
	if n <= 0 {
		return 0, store.Errorf(store.KindValidation, op, "window: should be positive integer")
	}
	if n > MaxWindow {
		n = MaxWindow
	}
	return n, nil
}

func (f *Facade) Send(ctx context.Context, caller *auth.Caller, text, replyTo string) (*store.Message, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := f.cfg.authorize(ctx, f.authz, OpSend, caller, AccessWrite); err != nil {
		return nil, f.done(OpSend, err)
	}
	if replyTo != "" && !f.cfg.AllowReply {
		return nil, f.done(OpSend, store.Errorf(store.KindValidation, OpSend, "reply_to: not supported in %s chat", f.cfg.Kind))
	}

	m, err := f.store.Append(ctx, f.cfg.Key, &store.Draft{
		Text:           text,
		SenderName:     caller.Name,
		SenderIdentity: caller.Identity,
		ReplyTo:        replyTo,
	})
	if err != nil {
		return nil, f.done(OpSend, err)
	}
	f.publish(ctx, feed.Added, m)
	return m, f.done(OpSend, nil)
}

// Edit replaces the text of a message sent by caller.
func (f *Facade) Edit(ctx context.Context, caller *auth.Caller, id, text string) (*store.Message, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := f.cfg.authorize(ctx, f.authz, OpEdit, caller, AccessWrite); err != nil {
		return nil, f.done(OpEdit, err)
	}
	orig, err := f.store.Get(ctx, f.cfg.Key, id)
	if err != nil {
		return nil, f.done(OpEdit, err)
	}
	if orig.SenderIdentity != caller.Identity {
		return nil, f.done(OpEdit, store.Errorf(store.KindAuthorization, OpEdit, "only the sender may edit a message"))
	}

	m, err := f.store.Edit(ctx, f.cfg.Key, id, text)
	if err != nil {
		return nil, f.done(OpEdit, err)
	}
	f.publish(ctx, feed.Updated, m)
	return m, f.done(OpEdit, nil)
}

// Delete tombstones a message. Callers other than the sender need moderate access.
func (f *Facade) Delete(ctx context.Context, caller *auth.Caller, id string) (*store.Message, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := f.cfg.authorize(ctx, f.authz, OpDelete, caller, AccessWrite); err != nil {
		return nil, f.done(OpDelete, err)
	}
	orig, err := f.store.Get(ctx, f.cfg.Key, id)
	if err != nil {
		return nil, f.done(OpDelete, err)
	}
	if orig.SenderIdentity != caller.Identity {
		if err := f.cfg.authorize(ctx, f.authz, OpDelete, caller, AccessModerate); err != nil {
			return nil, f.done(OpDelete, err)
		}
	}

	m, err := f.store.SoftDelete(ctx, f.cfg.Key, id, caller.Identity)
	if err != nil {
		return nil, f.done(OpDelete, err)
	}
	if m.Version != orig.Version {
		f.publish(ctx, feed.Updated, m)
	}
	return m, f.done(OpDelete, nil)
}

// React toggles the caller's emoji reaction on a message.
func (f *Facade) React(ctx context.Context, caller *auth.Caller, id, emoji string) (*store.Message, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := f.cfg.authorize(ctx, f.authz, OpReact, caller, AccessWrite); err != nil {
		return nil, f.done(OpReact, err)
	}
	m, err := f.store.ToggleReaction(ctx, f.cfg.Key, id, emoji, caller.Identity)
	if err != nil {
		return nil, f.done(OpReact, err)
	}
	f.publish(ctx, feed.Updated, m)
	return m, f.done(OpReact, nil)
}

// Subscribe returns the latest `window` messages and a subscription to later changes.
// The subscription is opened before the snapshot is read, so a concurrent write shows up
// at least once; compare `Version` to drop the stale copy.
func (f *Facade) Subscribe(ctx context.Context, caller *auth.Caller, window int) (*Feed, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := f.cfg.authorize(ctx, f.authz, OpSubscribe, caller, AccessRead); err != nil {
		return nil, f.done(OpSubscribe, err)
	}
	window, err := clampWindow(OpSubscribe, window)
	if err != nil {
		return nil, f.done(OpSubscribe, err)
	}

	sub := f.broker.Subscribe(f.cfg.Key)
	msgs, err := f.store.Read(ctx, f.cfg.Key, window, nil)
	if err != nil {
		sub.Cancel()
		return nil, f.done(OpSubscribe, err)
	}

	out := &Feed{
		Snapshot:     msgs,
		HasMore:      len(msgs) == window,
		Subscription: sub,
	}
	if len(msgs) > 0 {
		out.Cursor = store.CursorOf(msgs[0])
	}
	return out, f.done(OpSubscribe, nil)
}

// LoadOlder fetches the page of messages right before cursor (the newest if nil).
func (f *Facade) LoadOlder(ctx context.Context, caller *auth.Caller, cursor *store.Cursor, pageSize int) (*Page, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	if err := f.cfg.authorize(ctx, f.authz, OpLoadOlder, caller, AccessRead); err != nil {
		return nil, f.done(OpLoadOlder, err)
	}
	pageSize, err := clampWindow(OpLoadOlder, pageSize)
	if err != nil {
		return nil, f.done(OpLoadOlder, err)
	}

	msgs, err := f.store.Read(ctx, f.cfg.Key, pageSize, cursor)
	if err != nil {
		return nil, f.done(OpLoadOlder, err)
	}

	page := &Page{
		Messages: msgs,
		HasMore:  len(msgs) == pageSize,
		Cursor:   cursor,
	}
	if len(msgs) > 0 {
		page.Cursor = store.CursorOf(msgs[0])
	}
	return page, f.done(OpLoadOlder, nil)
}
