package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/leaguechat/auth"
	"github.com/mqy/leaguechat/feed"
	"github.com/mqy/leaguechat/scope"
	"github.com/mqy/leaguechat/store"
	mock_store "github.com/mqy/leaguechat/store/mock"
)

var (
	alice = &auth.Caller{Identity: "alice@x.com", Name: "Alice"}
	bob   = &auth.Caller{Identity: "bob@x.com", Name: "Bob"}
	carol = &auth.Caller{Identity: "carol@x.com", Name: "Carol"}
	mod   = &auth.Caller{Identity: "mod@x.com", Name: "Mod"}
)

func newTestService(t *testing.T) *Service {
	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "chat.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	members := auth.NewStaticMembers()
	members.Add("42", alice.Identity, bob.Identity)
	broker := feed.NewBroker()
	t.Cleanup(broker.Close)

	return NewService(st, broker, broker, &auth.Policy{
		Members:    members,
		Moderators: map[string]bool{mod.Identity: true},
	}, nil)
}

func recv(t *testing.T, sub *feed.Subscription) *feed.Event {
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestLeagueChatFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	league := svc.League("42")

	fd, err := league.Subscribe(ctx, bob, DefaultWindow)
	require.NoError(t, err)
	defer fd.Subscription.Cancel()
	assert.Empty(t, fd.Snapshot)
	assert.Nil(t, fd.Cursor)
	assert.False(t, fd.HasMore)

	m, err := league.Send(ctx, alice, "  hello  ", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, "Alice", m.SenderName)
	assert.Equal(t, scope.League("42"), m.Scope)
	assert.Equal(t, int64(1), m.Version)

	e := recv(t, fd.Subscription)
	assert.Equal(t, feed.Added, e.Type)
	assert.Equal(t, m.ID, e.Message.ID)

	m, err = league.React(ctx, bob, m.ID, "👍")
	require.NoError(t, err)
	require.Len(t, m.Reactions, 1)
	assert.Equal(t, store.ReactionEntry{Emoji: "👍", Users: []string{bob.Identity}, Count: 1}, m.Reactions[0])

	e = recv(t, fd.Subscription)
	assert.Equal(t, feed.Updated, e.Type)
	assert.Equal(t, int64(2), e.Message.Version)

	m, err = league.Delete(ctx, alice, m.ID)
	require.NoError(t, err)
	assert.True(t, m.Deleted)
	assert.Equal(t, alice.Identity, m.DeletedBy)
	assert.GreaterOrEqual(t, m.DeletedAt, m.CreatedAt)

	e = recv(t, fd.Subscription)
	assert.True(t, e.Message.Deleted)

	// deleting again changes nothing and publishes nothing.
	again, err := league.Delete(ctx, alice, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Version, again.Version)
	select {
	case e := <-fd.Subscription.C():
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	// the tombstone stays in the log.
	fd2, err := league.Subscribe(ctx, alice, DefaultWindow)
	require.NoError(t, err)
	defer fd2.Subscription.Cancel()
	require.Len(t, fd2.Snapshot, 1)
	assert.True(t, fd2.Snapshot[0].Deleted)
	assert.Len(t, fd2.Snapshot[0].Reactions, 1)
}

func TestLeagueAuthorization(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	league := svc.League("42")

	_, err := league.Send(ctx, carol, "hi", "")
	assert.ErrorIs(t, err, store.ErrAuthorization)
	_, err = league.Subscribe(ctx, carol, 10)
	assert.ErrorIs(t, err, store.ErrAuthorization)
	_, err = league.Send(ctx, nil, "hi", "")
	assert.ErrorIs(t, err, store.ErrAuthorization)
	_, err = league.Send(ctx, &auth.Caller{}, "hi", "")
	assert.ErrorIs(t, err, store.ErrAuthorization)

	m, err := league.Send(ctx, alice, "mine", "")
	require.NoError(t, err)

	// only the sender edits.
	_, err = league.Edit(ctx, bob, m.ID, "theirs")
	assert.ErrorIs(t, err, store.ErrAuthorization)
	edited, err := league.Edit(ctx, alice, m.ID, "still mine")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "still mine", edited.Text)

	// others need moderate access to delete.
	_, err = league.Delete(ctx, bob, m.ID)
	assert.ErrorIs(t, err, store.ErrAuthorization)
	deleted, err := league.Delete(ctx, mod, m.ID)
	require.NoError(t, err)
	assert.Equal(t, mod.Identity, deleted.DeletedBy)

	_, err = league.React(ctx, bob, "missing", "👍")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// other leagues are isolated.
	_, err = svc.League("43").Send(ctx, alice, "hi", "")
	assert.ErrorIs(t, err, store.ErrAuthorization)
}

func TestGlobalReplies(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	global := svc.Global()

	parent, err := global.Send(ctx, carol, "question", "")
	require.NoError(t, err)
	reply, err := global.Send(ctx, alice, "answer", parent.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, reply.ReplyTo)

	_, err = global.Send(ctx, alice, "answer", "missing")
	assert.ErrorIs(t, err, store.ErrValidation)

	// a reply target must be in the same scope.
	_, err = svc.League("42").Send(ctx, alice, "answer", parent.ID)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestDirectChat(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	dm := svc.Direct(alice.Identity, bob.Identity)
	assert.Equal(t, dm.Config().Key, svc.Direct(bob.Identity, alice.Identity).Config().Key)

	m, err := dm.Send(ctx, alice, "psst", "")
	require.NoError(t, err)

	fd, err := svc.Direct(bob.Identity, alice.Identity).Subscribe(ctx, bob, 10)
	require.NoError(t, err)
	defer fd.Subscription.Cancel()
	require.Len(t, fd.Snapshot, 1)
	assert.Equal(t, m.ID, fd.Snapshot[0].ID)

	_, err = dm.Subscribe(ctx, carol, 10)
	assert.ErrorIs(t, err, store.ErrAuthorization)
	_, err = dm.Send(ctx, carol, "hi", "")
	assert.ErrorIs(t, err, store.ErrAuthorization)

	// replies are off unless enabled.
	_, err = dm.Send(ctx, bob, "re", m.ID)
	assert.ErrorIs(t, err, store.ErrValidation)
	r, err := svc.Facade(dm.Config().WithReplies(true)).Send(ctx, bob, "re", m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, r.ReplyTo)

	self := svc.Direct(alice.Identity, alice.Identity)
	_, err = self.Send(ctx, alice, "note to self", "")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = self.Subscribe(ctx, alice, 10)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSubscribeAndLoadOlder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	global := svc.Global()

	var sent []*store.Message
	for i := 0; i < 25; i++ {
		m, err := global.Send(ctx, alice, "msg", "")
		require.NoError(t, err)
		sent = append(sent, m)
	}

	fd, err := global.Subscribe(ctx, bob, 10)
	require.NoError(t, err)
	fd.Subscription.Cancel()
	require.Len(t, fd.Snapshot, 10)
	assert.Equal(t, sent[15].ID, fd.Snapshot[0].ID)
	assert.True(t, fd.HasMore)

	var got []*store.Message
	cursor := fd.Cursor
	for {
		page, err := global.LoadOlder(ctx, bob, cursor, 10)
		require.NoError(t, err)
		got = append(page.Messages, got...)
		cursor = page.Cursor
		if !page.HasMore {
			break
		}
	}
	got = append(got, fd.Snapshot...)
	require.Len(t, got, len(sent))
	for i := range sent {
		assert.Equal(t, sent[i].ID, got[i].ID)
	}

	_, err = global.Subscribe(ctx, bob, 0)
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = global.LoadOlder(ctx, bob, nil, -1)
	assert.ErrorIs(t, err, store.ErrValidation)

	// windows above the limit are clamped.
	fd, err = global.Subscribe(ctx, bob, MaxWindow+1)
	require.NoError(t, err)
	fd.Subscription.Cancel()
	assert.Len(t, fd.Snapshot, 25)
}

func TestStoreTimeoutIsTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := mock_store.NewMockIMessageStore(ctrl)
	st.EXPECT().Read(gomock.Any(), scope.Global(), 10, gomock.Nil()).
		DoAndReturn(func(ctx context.Context, key scope.Key, window int, before *store.Cursor) ([]*store.Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	st.EXPECT().Append(gomock.Any(), scope.Global(), gomock.Any()).
		Return(nil, errors.New("connection refused"))

	broker := feed.NewBroker()
	defer broker.Close()
	svc := NewService(st, broker, broker, &auth.Policy{}, &Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := svc.Global().Subscribe(context.Background(), alice, 10)
	assert.ErrorIs(t, err, store.ErrTransient)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "Failed to load messages", UserMessage(OpSubscribe, err))
	assert.True(t, IsRetryable(OpSubscribe, err))
	assert.Equal(t, 0, broker.Len(scope.Global()))

	_, err = svc.Global().Send(context.Background(), alice, "hi", "")
	assert.ErrorIs(t, err, store.ErrTransient)
	assert.Equal(t, "Failed to send message", UserMessage(OpSend, err))
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, e *feed.Event) error {
	return errors.New("broker down")
}

func TestPublishFailureKeepsWrite(t *testing.T) {
	st, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "chat.db"), nil)
	require.NoError(t, err)
	defer st.Close()
	broker := feed.NewBroker()
	defer broker.Close()

	svc := NewService(st, broker, failingPublisher{}, &auth.Policy{}, nil)
	m, err := svc.Global().Send(context.Background(), alice, "hi", "")
	require.NoError(t, err)

	got, err := st.Get(context.Background(), scope.Global(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text)
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "Missing or insufficient permissions",
		UserMessage(OpSend, normalizeError(OpSend, store.Errorf(store.KindAuthorization, "x", "denied"))))
	assert.Equal(t, "Message not found",
		UserMessage(OpEdit, normalizeError(OpEdit, store.Errorf(store.KindNotFound, "get", "gone"))))
	assert.Equal(t, "text: should not be empty",
		UserMessage(OpSend, normalizeError(OpSend, store.Errorf(store.KindValidation, "append", "text: should not be empty"))))
	assert.Equal(t, "Failed to update reaction",
		UserMessage(OpReact, normalizeError(OpReact, errors.New("boom"))))
	assert.Equal(t, "Something went wrong", UserMessage("other", errors.New("boom")))
}

func TestIsRetryable(t *testing.T) {
	transient := normalizeError(OpSend, context.DeadlineExceeded)
	assert.ErrorIs(t, transient, store.ErrTransient)
	assert.True(t, IsRetryable(OpSend, transient))
	assert.False(t, IsRetryable(OpReact, transient))
	assert.True(t, IsRetryable(OpEdit, store.Errorf(store.KindConflict, OpEdit, "busy")))
	assert.False(t, IsRetryable(OpSend, store.Errorf(store.KindValidation, OpSend, "bad")))

	canceled := normalizeError(OpSend, context.Canceled)
	assert.ErrorIs(t, canceled, context.Canceled)
	assert.False(t, IsRetryable(OpSend, canceled))
}
