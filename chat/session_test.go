package chat

import (
	"context"
	"fmt"
	"sync"
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

func TestSessionLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	league := svc.League("42")

	for i := 0; i < 7; i++ {
		_, err := league.Send(ctx, alice, "old", "")
		require.NoError(t, err)
	}

	events := make(chan *feed.Event, 16)
	s := league.NewSession(bob, 3, 3, func(e *feed.Event) { events <- e })
	assert.Equal(t, StateIdle, s.State())

	_, err := s.LoadMore(ctx)
	assert.Equal(t, ErrNotReady, err)

	require.NoError(t, s.Open(ctx))
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, s.Messages(), 3)
	assert.True(t, s.HasMore())
	assert.Equal(t, ErrBusy, s.Open(ctx))

	m, err := league.Send(ctx, alice, "live", "")
	require.NoError(t, err)
	select {
	case e := <-events:
		assert.Equal(t, m.ID, e.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for live event")
	}
	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, m.ID, msgs[3].ID)

	_, err = league.React(ctx, bob, m.ID, "🔥")
	require.NoError(t, err)
	select {
	case e := <-events:
		assert.Equal(t, int64(2), e.Message.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update")
	}
	msgs = s.Messages()
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[3].Reactions, 1)

	page, err := s.LoadMore(ctx)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.True(t, s.HasMore())
	page, err = s.LoadMore(ctx)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.False(t, s.HasMore())
	page, err = s.LoadMore(ctx)
	require.NoError(t, err)
	assert.Empty(t, page)

	msgs = s.Messages()
	require.Len(t, msgs, 8)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, store.Less(msgs[i-1], msgs[i]))
	}

	s.Close()
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Messages())
	assert.Equal(t, 0, svc.broker.Len(scope.League("42")))
}

func TestSessionDropsStaleVersions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	league := svc.League("42")

	m, err := league.Send(ctx, alice, "hi", "")
	require.NoError(t, err)
	m, err = league.React(ctx, alice, m.ID, "👍")
	require.NoError(t, err)

	s := league.NewSession(bob, 10, 10, nil)
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	stale := m.Clone()
	stale.Version = 1
	stale.Reactions = []store.ReactionEntry{}
	s.Lock()
	applied := s.upsert(stale)
	s.Unlock()
	assert.False(t, applied)
	require.Len(t, s.Messages(), 1)
	assert.Len(t, s.Messages()[0].Reactions, 1)
}

func TestSessionOpenError(t *testing.T) {
	svc := newTestService(t)
	s := svc.League("42").NewSession(carol, 10, 10, nil)

	err := s.Open(context.Background())
	assert.ErrorIs(t, err, store.ErrAuthorization)
	assert.Equal(t, StateError, s.State())
	assert.ErrorIs(t, s.Err(), store.ErrAuthorization)

	_, err = s.LoadMore(context.Background())
	assert.Equal(t, ErrNotReady, err)
}

func TestSessionBusyWhileLoadingMore(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	msgs := []*store.Message{
		{ID: "b", Scope: scope.Global(), CreatedAt: 2, Version: 1},
		{ID: "c", Scope: scope.Global(), CreatedAt: 3, Version: 1},
	}
	older := []*store.Message{{ID: "a", Scope: scope.Global(), CreatedAt: 1, Version: 1}}

	entered := make(chan struct{})
	release := make(chan struct{})
	st := mock_store.NewMockIMessageStore(ctrl)
	st.EXPECT().Read(gomock.Any(), scope.Global(), 2, gomock.Nil()).Return(msgs, nil)
	st.EXPECT().Read(gomock.Any(), scope.Global(), 2, store.CursorOf(msgs[0])).
		DoAndReturn(func(ctx context.Context, key scope.Key, window int, before *store.Cursor) ([]*store.Message, error) {
			close(entered)
			<-release
			return older, nil
		})

	broker := feed.NewBroker()
	defer broker.Close()
	svc := NewService(st, broker, broker, &auth.Policy{}, nil)
	s := svc.Global().NewSession(alice, 2, 2, nil)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.LoadMore(context.Background())
		done <- err
	}()

	<-entered
	assert.Equal(t, StateLoadingMore, s.State())
	_, err := s.LoadMore(context.Background())
	assert.Equal(t, ErrBusy, err)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.HasMore())
	got := s.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[2].ID)
}

func TestSessionDropsLoadMoreFromClosedOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	msg := func(id string, at int64) *store.Message {
		return &store.Message{ID: id, Scope: scope.Global(), CreatedAt: at, Version: 1}
	}
	first := []*store.Message{msg("b", 20), msg("c", 30)}
	second := []*store.Message{msg("x", 60), msg("y", 70)}

	entered1, release1 := make(chan struct{}), make(chan struct{})
	entered2, release2 := make(chan struct{}), make(chan struct{})
	blockingRead := func(entered, release chan struct{}, page []*store.Message) interface{} {
		return func(ctx context.Context, key scope.Key, window int, before *store.Cursor) ([]*store.Message, error) {
			close(entered)
			<-release
			return page, nil
		}
	}

	st := mock_store.NewMockIMessageStore(ctrl)
	st.EXPECT().Read(gomock.Any(), scope.Global(), 2, gomock.Nil()).Return(first, nil)
	st.EXPECT().Read(gomock.Any(), scope.Global(), 2, store.CursorOf(first[0])).
		DoAndReturn(blockingRead(entered1, release1, []*store.Message{msg("a", 10)}))
	st.EXPECT().Read(gomock.Any(), scope.Global(), 2, gomock.Nil()).Return(second, nil)
	st.EXPECT().Read(gomock.Any(), scope.Global(), 2, store.CursorOf(second[0])).
		DoAndReturn(blockingRead(entered2, release2, []*store.Message{msg("v", 40), msg("w", 50)}))

	broker := feed.NewBroker()
	defer broker.Close()
	svc := NewService(st, broker, broker, &auth.Policy{}, nil)
	s := svc.Global().NewSession(alice, 2, 2, nil)
	require.NoError(t, s.Open(context.Background()))

	type result struct {
		page []*store.Message
		err  error
	}
	loadMore := func() chan result {
		c := make(chan result, 1)
		go func() {
			page, err := s.LoadMore(context.Background())
			c <- result{page, err}
		}()
		return c
	}

	done1 := loadMore()
	<-entered1

	s.Close()
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	done2 := loadMore()
	<-entered2
	assert.Equal(t, StateLoadingMore, s.State())

	close(release1)
	r1 := <-done1
	assert.NoError(t, r1.err)
	assert.Empty(t, r1.page)
	assert.Equal(t, StateLoadingMore, s.State())

	close(release2)
	r2 := <-done2
	require.NoError(t, r2.err)
	assert.Len(t, r2.page, 2)
	assert.Equal(t, StateReady, s.State())
	assert.True(t, s.HasMore())

	var ids []string
	for _, m := range s.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"v", "w", "x", "y"}, ids)
}

func TestSessionFailsWhenFeedLags(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	league := svc.League("42")

	release := make(chan struct{})
	var once sync.Once
	s := league.NewSession(bob, 10, 10, func(e *feed.Event) {
		once.Do(func() { <-release })
	})
	failed := make(chan error, 1)
	s.OnError(func(err error) { failed <- err })
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	key := scope.League("42")
	for i := 0; i < feed.MaxPending+10; i++ {
		m := &store.Message{ID: fmt.Sprintf("m%04d", i), Scope: key, CreatedAt: int64(i + 1), Version: 1}
		svc.broker.Dispatch(&feed.Event{Type: feed.Added, Scope: key, Message: m})
	}
	close(release)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, feed.ErrLagged)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for feed failure")
	}
	assert.Equal(t, StateError, s.State())
	assert.ErrorIs(t, s.Err(), feed.ErrLagged)
	assert.Empty(t, s.Messages())
	assert.Equal(t, 0, svc.broker.Len(key))

	// a failed session opens again with a fresh snapshot.
	require.NoError(t, s.Open(ctx))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, svc.broker.Len(key))
}
