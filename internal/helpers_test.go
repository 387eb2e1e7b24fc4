package internal_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/escape-room/internal"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testGameConfig() internal.GameConfig {
	return internal.GameConfig{
		MaxPlayersPerRoom: 4,
		GameTimeLimit:     time.Hour,
		EmptyRoomTTL:      5 * time.Minute,
	}
}

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...internal.StoreOption) *internal.Store {
	t.Helper()
	store := internal.NewStore(testGameConfig(), newTestLogger(), opts...)
	t.Cleanup(store.Stop)
	return store
}

// fakeClient 記錄收到的事件
type fakeClient struct {
	id     string
	mu     sync.Mutex
	events []internal.Event
	closed bool
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(ev internal.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) Events() []internal.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]internal.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeClient) Names() []string {
	events := c.Events()
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Type)
	}
	return names
}

func (c *fakeClient) Last(t *testing.T) internal.Event {
	t.Helper()
	events := c.Events()
	require.NotEmpty(t, events, "client %s received no events", c.id)
	return events[len(events)-1]
}

func (c *fakeClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// recordingSink 記錄投遞的事件
type recordingSink struct {
	mu     sync.Mutex
	events []internal.RoomEvent
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, ev internal.RoomEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		names = append(names, ev.Name)
	}
	return names
}

func (s *recordingSink) Events() []internal.RoomEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]internal.RoomEvent, len(s.events))
	copy(out, s.events)
	return out
}
