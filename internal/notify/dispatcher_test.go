package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
)

type fakeChannel struct {
	name  string
	err   error
	sends int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, _ Notification) error {
	f.sends++
	return f.err
}

type fakeSettings struct {
	overrides map[string]bool
}

func (f *fakeSettings) GetBool(_ context.Context, key string) (bool, bool) {
	v, ok := f.overrides[key]
	return v, ok
}

func newTestDispatcher(channels []Channel, enabled map[string]bool, settings SettingsReader) (*Dispatcher, *time.Time) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	d := NewDispatcher(channels, enabled, settings, nil, observability.NewNoopLogger(), nil)
	d.now = func() time.Time { return now }
	return d, &now
}

func testNotification() Notification {
	return Notification{
		EventType:     "anomaly",
		Title:         "High CPU",
		Body:          "cpu usage spiked",
		Severity:      models.SeverityCritical,
		ContainerID:   "c1",
		ContainerName: "web",
		EndpointID:    1,
	}
}

func TestDispatchCooldown(t *testing.T) {
	ch := &fakeChannel{name: "teams"}
	d, now := newTestDispatcher([]Channel{ch}, map[string]bool{"teams": true}, nil)

	assert.Equal(t, 1, d.Dispatch(context.Background(), testNotification()))
	// Second dispatch inside the window is suppressed without touching channels.
	assert.Equal(t, 0, d.Dispatch(context.Background(), testNotification()))
	assert.Equal(t, 1, ch.sends)

	*now = now.Add(16 * time.Minute)
	assert.Equal(t, 1, d.Dispatch(context.Background(), testNotification()))
	assert.Equal(t, 2, ch.sends)
}

func TestDispatchCooldownKeyedByContainerAndEvent(t *testing.T) {
	ch := &fakeChannel{name: "teams"}
	d, _ := newTestDispatcher([]Channel{ch}, map[string]bool{"teams": true}, nil)

	assert.Equal(t, 1, d.Dispatch(context.Background(), testNotification()))

	other := testNotification()
	other.ContainerID = "c2"
	assert.Equal(t, 1, d.Dispatch(context.Background(), other))

	otherEvent := testNotification()
	otherEvent.EventType = "threshold"
	assert.Equal(t, 1, d.Dispatch(context.Background(), otherEvent))
}

func TestDispatchFailureDoesNotRecordCooldown(t *testing.T) {
	ch := &fakeChannel{name: "teams", err: errors.New("post failed")}
	d, _ := newTestDispatcher([]Channel{ch}, map[string]bool{"teams": true}, nil)

	assert.Equal(t, 0, d.Dispatch(context.Background(), testNotification()))
	// The failed dispatch left no cooldown, so the next occurrence retries.
	assert.Equal(t, 0, d.Dispatch(context.Background(), testNotification()))
	assert.Equal(t, 2, ch.sends)
}

type gatedChannel struct {
	name    string
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	sends int
}

func (g *gatedChannel) Name() string { return g.name }

func (g *gatedChannel) Send(_ context.Context, _ Notification) error {
	g.entered <- struct{}{}
	<-g.release
	g.mu.Lock()
	g.sends++
	g.mu.Unlock()
	return nil
}

func TestDispatchConcurrentSameKeySingleDelivery(t *testing.T) {
	ch := &gatedChannel{name: "teams", entered: make(chan struct{}, 1), release: make(chan struct{})}
	d, _ := newTestDispatcher([]Channel{ch}, map[string]bool{"teams": true}, nil)

	first := make(chan int, 1)
	go func() { first <- d.Dispatch(context.Background(), testNotification()) }()
	<-ch.entered // first dispatch is mid-delivery and holds the key

	// The same container and event again, before the first delivery has
	// recorded its cooldown: must be suppressed, not double-delivered.
	assert.Equal(t, 0, d.Dispatch(context.Background(), testNotification()))

	close(ch.release)
	assert.Equal(t, 1, <-first)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, 1, ch.sends)
}

func TestDispatchPartialDeliveryRecordsCooldown(t *testing.T) {
	ok := &fakeChannel{name: "teams"}
	bad := &fakeChannel{name: "discord", err: errors.New("post failed")}
	d, _ := newTestDispatcher([]Channel{ok, bad}, map[string]bool{"teams": true, "discord": true}, nil)

	assert.Equal(t, 1, d.Dispatch(context.Background(), testNotification()))
	assert.Equal(t, 0, d.Dispatch(context.Background(), testNotification()))
	assert.Equal(t, 1, ok.sends)
	assert.Equal(t, 1, bad.sends)
}

func TestDispatchSettingsOverride(t *testing.T) {
	ch := &fakeChannel{name: "teams"}

	t.Run("db setting disables a config-enabled channel", func(t *testing.T) {
		ch.sends = 0
		settings := &fakeSettings{overrides: map[string]bool{"notify_teams_enabled": false}}
		d, _ := newTestDispatcher([]Channel{ch}, map[string]bool{"teams": true}, settings)

		assert.Equal(t, 0, d.Dispatch(context.Background(), testNotification()))
		assert.Equal(t, 0, ch.sends)
	})

	t.Run("db setting enables a config-disabled channel", func(t *testing.T) {
		ch.sends = 0
		settings := &fakeSettings{overrides: map[string]bool{"notify_teams_enabled": true}}
		d, _ := newTestDispatcher([]Channel{ch}, map[string]bool{"teams": false}, settings)

		assert.Equal(t, 1, d.Dispatch(context.Background(), testNotification()))
		assert.Equal(t, 1, ch.sends)
	})

	t.Run("no override falls back to config", func(t *testing.T) {
		ch.sends = 0
		d, _ := newTestDispatcher([]Channel{ch}, map[string]bool{"teams": false}, &fakeSettings{})

		assert.Equal(t, 0, d.Dispatch(context.Background(), testNotification()))
		assert.Equal(t, 0, ch.sends)
	})
}
