package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

type fakeNotifier struct {
	name string
	mu   sync.Mutex
	sent []Notification
	// fail the first n sends
	failures int
	err      error
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("unreachable")
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var t0 = time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)

func sample(tank int64, sev logic.Severity, kind Kind) Notification {
	return Notification{AlertID: "a1", TankID: tank, Severity: sev, Kind: kind, Message: "tank too hot", Timestamp: t0}
}

func newTestFanout(cfg Config, targets ...Target) (*Fanout, *time.Time) {
	f := NewFanout(cfg, zap.NewNop(), targets...)
	now := t0
	f.nowFunc = func() time.Time { return now }
	f.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f, &now
}

func TestFormatPayload(t *testing.T) {
	b, err := FormatPayload(sample(3, logic.SeverityError, KindOpened))
	require.NoError(t, err)

	var p Payload
	require.NoError(t, json.Unmarshal(b, &p))
	assert.Equal(t, int64(3), p.TankID)
	assert.Equal(t, "error", p.Severity)
	assert.Equal(t, "2026-10-12T08:00:00Z", p.Timestamp)
	assert.Equal(t, "opened", p.Kind)
}

func TestText(t *testing.T) {
	assert.Equal(t, "[RESOLVED] warning: tank too hot", Text(sample(1, logic.SeverityWarning, KindResolved)))
	assert.Equal(t, "[ESCALATED] critical: tank too hot", Text(sample(1, logic.SeverityCritical, KindEscalated)))
}

func TestDeliverRespectsTankFilter(t *testing.T) {
	global := &fakeNotifier{name: "global"}
	scoped := &fakeNotifier{name: "scoped"}
	f, _ := newTestFanout(DefaultConfig(),
		Target{Notifier: global},
		Target{Notifier: scoped, Tanks: []int64{2}},
	)

	f.Deliver(context.Background(), sample(1, logic.SeverityWarning, KindOpened))
	f.Deliver(context.Background(), sample(2, logic.SeverityWarning, KindOpened))

	assert.Equal(t, 2, global.count())
	assert.Equal(t, 1, scoped.count())
}

func TestDeliverRateLimitsPerKey(t *testing.T) {
	n := &fakeNotifier{name: "n"}
	f, now := newTestFanout(Config{MinInterval: 5 * time.Minute, Attempts: 1}, Target{Notifier: n})
	ctx := context.Background()

	f.Deliver(ctx, sample(1, logic.SeverityWarning, KindOpened))
	f.Deliver(ctx, sample(1, logic.SeverityWarning, KindOpened))
	assert.Equal(t, 1, n.count(), "duplicate within interval suppressed")

	// different key passes
	f.Deliver(ctx, sample(1, logic.SeverityWarning, KindResolved))
	f.Deliver(ctx, sample(2, logic.SeverityWarning, KindOpened))
	f.Deliver(ctx, sample(1, logic.SeverityCritical, KindOpened))
	assert.Equal(t, 4, n.count())

	*now = now.Add(5 * time.Minute)
	f.Deliver(ctx, sample(1, logic.SeverityWarning, KindOpened))
	assert.Equal(t, 5, n.count())
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	n := &fakeNotifier{name: "flaky", failures: 2}
	f, _ := newTestFanout(Config{Attempts: 3}, Target{Notifier: n})

	f.Deliver(context.Background(), sample(1, logic.SeverityError, KindOpened))
	assert.Equal(t, 1, n.count())
	assert.NoError(t, f.LastError())
}

func TestDeliveryFailureDoesNotBlockOthers(t *testing.T) {
	bad := &fakeNotifier{name: "bad", err: errors.New("403")}
	good := &fakeNotifier{name: "good"}
	f, _ := newTestFanout(Config{Attempts: 2}, Target{Notifier: bad}, Target{Notifier: good})

	f.Deliver(context.Background(), sample(1, logic.SeverityError, KindOpened))

	assert.Equal(t, 1, good.count())
	var derr *DeliveryError
	require.True(t, errors.As(f.LastError(), &derr))
	assert.Equal(t, "bad", derr.Notifier)
	assert.Equal(t, 2, derr.Attempts)
}

func TestNotifyNeverBlocks(t *testing.T) {
	f, _ := newTestFanout(Config{QueueSize: 1}, Target{Notifier: &fakeNotifier{name: "n"}})

	assert.True(t, f.Notify(sample(1, logic.SeverityWarning, KindOpened)))
	assert.False(t, f.Notify(sample(1, logic.SeverityWarning, KindOpened)), "full queue drops")
}

func TestNotifySkipsUninterestedQueues(t *testing.T) {
	scoped := &fakeNotifier{name: "scoped"}
	f, _ := newTestFanout(Config{QueueSize: 1}, Target{Notifier: scoped, Tanks: []int64{2}})

	// tank 1 never reaches the scoped queue, so it cannot fill it
	for i := 0; i < 3; i++ {
		assert.True(t, f.Notify(sample(1, logic.SeverityWarning, KindOpened)))
	}
	assert.True(t, f.Notify(sample(2, logic.SeverityWarning, KindOpened)))
}

// hungNotifier never answers until its context ends.
type hungNotifier struct{}

func (hungNotifier) Name() string { return "hung" }

func (hungNotifier) Send(ctx context.Context, _ Notification) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHungNotifierDoesNotDelayOthers(t *testing.T) {
	healthy := &fakeNotifier{name: "healthy"}
	f, _ := newTestFanout(Config{QueueSize: 2, Attempts: 3, SendTimeout: 10 * time.Second},
		Target{Notifier: hungNotifier{}},
		Target{Notifier: healthy},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	for i := 1; i <= 6; i++ {
		f.Notify(sample(int64(i), logic.SeverityCritical, KindOpened))
		require.Eventually(t, func() bool { return healthy.count() == i }, 200*time.Millisecond, time.Millisecond,
			"notification %d held up behind the hung notifier", i)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunDeliversQueued(t *testing.T) {
	n := &fakeNotifier{name: "n"}
	f, _ := newTestFanout(Config{QueueSize: 4, Attempts: 1}, Target{Notifier: n})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	f.Notify(sample(1, logic.SeverityWarning, KindOpened))
	assert.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

type fakeAlertPublisher struct {
	payloads [][]byte
}

func (f *fakeAlertPublisher) PublishAlert(p []byte) error {
	f.payloads = append(f.payloads, p)
	return nil
}

func TestMQTTNotifier(t *testing.T) {
	pub := &fakeAlertPublisher{}
	m := NewMQTTNotifier(pub)
	require.NoError(t, m.Send(context.Background(), sample(4, logic.SeverityCritical, KindEscalated)))
	require.Len(t, pub.payloads, 1)
	assert.Contains(t, string(pub.payloads[0]), `"tank_id":4`)
}

func TestEmailNotifier(t *testing.T) {
	e := NewEmailNotifier(EmailConfig{
		Addr:     "smtp.example.com:587",
		Username: "keeper",
		Password: "secret",
		From:     "vivarium@example.com",
		To:       []string{"keeper@example.com"},
	})

	var gotAddr string
	var gotMsg []byte
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.NotNil(t, a)
		assert.Equal(t, []string{"keeper@example.com"}, to)
		return nil
	}

	require.NoError(t, e.Send(context.Background(), sample(1, logic.SeverityError, KindOpened)))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: [vivarium] opened error alert")
	assert.Contains(t, string(gotMsg), "[ALERT] error: tank too hot")
}

func TestEmailNotifierBadAddress(t *testing.T) {
	e := NewEmailNotifier(EmailConfig{Addr: "nohostport", Username: "u"})
	assert.Error(t, e.Send(context.Background(), sample(1, logic.SeverityError, KindOpened)))
}
