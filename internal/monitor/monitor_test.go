package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/triage"
)

const fakeMailbox = "phishing@corp.test"

type stubMailbox struct {
	mu        sync.Mutex
	messages  map[string]*analysis.Message
	listQueue [][]*analysis.Message
	listSince []time.Time
}

func (s *stubMailbox) ListMessages(_ context.Context, _ string, since time.Time, _, _ int) ([]*analysis.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listSince = append(s.listSince, since)
	if len(s.listQueue) == 0 {
		return nil, nil
	}
	batch := s.listQueue[0]
	s.listQueue = s.listQueue[1:]
	return batch, nil
}

func (s *stubMailbox) GetMessage(_ context.Context, _ string, id string) (*analysis.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("graph API error (status 404): message %s not found", id)
	}
	return msg, nil
}

func (s *stubMailbox) sinceArgs() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.listSince))
	copy(out, s.listSince)
	return out
}

type stubProcessor struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *stubProcessor) Process(_ context.Context, msg *analysis.Message) (*analysis.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, msg.ID)
	if s.err != nil {
		return nil, s.err
	}
	return &analysis.Result{AnalysisID: "a-" + msg.ID, MessageID: msg.ID}, nil
}

func (s *stubProcessor) processedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

func newMonitor(t *testing.T, mailbox *stubMailbox, proc *stubProcessor, cfg Config) (*Monitor, *metrics.Metrics) {
	t.Helper()

	if cfg.Mailbox == "" {
		cfg.Mailbox = fakeMailbox
	}
	reg := prometheus.NewRegistry()
	mx := metrics.NewWith(reg, reg)
	return New(mailbox, proc, mx, cfg), mx
}

func testMessage(id string) *analysis.Message {
	return &analysis.Message{ID: id, From: "reporter@corp.test", Subject: "FW: odd mail " + id}
}

func TestWorkersProcessEnqueuedNotifications(t *testing.T) {
	mailbox := &stubMailbox{messages: map[string]*analysis.Message{
		"m1": testMessage("m1"),
		"m2": testMessage("m2"),
		"m3": testMessage("m3"),
	}}
	proc := &stubProcessor{}
	mon, mx := newMonitor(t, mailbox, proc, Config{Workers: 2})

	assert.True(t, mon.Enqueue("m1"))
	assert.True(t, mon.Enqueue("m2"))
	assert.True(t, mon.Enqueue("m3"))

	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return mon.Stats()["processed"] == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, proc.processedIDs())
	assert.Equal(t, 3.0, testutil.ToFloat64(mx.NotificationsTotal.WithLabelValues("webhook", "enqueued")))
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	mon, mx := newMonitor(t, &stubMailbox{}, &stubProcessor{}, Config{QueueSize: 1})

	assert.True(t, mon.Enqueue("m1"))
	assert.False(t, mon.Enqueue("m2"))

	assert.Equal(t, int64(1), mon.Stats()["dropped"])
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.NotificationsTotal.WithLabelValues("webhook", "dropped")))
}

func TestWorkerCountsFetchFailures(t *testing.T) {
	mailbox := &stubMailbox{messages: map[string]*analysis.Message{
		"m1": testMessage("m1"),
	}}
	proc := &stubProcessor{}
	mon, _ := newMonitor(t, mailbox, proc, Config{Workers: 1})

	mon.Enqueue("m1")
	mon.Enqueue("missing")

	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return mon.Stats()["fetch_failures"] == 1 && len(proc.processedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"m1"}, proc.processedIDs())
}

func TestPollerSubmitsRecentMessages(t *testing.T) {
	mailbox := &stubMailbox{listQueue: [][]*analysis.Message{
		{testMessage("p1"), testMessage("p2")},
	}}
	proc := &stubProcessor{}
	mon, mx := newMonitor(t, mailbox, proc, Config{
		Workers:        1,
		PollingEnabled: true,
		PollInterval:   20 * time.Millisecond,
	})

	start := time.Now()
	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return len(proc.processedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"p1", "p2"}, proc.processedIDs())
	assert.Equal(t, 2.0, testutil.ToFloat64(mx.NotificationsTotal.WithLabelValues("poller", "enqueued")))

	// First window reaches back one overlap period behind the start time.
	since := mailbox.sinceArgs()
	require.NotEmpty(t, since)
	assert.WithinDuration(t, start.Add(-defaultPollOverlap), since[0], 5*time.Second)
}

func TestCatchUpPollerUsesLookbackWindow(t *testing.T) {
	mailbox := &stubMailbox{listQueue: [][]*analysis.Message{
		{testMessage("c1")},
	}}
	proc := &stubProcessor{}
	mon, mx := newMonitor(t, mailbox, proc, Config{
		Workers:         1,
		CatchUpEnabled:  true,
		CatchUpInterval: 20 * time.Millisecond,
		CatchUpLookback: time.Hour,
	})

	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return len(proc.processedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(mx.NotificationsTotal.WithLabelValues("catchup", "enqueued")))

	since := mailbox.sinceArgs()
	require.NotEmpty(t, since)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), since[0], 5*time.Second)
}

func TestTriggerCatchUpPollsOnce(t *testing.T) {
	mailbox := &stubMailbox{listQueue: [][]*analysis.Message{
		{testMessage("t1")},
	}}
	proc := &stubProcessor{}
	mon, _ := newMonitor(t, mailbox, proc, Config{Workers: 1, CatchUpLookback: time.Hour})

	// Not running yet: trigger is a no-op.
	mon.TriggerCatchUp()
	assert.Empty(t, mailbox.sinceArgs())

	mon.Start()
	defer mon.Stop()

	mon.TriggerCatchUp()

	require.Eventually(t, func() bool {
		return len(proc.processedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"t1"}, proc.processedIDs())
}

func TestBlockedMessagesCountSeparately(t *testing.T) {
	mailbox := &stubMailbox{messages: map[string]*analysis.Message{
		"m1": testMessage("m1"),
	}}
	proc := &stubProcessor{err: &triage.BlockedError{Stage: triage.StageGuard, Reason: "duplicate-message-id"}}
	mon, _ := newMonitor(t, mailbox, proc, Config{Workers: 1})

	mon.Enqueue("m1")
	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return mon.Stats()["blocked"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(0), mon.Stats()["processed"])
	assert.Equal(t, int64(0), mon.Stats()["failed"])
}

func TestStartStopIdempotent(t *testing.T) {
	mon, _ := newMonitor(t, &stubMailbox{}, &stubProcessor{}, Config{Workers: 1})

	assert.False(t, mon.IsRunning())
	mon.Start()
	mon.Start()
	assert.True(t, mon.IsRunning())

	mon.Stop()
	mon.Stop()
	assert.False(t, mon.IsRunning())
}
