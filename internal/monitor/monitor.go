// Package monitor feeds the triage pipeline from the shared mailbox. Webhook
// notifications land on a bounded in-process queue drained by a worker pool;
// two pollers (a fast one and a slow catch-up one) cover the gaps webhooks
// leave behind. All three sources converge on the same pipeline, which is
// what keeps double delivery harmless.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
	"github.com/mailwatch/phish-triage/internal/triage"
)

// MailboxClient is the provider surface the monitor reads from.
type MailboxClient interface {
	ListMessages(ctx context.Context, mailbox string, since time.Time, top, maxPages int) ([]*analysis.Message, error)
	GetMessage(ctx context.Context, mailbox, id string) (*analysis.Message, error)
}

// Processor runs one message through the triage pipeline.
type Processor interface {
	Process(ctx context.Context, msg *analysis.Message) (*analysis.Result, error)
}

// Config carries the coordinator settings. Zero values fall back to the
// documented defaults.
type Config struct {
	Mailbox   string
	QueueSize int
	Workers   int

	PollingEnabled bool
	PollInterval   time.Duration
	PollOverlap    time.Duration
	PageSize       int
	MaxPages       int

	CatchUpEnabled  bool
	CatchUpInterval time.Duration
	CatchUpLookback time.Duration
}

const (
	defaultQueueSize       = 100
	defaultWorkers         = 5
	defaultPollInterval    = 60 * time.Second
	defaultPollOverlap     = 60 * time.Second
	defaultCatchUpInterval = 15 * time.Minute
	defaultCatchUpLookback = 30 * time.Minute

	fetchTimeout   = 30 * time.Second
	processTimeout = 2 * time.Minute
)

// Monitor owns the notification queue, the worker pool, and the pollers.
type Monitor struct {
	cfg      Config
	mailbox  MailboxClient
	pipeline Processor
	mx       *metrics.Metrics

	queue chan string
	now   func() time.Time

	// lastCheck is owned by the periodic poll loop.
	lastCheck time.Time

	// Stats
	enqueued      int64
	dropped       int64
	processed     int64
	blocked       int64
	failed        int64
	fetchFailures int64
	pollCycles    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// New builds a monitor. The queue exists immediately so the webhook handler
// can enqueue before Start, but nothing drains it until Start is called.
func New(mailbox MailboxClient, pipeline Processor, mx *metrics.Metrics, cfg Config) *Monitor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollOverlap <= 0 {
		cfg.PollOverlap = defaultPollOverlap
	}
	if cfg.CatchUpInterval <= 0 {
		cfg.CatchUpInterval = defaultCatchUpInterval
	}
	if cfg.CatchUpLookback <= 0 {
		cfg.CatchUpLookback = defaultCatchUpLookback
	}

	return &Monitor{
		cfg:      cfg,
		mailbox:  mailbox,
		pipeline: pipeline,
		mx:       mx,
		queue:    make(chan string, cfg.QueueSize),
		now:      time.Now,
	}
}

// Start launches the worker pool and the enabled pollers.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.lastCheck = m.now()
	m.mu.Unlock()

	log.Printf("[Monitor] Starting %d workers (queue_size=%d, polling=%v, catchup=%v)",
		m.cfg.Workers, m.cfg.QueueSize, m.cfg.PollingEnabled, m.cfg.CatchUpEnabled)

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	if m.cfg.PollingEnabled {
		m.wg.Add(1)
		go m.pollLoop()
	}
	if m.cfg.CatchUpEnabled {
		m.wg.Add(1)
		go m.catchUpLoop()
	}
}

// Stop cancels the pollers and waits for in-flight work to finish. Ids still
// sitting in the queue are abandoned; the pollers re-cover them by time range
// on the next start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	log.Println("[Monitor] Stopping...")
	m.wg.Wait()

	log.Printf("[Monitor] Stopped. Stats: enqueued=%d, dropped=%d, processed=%d, blocked=%d, failed=%d",
		atomic.LoadInt64(&m.enqueued),
		atomic.LoadInt64(&m.dropped),
		atomic.LoadInt64(&m.processed),
		atomic.LoadInt64(&m.blocked),
		atomic.LoadInt64(&m.failed))
}

// IsRunning reports whether the monitor has been started.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Enqueue hands a provider id to the worker pool without blocking. A full
// queue drops the id; the pollers pick the message up later by time range.
func (m *Monitor) Enqueue(id string) bool {
	select {
	case m.queue <- id:
		atomic.AddInt64(&m.enqueued, 1)
		m.mx.RecordNotification("webhook", "enqueued")
		m.mx.SetQueueDepth(len(m.queue))
		return true
	default:
		atomic.AddInt64(&m.dropped, 1)
		m.mx.RecordNotification("webhook", "dropped")
		logger.Warn("notification queue full, dropping id", "provider_id", id)
		return false
	}
}

// TriggerCatchUp runs one catch-up poll in the background. Used when the
// push subscription is lost and webhooks stop arriving.
func (m *Monitor) TriggerCatchUp() {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return
	}
	ctx := m.ctx
	// Registered under the lock so Stop cannot pass its Wait first.
	m.wg.Add(1)
	m.mu.RUnlock()

	go func() {
		defer m.wg.Done()
		m.pollWindow(ctx, "catchup", m.now().Add(-m.cfg.CatchUpLookback))
	}()
}

// Stats exposes the counters for the deep health check.
func (m *Monitor) Stats() map[string]int64 {
	return map[string]int64{
		"queue_depth":    int64(len(m.queue)),
		"enqueued":       atomic.LoadInt64(&m.enqueued),
		"dropped":        atomic.LoadInt64(&m.dropped),
		"processed":      atomic.LoadInt64(&m.processed),
		"blocked":        atomic.LoadInt64(&m.blocked),
		"failed":         atomic.LoadInt64(&m.failed),
		"fetch_failures": atomic.LoadInt64(&m.fetchFailures),
		"poll_cycles":    atomic.LoadInt64(&m.pollCycles),
	}
}

// worker drains the notification queue: fetch the full message, then run the
// pipeline.
func (m *Monitor) worker(workerNum int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			m.mx.SetQueueDepth(len(m.queue))

			fetchCtx, cancel := context.WithTimeout(m.ctx, fetchTimeout)
			msg, err := m.mailbox.GetMessage(fetchCtx, m.cfg.Mailbox, id)
			cancel()
			if err != nil {
				atomic.AddInt64(&m.fetchFailures, 1)
				log.Printf("[Monitor] Worker %d: fetch %s failed: %v", workerNum, id, err)
				continue
			}

			m.submit(m.ctx, msg)
		}
	}
}

// pollLoop is the fast poller: every interval, list messages received since
// the last check minus an overlap window, and submit each one. The overlap
// re-reads the tail of the previous window; the guard and dedup layers make
// the repeats free.
func (m *Monitor) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	log.Printf("[Monitor] Poller started (interval=%s, overlap=%s)", m.cfg.PollInterval, m.cfg.PollOverlap)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			start := m.now()
			if m.pollWindow(m.ctx, "poller", m.lastCheck.Add(-m.cfg.PollOverlap)) {
				m.lastCheck = start
			}
		}
	}
}

// catchUpLoop is the slow safety net that runs even when webhooks are
// trusted. It always looks back a fixed window from now.
func (m *Monitor) catchUpLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CatchUpInterval)
	defer ticker.Stop()

	log.Printf("[Monitor] Catch-up poller started (interval=%s, lookback=%s)", m.cfg.CatchUpInterval, m.cfg.CatchUpLookback)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pollWindow(m.ctx, "catchup", m.now().Add(-m.cfg.CatchUpLookback))
		}
	}
}

// pollWindow lists messages received since the given time and submits each
// through the pipeline. Returns false when the listing itself failed, so the
// caller keeps its previous window and retries the same range next cycle.
func (m *Monitor) pollWindow(ctx context.Context, source string, since time.Time) bool {
	atomic.AddInt64(&m.pollCycles, 1)

	msgs, err := m.mailbox.ListMessages(ctx, m.cfg.Mailbox, since, m.cfg.PageSize, m.cfg.MaxPages)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Monitor] %s list since %s failed: %v", source, since.Format(time.RFC3339), err)
		}
		return false
	}

	for _, msg := range msgs {
		m.mx.RecordNotification(source, "enqueued")
		m.submit(ctx, msg)
	}
	return true
}

// submit runs one full message through the pipeline and counts the outcome.
// Blocked messages are the normal case for poll overlap and webhook/poll
// double delivery, so they only count, they do not log here.
func (m *Monitor) submit(parent context.Context, msg *analysis.Message) {
	ctx, cancel := context.WithTimeout(parent, processTimeout)
	defer cancel()

	_, err := m.pipeline.Process(ctx, msg)
	switch {
	case err == nil:
		atomic.AddInt64(&m.processed, 1)
	case isBlocked(err):
		atomic.AddInt64(&m.blocked, 1)
	default:
		atomic.AddInt64(&m.failed, 1)
	}
}

func isBlocked(err error) bool {
	var blocked *triage.BlockedError
	return errors.As(err, &blocked)
}
