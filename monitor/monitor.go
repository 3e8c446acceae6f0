// Package monitor polls the archive change feed and dispatches every newly
// stored instance to a processor.
package monitor

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	pacswatch "gitlab.com/medical-research/pacswatch"
)

// Defaults used by NewMonitor.
const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxInterval = 5 * time.Minute
	DefaultMaxInFlight = 8
	DefaultChangeLimit = 100
	DefaultGracePeriod = 10 * time.Second
)

// ErrPollInProgress is returned by Poll while another poll is running.
var ErrPollInProgress = errors.New("poll already in progress")

// Monitor metrics.
var (
	pollCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacswatch_monitor_poll_count",
		Help: "Total number of change feed polls by outcome",
	}, []string{"outcome"})

	dispatchCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pacswatch_monitor_dispatch_count",
		Help: "Total number of instances handed to the pipeline",
	})

	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pacswatch_monitor_in_flight",
		Help: "Number of pipeline runs currently in flight",
	})
)

// Monitor watches the change feed. Create with NewMonitor.
type Monitor struct {
	Archive   pacswatch.ArchiveService
	Processor pacswatch.Processor

	// Optional. Persists the cursor across restarts.
	Ledger pacswatch.LedgerService

	// Time between polls. With Backoff set, consecutive failed polls double
	// the delay up to MaxInterval.
	Interval    time.Duration
	Backoff     bool
	MaxInterval time.Duration

	// Page size requested from the change feed.
	ChangeLimit int

	// Upper bound of concurrently running pipelines.
	MaxInFlight int

	// Options passed to every dispatched run.
	Options pacswatch.ProcessOptions

	// How long Close waits for running pipelines before cancelling them.
	GracePeriod time.Duration

	polling atomic.Bool

	mu           sync.Mutex
	cursor       int64
	cursorLoaded bool
	failures     int
	retry        map[string]struct{}

	// Running IDs, each with the lowest feed seq it was dispatched for.
	// Retries carry 0.
	inFlight map[string]int64

	// Highest cursor written to the ledger.
	saved int64

	wg     sync.WaitGroup
	ctx    context.Context // parent of every dispatched run
	cancel context.CancelFunc
}

// NewMonitor returns a Monitor with default settings.
func NewMonitor(archive pacswatch.ArchiveService, processor pacswatch.Processor) *Monitor {
	m := &Monitor{
		Archive:     archive,
		Processor:   processor,
		Interval:    DefaultInterval,
		MaxInterval: DefaultMaxInterval,
		ChangeLimit: DefaultChangeLimit,
		MaxInFlight: DefaultMaxInFlight,
		GracePeriod: DefaultGracePeriod,
		inFlight:    make(map[string]int64),
		retry:       make(map[string]struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Run polls immediately and then on every tick until ctx is done.
// Ticks that fall due while a poll is still running are skipped, not queued.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("[monitor] watching change feed every %s", m.Interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		start := time.Now()
		err := m.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case errors.Is(err, ErrPollInProgress):
			pollCount.WithLabelValues("skipped").Inc()
		case err != nil:
			log.Printf("[monitor] poll: %s", err)
		}

		if m.Interval > 0 {
			if missed := int(time.Since(start) / m.Interval); missed > 0 {
				log.Printf("[monitor] poll took %s, %d tick(s) skipped", time.Since(start).Round(time.Millisecond), missed)
				pollCount.WithLabelValues("skipped").Add(float64(missed))
			}
		}
		timer.Reset(m.Delay())
	}
}

// Poll re-dispatches retryable instances and then walks the change feed from
// the cursor, dispatching every NewInstance event. On a feed error the cursor
// is left where it was and the error is returned.
func (m *Monitor) Poll(ctx context.Context) error {
	if !m.polling.CompareAndSwap(false, true) {
		return ErrPollInProgress
	}
	defer m.polling.Store(false)

	if err := m.poll(ctx); err != nil {
		m.mu.Lock()
		m.failures++
		m.mu.Unlock()
		pollCount.WithLabelValues("error").Inc()
		return err
	}

	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	pollCount.WithLabelValues("ok").Inc()
	return nil
}

func (m *Monitor) poll(ctx context.Context) error {
	if err := m.loadCursor(ctx); err != nil {
		return err
	}

	m.redispatch()

	for {
		since := m.Cursor()
		list, err := m.Archive.ListChanges(ctx, since, m.ChangeLimit)
		if err != nil {
			return err
		}

		next, full := m.dispatchPage(list, since)
		m.advance(ctx, next)

		if full {
			log.Printf("[monitor] %d pipelines in flight, holding cursor at %d", m.MaxInFlight, next)
			return nil
		}
		if list.Done || len(list.Changes) == 0 || next <= since {
			return nil
		}
	}
}

// dispatchPage hands the page's new instances to the processor in feed order.
// It returns the sequence the cursor may advance to and whether it stopped
// early because the in-flight set was full.
func (m *Monitor) dispatchPage(list *pacswatch.ChangeList, since int64) (next int64, full bool) {
	next = since
	for _, e := range list.Changes {
		if e.IsNewInstance() && !m.dispatch(e.ID, e.Seq) {
			return next, true
		}
		if e.Seq > next {
			next = e.Seq
		}
	}
	if list.Last > next {
		next = list.Last
	}
	return next, false
}

// dispatch starts a pipeline run for id, seen at feed position seq or 0 for a
// retry. It reports false only when the in-flight set is full; an ID already
// in flight counts as dispatched.
func (m *Monitor) dispatch(id string, seq int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.inFlight[id]; ok {
		if seq > 0 && (prev == 0 || seq < prev) {
			m.inFlight[id] = seq
		}
		return true
	}
	if len(m.inFlight) >= m.MaxInFlight {
		return false
	}
	m.inFlight[id] = seq
	delete(m.retry, id)
	inFlightGauge.Inc()
	dispatchCount.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		result := m.Processor.Process(m.ctx, id, m.Options)

		m.mu.Lock()
		delete(m.inFlight, id)
		inFlightGauge.Dec()
		if result != nil && result.Retryable() {
			m.retry[id] = struct{}{}
		}
		m.mu.Unlock()

		// The run has concluded, so the saved cursor may move past it.
		m.saveCursor(context.Background())
	}()
	return true
}

// redispatch retries instances whose last run failed transiently.
func (m *Monitor) redispatch() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.retry))
	for id := range m.retry {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if !m.dispatch(id, 0) {
			return
		}
		log.Printf("[monitor] %s: retrying", id)
	}
}

// Retry queues ids for re-dispatch on the next poll.
func (m *Monitor) Retry(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.retry[id] = struct{}{}
	}
}

// Pending returns the IDs waiting for a retry.
func (m *Monitor) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.retry))
	for id := range m.retry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InFlight returns the number of running pipelines.
func (m *Monitor) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// Cursor returns the highest change sequence handled so far.
func (m *Monitor) Cursor() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Delay returns the time until the next poll.
func (m *Monitor) Delay() time.Duration {
	m.mu.Lock()
	failures := m.failures
	m.mu.Unlock()

	d := m.Interval
	if !m.Backoff || failures == 0 {
		return d
	}
	ceiling := m.MaxInterval
	if ceiling <= 0 {
		ceiling = DefaultMaxInterval
	}
	for i := 0; i < failures && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

func (m *Monitor) loadCursor(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.cursorLoaded
	m.mu.Unlock()
	if loaded || m.Ledger == nil {
		return nil
	}

	seq, err := m.Ledger.Cursor(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if seq > m.cursor {
		m.cursor = seq
	}
	if seq > m.saved {
		m.saved = seq
	}
	m.cursorLoaded = true
	m.mu.Unlock()
	log.Printf("[monitor] resuming change feed after seq %d", seq)
	return nil
}

// advance moves the cursor forward to seq. It never moves backwards.
func (m *Monitor) advance(ctx context.Context, seq int64) {
	m.mu.Lock()
	if seq <= m.cursor {
		m.mu.Unlock()
		return
	}
	m.cursor = seq
	m.mu.Unlock()

	m.saveCursor(ctx)
}

// durableCursor returns the cursor a restart may resume from: the in-memory
// cursor, held just before the oldest event whose run has not concluded.
// The caller must hold m.mu.
func (m *Monitor) durableCursor() int64 {
	c := m.cursor
	for _, seq := range m.inFlight {
		if seq > 0 && seq-1 < c {
			c = seq - 1
		}
	}
	return c
}

// saveCursor writes the durable cursor to the ledger when it moved forward.
func (m *Monitor) saveCursor(ctx context.Context) {
	if m.Ledger == nil {
		return
	}

	m.mu.Lock()
	seq := m.durableCursor()
	if seq <= m.saved {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.Ledger.SetCursor(ctx, seq); err != nil {
		log.Printf("[monitor] persist cursor %d: %s", seq, err)
		return
	}

	m.mu.Lock()
	if seq > m.saved {
		m.saved = seq
	}
	m.mu.Unlock()
}

// Close waits up to GracePeriod for running pipelines, then cancels them.
func (m *Monitor) Close() error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.GracePeriod):
		log.Printf("[monitor] cancelling %d pipeline(s) still in flight", m.InFlight())
		m.cancel()
		<-done
	}
	m.cancel()
	return nil
}
