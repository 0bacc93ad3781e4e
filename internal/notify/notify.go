// Package notify delivers task outcomes to the user over registered
// channels. Delivery is fire and forget from the worker's point of view:
// Notify enqueues and returns, a small pool drains the queue with rate
// limiting, retry and a dedup window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskmind/internal/eventbus"
	rtsup "taskmind/internal/runtime/supervisor"
	logx "taskmind/pkg/logx"
)

var (
	ErrQueueFull      = errors.New("notify queue full")
	ErrStopped        = errors.New("notify service stopped")
	ErrUnknownChannel = errors.New("unknown notification channel")
)

// Message is one notification to deliver.
type Message struct {
	UserID   string
	TaskID   string
	Title    string
	Text     string
	Priority int
	// Channels names the senders to use; empty means every registered one.
	Channels []string
}

// Sender delivers messages over one channel ("telegram", "log", ...).
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Config controls the delivery pipeline.
type Config struct {
	Workers         int           `json:"workers"`
	QueueSize       int           `json:"queue_size"`
	RatePerSec      int           `json:"rate_per_sec"`
	RetryMax        int           `json:"retry_max"`
	RetryBase       time.Duration `json:"-"`
	RetryMaxDelay   time.Duration `json:"-"`
	DedupWindow     time.Duration `json:"-"`
	DedupMaxEntries int           `json:"dedup_max_entries"`
	SendTimeout     time.Duration `json:"-"`
}

type job struct {
	m        Message
	channels []Sender
	dedupKey string
}

// Service is the async delivery pipeline. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	senders map[string]Sender

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, senders ...Sender) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		senders: make(map[string]Sender, len(senders)),
		dedup:   map[string]time.Time{},
	}
	for _, snd := range senders {
		s.senders[snd.Name()] = snd
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the runtime tunables. Queue size and worker count take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes drain without a stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Channels returns the registered channel names.
func (s *Service) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.senders))
	for name := range s.senders {
		out = append(out, name)
	}
	return out
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		// Delivery is best-effort; a failing sender never takes the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notify worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop blocks intake and drains best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues the message for delivery on its channels and returns
// immediately. Unknown channel names are reported, known ones still deliver.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries

	var (
		targets []Sender
		unknown []string
	)
	if len(m.Channels) == 0 {
		for _, snd := range s.senders {
			targets = append(targets, snd)
		}
	} else {
		for _, name := range m.Channels {
			if snd, ok := s.senders[name]; ok {
				targets = append(targets, snd)
			} else {
				unknown = append(unknown, name)
			}
		}
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, strings.Join(unknown, ", "))
	}

	key := dedupKey(m)
	if dedupWindow > 0 && !s.dedupAllow(key, dedupWindow, dedupMax) {
		return nil
	}

	select {
	case q <- job{m: m, channels: targets, dedupKey: key}:
		if len(unknown) > 0 {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, strings.Join(unknown, ", "))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	for _, snd := range j.channels {
		err := s.sendWithRetry(ctx, cfg, lim, snd, j.m)
		now := time.Now()
		if err == nil {
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Time: now, Data: DeliveryEvent{
					Channel: snd.Name(), UserID: j.m.UserID, TaskID: j.m.TaskID, At: now,
				}})
			}
			continue
		}
		s.log.Warn("notification delivery failed",
			logx.String("channel", snd.Name()),
			logx.String("task_id", j.m.TaskID),
			logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Time: now, Data: DeliveryEvent{
				Channel: snd.Name(), UserID: j.m.UserID, TaskID: j.m.TaskID, At: now, Error: err.Error(),
			}})
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, snd Sender, m Message) error {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := snd.Send(callCtx, m)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

// DeliveryEvent is the bus payload for sent/failed deliveries.
type DeliveryEvent struct {
	Channel string    `json:"channel"`
	UserID  string    `json:"user_id"`
	TaskID  string    `json:"task_id"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.UserID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(m.TaskID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(m.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3 so retries from parallel workers spread out.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
