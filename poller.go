package khanasathi

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nispal155/khanasathi/sdk/golang/internal/metrics"
)

// FetchFunc re-fetches authoritative state. Errors are logged and retried on
// the next tick.
type FetchFunc func(ctx context.Context) error

// IntervalFunc selects the delay before the next fetch.
type IntervalFunc func() time.Duration

const (
	// DefaultPollConnected is the safety-net interval while the socket is up.
	DefaultPollConnected = 120 * time.Second
	// DefaultPollDegraded is the catch-up interval while it is not.
	DefaultPollDegraded = 10 * time.Second

	defaultFetchTimeout = 15 * time.Second
)

// AdaptiveInterval polls slowly while the socket is connected and quickly
// while it is not. Zero durations select the defaults.
func AdaptiveInterval(t Transport, connected, degraded time.Duration) IntervalFunc {
	if connected <= 0 {
		connected = DefaultPollConnected
	}
	if degraded <= 0 {
		degraded = DefaultPollDegraded
	}
	return func() time.Duration {
		if t.State() == StateConnected {
			return connected
		}
		return degraded
	}
}

// Poller runs a fetch on a timer as a backstop for missed socket events.
// It only stops through Stop; fetch failures never end it.
type Poller struct {
	log          zerolog.Logger
	fetchTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	rearm  chan struct{}
	done   chan struct{}
}

// NewPoller creates a stopped poller. A zero fetchTimeout selects 15s.
func NewPoller(log zerolog.Logger, fetchTimeout time.Duration) *Poller {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Poller{
		log:          log.With().Str("component", "poller").Logger(),
		fetchTimeout: fetchTimeout,
	}
}

// Start begins polling. The first fetch happens one interval from now.
// Starting a running poller is a no-op.
func (p *Poller) Start(fetch FetchFunc, interval IntervalFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.rearm = make(chan struct{}, 1)
	p.done = make(chan struct{})
	go p.loop(ctx, fetch, interval, p.rearm, p.done)
}

// Stop ends polling and waits for an in-flight fetch to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.rearm, p.done = nil, nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poller is started.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Reevaluate re-arms the timer with a freshly selected interval. Call it on
// every connection state transition.
func (p *Poller) Reevaluate() {
	p.mu.Lock()
	rearm := p.rearm
	p.mu.Unlock()
	if rearm == nil {
		return
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context, fetch FetchFunc, interval IntervalFunc, rearm <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rearm:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			d := interval()
			p.log.Debug().Dur("interval", d).Msg("poll interval re-evaluated")
			timer.Reset(d)
		case <-timer.C:
			p.tick(ctx, fetch)
			timer.Reset(interval())
		}
	}
}

func (p *Poller) tick(ctx context.Context, fetch FetchFunc) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.PollTicks.WithLabelValues("error").Inc()
			p.log.Error().Interface("panic", r).Msg("poll fetch panicked")
		}
	}()

	start := time.Now()
	err := fetch(fetchCtx)
	metrics.PollLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PollTicks.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("poll fetch failed")
		}
		return
	}
	metrics.PollTicks.WithLabelValues("ok").Inc()
}
