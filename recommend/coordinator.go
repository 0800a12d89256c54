package recommend

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc produces a fresh recommendation response. It is usually
// Client.GetRecommendations but tests substitute their own.
type FetchFunc func(ctx context.Context, req RecommendationRequest) (*RecommendationResponse, error)

// State is an observable snapshot of one strategy's refresh cycle.
type State struct {
	Loading       bool
	Err           error
	LastRefreshAt time.Time
}

var newRefreshTicker = func(d time.Duration) ticker {
	return &timeTicker{ticker: time.NewTicker(d)}
}

// Coordinator deduplicates and schedules recommendation fetches. Concurrent
// requests for the same strategy/variant key collapse into a single
// in-flight fetch whose result every caller shares. Each key that has been
// requested once is also refreshed periodically in the background, until
// the server rejects the credentials or the coordinator is closed.
type Coordinator struct {
	cache    *Cache
	fetch    FetchFunc
	logger   Logger
	interval time.Duration

	group singleflight.Group

	mu     sync.Mutex
	tasks  map[string]*refreshTask
	closed bool
	wg     sync.WaitGroup
}

type refreshTask struct {
	req    RecommendationRequest
	stopCh chan struct{}

	loading bool
	err     error
	lastAt  time.Time
	halted  bool
	stopped bool
	flight  *flight
}

// flight is the state of one in-flight fetch. Cancellation is latched here
// rather than on the task, so every waiter sharing the flight observes it,
// no matter in which order they wake up.
type flight struct {
	cancel    context.CancelFunc
	cancelled bool
}

// NewCoordinator returns a coordinator that stores results in cache and
// refreshes every known key every interval. interval <= 0 means the cache's
// TTL, so entries are re-fetched about as often as they expire.
func NewCoordinator(cache *Cache, fetch FetchFunc, interval time.Duration, logger Logger) *Coordinator {
	if interval <= 0 {
		interval = cache.TTL()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Coordinator{
		cache:    cache,
		fetch:    fetch,
		logger:   logger,
		interval: interval,
		tasks:    make(map[string]*refreshTask),
	}
}

// Ensure returns recommendations for req, from the cache when possible.
//
// A fresh cache entry is returned directly. An expired entry is returned
// immediately as well, with a background refresh kicked off, so the caller
// never waits for the network when any data exists. Only a cold key blocks
// on the fetch. Calling Ensure also (re)arms the periodic refresh for the
// key, including after it was halted by an authorization failure.
func (co *Coordinator) Ensure(ctx context.Context, req RecommendationRequest) (*RecommendationResponse, error) {
	key := Key(req.Strategy, req.Variants)
	co.armTask(key, req)

	if !req.ForceRefresh {
		if resp, fresh, ok := co.cache.Read(key); ok {
			if fresh {
				return resp, nil
			}
			co.refreshAsync(key, req)
			return resp, nil
		}
	}
	return co.refresh(ctx, key, req)
}

// ForceRefresh bypasses the cache and fetches fresh recommendations,
// sharing the flight with any concurrent request for the same key.
func (co *Coordinator) ForceRefresh(ctx context.Context, req RecommendationRequest) (*RecommendationResponse, error) {
	key := Key(req.Strategy, req.Variants)
	co.armTask(key, req)
	return co.refresh(ctx, key, req)
}

// Cancel stops the periodic refresh for the given strategy/variants and
// aborts its in-flight fetch, if any. Waiters receive a context.Canceled
// error and the result of the aborted fetch never reaches the cache. A
// later Ensure re-arms the refresh cycle.
func (co *Coordinator) Cancel(strategy string, variants map[string]string) {
	key := Key(strategy, variants)
	co.mu.Lock()
	t := co.tasks[key]
	if t != nil {
		if t.flight != nil {
			t.flight.cancelled = true
			t.flight.cancel()
		}
		if !t.stopped {
			t.stopped = true
			close(t.stopCh)
		}
	}
	co.mu.Unlock()
	co.group.Forget(key)
}

// State returns the refresh state of the given strategy/variants.
func (co *Coordinator) State(strategy string, variants map[string]string) State {
	key := Key(strategy, variants)
	co.mu.Lock()
	defer co.mu.Unlock()
	t := co.tasks[key]
	if t == nil {
		return State{}
	}
	return State{
		Loading:       t.loading,
		Err:           t.err,
		LastRefreshAt: t.lastAt,
	}
}

// Close stops all periodic refreshes and cancels in-flight fetches. The
// coordinator can not be reused afterwards.
func (co *Coordinator) Close() {
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		return
	}
	co.closed = true
	for _, t := range co.tasks {
		if !t.stopped {
			t.stopped = true
			close(t.stopCh)
		}
		if t.flight != nil {
			t.flight.cancelled = true
			t.flight.cancel()
		}
	}
	co.mu.Unlock()
	co.wg.Wait()
}

// armTask makes sure a periodic refresh loop exists for key and clears any
// halt caused by an earlier authorization failure.
func (co *Coordinator) armTask(key string, req RecommendationRequest) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.closed {
		return
	}
	if t, ok := co.tasks[key]; ok {
		t.halted = false
		if t.stopped {
			t.stopped = false
			t.stopCh = make(chan struct{})
			co.wg.Add(1)
			go co.runRefreshLoop(key, t, t.stopCh)
		}
		return
	}
	t := &refreshTask{req: req, stopCh: make(chan struct{})}
	co.tasks[key] = t
	co.wg.Add(1)
	go co.runRefreshLoop(key, t, t.stopCh)
}

func (co *Coordinator) runRefreshLoop(key string, t *refreshTask, stop <-chan struct{}) {
	defer co.wg.Done()
	tick := newRefreshTicker(co.interval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C():
			co.mu.Lock()
			halted := t.halted
			co.mu.Unlock()
			if halted {
				continue
			}
			if _, err := co.refresh(context.Background(), key, t.req); err != nil {
				co.logger.Warnf("recommend: periodic refresh of %q failed: %v", key, err)
			}
		}
	}
}

func (co *Coordinator) refreshAsync(key string, req RecommendationRequest) {
	go func() {
		if _, err := co.refresh(context.Background(), key, req); err != nil {
			co.logger.Warnf("recommend: background refresh of %q failed: %v", key, err)
		}
	}()
}

// refresh performs a single-flight fetch for key. The flight runs on its
// own context so that one caller going away does not abort it for the
// others; only an explicit Cancel does. A caller whose ctx ends merely
// detaches from the flight, which keeps running and still lands in the
// cache.
func (co *Coordinator) refresh(ctx context.Context, key string, req RecommendationRequest) (*RecommendationResponse, error) {
	co.setTaskState(key, func(t *refreshTask) {
		t.loading = true
	})

	ch := co.group.DoChan(key, func() (interface{}, error) {
		return co.runFlight(key, req)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Val.(*RecommendationResponse), nil
}

// runFlight executes one fetch for key. All flight bookkeeping lives here,
// so every waiter sharing the flight observes the same outcome: a cancelled
// flight yields context.Canceled to all of them and its result never
// reaches the cache.
func (co *Coordinator) runFlight(key string, req RecommendationRequest) (*RecommendationResponse, error) {
	fetchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &flight{cancel: cancel}
	co.setTaskState(key, func(t *refreshTask) {
		t.flight = f
	})

	resp, err := co.fetch(fetchCtx, req)

	cancelled := false
	co.setTaskState(key, func(t *refreshTask) {
		cancelled = f.cancelled
		if t.flight == f {
			t.flight = nil
		}
		t.loading = false
		if cancelled {
			t.err = context.Canceled
			return
		}
		t.err = err
		if err == nil {
			t.lastAt = time.Now()
		}
	})
	if cancelled {
		return nil, context.Canceled
	}
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			co.logger.Errorf("recommend: refresh of %q unauthorized, halting periodic refresh", key)
			co.setTaskState(key, func(t *refreshTask) {
				t.halted = true
			})
		}
		return nil, err
	}

	co.cache.Write(key, resp)
	return resp, nil
}

func (co *Coordinator) setTaskState(key string, f func(*refreshTask)) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if t, ok := co.tasks[key]; ok {
		f(t)
	}
}
