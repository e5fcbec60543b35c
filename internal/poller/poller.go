// Package poller runs one cancellable status-polling task per in-progress
// authentication request.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/partner"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// DefaultInterval is the fixed gap between partner status queries.
const DefaultInterval = 30 * time.Second

// ResultFunc receives the terminal partner status of a request. result is nil when
// the partner reports the case cancelled.
type ResultFunc func(ctx context.Context, requestID, status string, result *partner.ResultResponse) error

type task struct {
	requestID string
	reference string
	api       partner.API
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

func (t *task) stop() {
	t.stopOnce.Do(t.cancel)
}

// Poller owns every running task, keyed by authentication request id.
type Poller struct {
	interval time.Duration
	onResult ResultFunc
	logger   *zap.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// New creates a poller. A non-positive interval falls back to DefaultInterval.
func New(interval time.Duration, onResult ResultFunc) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		interval: interval,
		onResult: onResult,
		logger:   util.GetLogger().Named("poller"),
		tasks:    make(map[string]*task),
	}
}

// Start begins polling reference at api on behalf of requestID. It returns false
// when a task for requestID is already running or the poller is closed. The task
// stops when parent is cancelled, when Stop or Close is called, or after the
// result callback accepts a terminal status.
func (p *Poller) Start(parent context.Context, requestID, reference string, api partner.API) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if _, exists := p.tasks[requestID]; exists {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	t := &task{
		requestID: requestID,
		reference: reference,
		api:       api,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.tasks[requestID] = t
	p.wg.Add(1)
	util.ActivePollers.Inc()

	go p.run(ctx, t)

	p.logger.Info("Polling started",
		zap.String("request_id", requestID),
		zap.String("partner_reference", reference),
		zap.Duration("interval", p.interval))
	return true
}

// Stop disposes the task for requestID and waits for it to exit. It reports
// whether a task was running. It must not be called from a ResultFunc.
func (p *Poller) Stop(requestID string) bool {
	p.mu.Lock()
	t, ok := p.tasks[requestID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	t.stop()
	<-t.done
	return true
}

// Close stops every task and waits for all of them. Start fails afterwards.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	tasks := make([]*task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
	p.wg.Wait()
}

// Active returns the ids of the requests currently being polled.
func (p *Poller) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Running reports whether requestID has a live task.
func (p *Poller) Running(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[requestID]
	return ok
}

func (p *Poller) run(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Poller task panicked",
				zap.String("request_id", t.requestID),
				zap.Any("panic", r))
		}
		t.stop()
		p.remove(t)
		close(t.done)
		util.ActivePollers.Dec()
		p.wg.Done()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Polling stopped", zap.String("request_id", t.requestID))
			return
		case <-ticker.C:
			if p.tick(ctx, t) {
				return
			}
		}
	}
}

func (p *Poller) remove(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks[t.requestID] == t {
		delete(p.tasks, t.requestID)
	}
}

// tick performs one poll and reports whether the task is finished. Partner
// failures only cost this tick.
func (p *Poller) tick(ctx context.Context, t *task) bool {
	status, err := t.api.GetStatus(ctx, t.reference)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		util.AuthenticationPollsTotal.WithLabelValues("error").Inc()
		p.logger.Warn("Status poll failed",
			zap.String("request_id", t.requestID),
			zap.Error(err))
		return false
	}

	if !partner.IsTerminal(status.Status) {
		util.AuthenticationPollsTotal.WithLabelValues("pending").Inc()
		p.logger.Debug("Authentication in progress",
			zap.String("request_id", t.requestID),
			zap.String("stage", status.Stage),
			zap.Int("progress", status.Progress))
		return false
	}

	var result *partner.ResultResponse
	if status.Status != partner.StatusCancelled {
		result, err = t.api.GetResult(ctx, t.reference)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			util.AuthenticationPollsTotal.WithLabelValues("error").Inc()
			p.logger.Warn("Result fetch failed",
				zap.String("request_id", t.requestID),
				zap.Error(err))
			return false
		}
	}

	if err := p.deliver(ctx, t, status.Status, result); err != nil {
		if errors.Is(err, marketerr.ErrAlreadyTerminal) {
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		util.AuthenticationPollsTotal.WithLabelValues("error").Inc()
		p.logger.Error("Failed to record authentication result",
			zap.String("request_id", t.requestID),
			zap.Error(err))
		return false
	}

	util.AuthenticationPollsTotal.WithLabelValues("terminal").Inc()
	p.logger.Info("Authentication finished",
		zap.String("request_id", t.requestID),
		zap.String("partner_status", status.Status))
	return true
}

func (p *Poller) deliver(ctx context.Context, t *task, status string, result *partner.ResultResponse) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("result callback panicked: %v", r)
		}
	}()
	return p.onResult(ctx, t.requestID, status, result)
}
