package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/partner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAPI answers status polls from a script; the last entry repeats.
type scriptedAPI struct {
	mu        sync.Mutex
	statuses  []string
	failFirst int
	calls     int32
	results   int32
}

func (a *scriptedAPI) Submit(context.Context, partner.SubmitRequest) (*partner.SubmitResponse, error) {
	return nil, errors.New("not implemented")
}

func (a *scriptedAPI) GetStatus(context.Context, string) (*partner.StatusResponse, error) {
	n := int(atomic.AddInt32(&a.calls, 1))
	if n <= a.failFirst {
		return nil, marketerr.ErrUnavailable
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	status := a.statuses[len(a.statuses)-1]
	if len(a.statuses) > 1 {
		a.statuses = a.statuses[1:]
	}
	return &partner.StatusResponse{Status: status}, nil
}

func (a *scriptedAPI) GetResult(context.Context, string) (*partner.ResultResponse, error) {
	atomic.AddInt32(&a.results, 1)
	return &partner.ResultResponse{IsAuthentic: true, Confidence: 0.98, Report: "genuine"}, nil
}

func (a *scriptedAPI) Cancel(context.Context, string, string) (*partner.CancelResponse, error) {
	return &partner.CancelResponse{Success: true}, nil
}

type resultLog struct {
	mu    sync.Mutex
	calls []string
}

func (r *resultLog) record(_ context.Context, requestID, status string, _ *partner.ResultResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, requestID+":"+status)
	return nil
}

func (r *resultLog) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestPoller_DeliversTerminalResultOnce(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusReceived, partner.StatusInProgress, partner.StatusCompleted}}
	log := &resultLog{}
	p := New(5*time.Millisecond, log.record)
	defer p.Close()

	require.True(t, p.Start(context.Background(), "auth-1", "ext-1", api))

	assert.Eventually(t, func() bool { return !p.Running("auth-1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"auth-1:" + partner.StatusCompleted}, log.calls)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.results))

	// No further ticks after self-cancellation.
	calls := atomic.LoadInt32(&api.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&api.calls))
}

func TestPoller_SwallowsTransientFailures(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusCompleted}, failFirst: 3}
	log := &resultLog{}
	p := New(5*time.Millisecond, log.record)
	defer p.Close()

	p.Start(context.Background(), "auth-2", "ext-2", api)

	assert.Eventually(t, func() bool { return log.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&api.calls), int32(4))
}

func TestPoller_CancelledCaseSkipsResultFetch(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusCancelled}}
	var got *partner.ResultResponse
	done := make(chan struct{})
	p := New(5*time.Millisecond, func(_ context.Context, _, status string, result *partner.ResultResponse) error {
		got = result
		assert.Equal(t, partner.StatusCancelled, status)
		close(done)
		return nil
	})
	defer p.Close()

	p.Start(context.Background(), "auth-3", "ext-3", api)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("result callback not called")
	}
	assert.Nil(t, got)
	assert.Equal(t, int32(0), atomic.LoadInt32(&api.results))
}

func TestPoller_AlreadyTerminalStopsTask(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusFailed}}
	var calls int32
	p := New(5*time.Millisecond, func(context.Context, string, string, *partner.ResultResponse) error {
		atomic.AddInt32(&calls, 1)
		return marketerr.ErrAlreadyTerminal
	})
	defer p.Close()

	p.Start(context.Background(), "auth-4", "ext-4", api)

	assert.Eventually(t, func() bool { return !p.Running("auth-4") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPoller_RetriesWhenCallbackFails(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusCompleted}}
	var calls int32
	p := New(5*time.Millisecond, func(context.Context, string, string, *partner.ResultResponse) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("store down")
		}
		return nil
	})
	defer p.Close()

	p.Start(context.Background(), "auth-5", "ext-5", api)

	assert.Eventually(t, func() bool { return !p.Running("auth-5") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPoller_StartIsKeyedByRequest(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusInProgress}}
	p := New(time.Hour, func(context.Context, string, string, *partner.ResultResponse) error { return nil })
	defer p.Close()

	assert.True(t, p.Start(context.Background(), "auth-6", "ext-6", api))
	assert.False(t, p.Start(context.Background(), "auth-6", "ext-6", api))
	assert.True(t, p.Start(context.Background(), "auth-7", "ext-7", api))
	assert.ElementsMatch(t, []string{"auth-6", "auth-7"}, p.Active())
}

func TestPoller_StopDisposesTask(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusInProgress}}
	log := &resultLog{}
	p := New(5*time.Millisecond, log.record)
	defer p.Close()

	p.Start(context.Background(), "auth-8", "ext-8", api)
	assert.True(t, p.Stop("auth-8"))
	assert.False(t, p.Running("auth-8"))
	assert.False(t, p.Stop("auth-8"))
	assert.Equal(t, 0, log.count())
}

func TestPoller_ParentCancellation(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusInProgress}}
	p := New(5*time.Millisecond, func(context.Context, string, string, *partner.ResultResponse) error { return nil })
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx, "auth-9", "ext-9", api)
	cancel()

	assert.Eventually(t, func() bool { return !p.Running("auth-9") }, time.Second, 5*time.Millisecond)
}

func TestPoller_CloseRejectsNewTasks(t *testing.T) {
	api := &scriptedAPI{statuses: []string{partner.StatusInProgress}}
	p := New(5*time.Millisecond, func(context.Context, string, string, *partner.ResultResponse) error { return nil })

	p.Start(context.Background(), "auth-10", "ext-10", api)
	p.Close()

	assert.Empty(t, p.Active())
	assert.False(t, p.Start(context.Background(), "auth-11", "ext-11", api))
}

func TestPoller_IndependentTasks(t *testing.T) {
	slow := &blockingAPI{release: make(chan struct{})}
	fast := &scriptedAPI{statuses: []string{partner.StatusCompleted}}
	log := &resultLog{}
	p := New(5*time.Millisecond, log.record)

	p.Start(context.Background(), "slow", "ext-slow", slow)
	p.Start(context.Background(), "fast", "ext-fast", fast)

	assert.Eventually(t, func() bool { return log.count() == 1 }, time.Second, 5*time.Millisecond)
	close(slow.release)
	p.Close()
}

// blockingAPI blocks status calls until released or the context ends.
type blockingAPI struct {
	scriptedAPI
	release chan struct{}
}

func (a *blockingAPI) GetStatus(ctx context.Context, _ string) (*partner.StatusResponse, error) {
	select {
	case <-a.release:
		return &partner.StatusResponse{Status: partner.StatusInProgress}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
