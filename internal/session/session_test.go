package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/codeflow/internal/apperror"
	"github.com/sakif/codeflow/internal/executor"
)

// blockingRunner echoes req.Code as stdout. Code "block" waits until the run
// is canceled or release is closed.
type blockingRunner struct {
	release chan struct{}
	started chan string
	mu      sync.Mutex
	order   []string
	calls   atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), started: make(chan string, 16)}
}

func (r *blockingRunner) Run(ctx context.Context, _ string, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	r.calls.Add(1)
	r.started <- req.Code
	if req.Code == "block" || req.Code == "block2" {
		select {
		case <-ctx.Done():
			return nil, executor.Canceled(req.Language, executor.StageRun, ctx.Err())
		case <-r.release:
		}
	}
	r.mu.Lock()
	r.order = append(r.order, req.Code)
	r.mu.Unlock()
	return &executor.ExecutionResult{Stdout: req.Code, Success: true, Stage: executor.StageRun}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, h *Handle) *Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := h.Wait(ctx)
	require.NoError(t, err, "run did not finish")
	return o
}

func req(code string) executor.ExecutionRequest {
	return executor.ExecutionRequest{Language: "python", Code: code}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyReplace, p)

	p, err = ParsePolicy("queue")
	require.NoError(t, err)
	assert.Equal(t, PolicyQueue, p)

	_, err = ParsePolicy("lifo")
	assert.Error(t, err)
}

func TestSessionLatestBeforeAnyRun(t *testing.T) {
	s := newSession("s1", PolicyReplace, newBlockingRunner(), testLogger())
	defer s.Close()

	o, ok := s.Latest()
	assert.False(t, ok)
	assert.Nil(t, o)
	assert.False(t, s.Running())
}

func TestSessionSubmitAndPoll(t *testing.T) {
	s := newSession("s1", PolicyReplace, newBlockingRunner(), testLogger())
	defer s.Close()

	h, err := s.Submit(req("hello"))
	require.NoError(t, err)

	o := waitDone(t, h)
	require.NoError(t, o.Err)
	assert.Equal(t, "hello", o.Result.Stdout)
	assert.Equal(t, h.ID(), o.RunID)

	polled, ok := h.Poll()
	assert.True(t, ok)
	assert.Same(t, o, polled)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Same(t, o, latest)
}

func TestHandlePollWhileRunning(t *testing.T) {
	r := newBlockingRunner()
	s := newSession("s1", PolicyReplace, r, testLogger())
	defer s.Close()

	h, err := s.Submit(req("block"))
	require.NoError(t, err)
	<-r.started

	_, ok := h.Poll()
	assert.False(t, ok)
	assert.True(t, s.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(r.release)
	o := waitDone(t, h)
	assert.NoError(t, o.Err)
}

func TestPolicyReplace(t *testing.T) {
	r := newBlockingRunner()
	s := newSession("s1", PolicyReplace, r, testLogger())
	defer s.Close()

	first, err := s.Submit(req("block"))
	require.NoError(t, err)
	<-r.started

	second, err := s.Submit(req("second"))
	require.NoError(t, err)

	o1 := waitDone(t, first)
	assert.ErrorIs(t, o1.Err, executor.ErrCanceled)

	o2 := waitDone(t, second)
	require.NoError(t, o2.Err)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, second.ID(), latest.RunID, "the newer run wins the slot")
}

func TestPolicyReject(t *testing.T) {
	r := newBlockingRunner()
	s := newSession("s1", PolicyReject, r, testLogger())
	defer s.Close()

	first, err := s.Submit(req("block"))
	require.NoError(t, err)
	<-r.started

	_, err = s.Submit(req("second"))
	assert.ErrorIs(t, err, apperror.ErrBusy)

	close(r.release)
	waitDone(t, first)

	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
	third, err := s.Submit(req("third"))
	require.NoError(t, err)
	assert.Equal(t, "third", waitDone(t, third).Result.Stdout)
}

func TestPolicyQueue(t *testing.T) {
	r := newBlockingRunner()
	s := newSession("s1", PolicyQueue, r, testLogger())
	defer s.Close()

	first, err := s.Submit(req("block"))
	require.NoError(t, err)
	<-r.started

	second, err := s.Submit(req("second"))
	require.NoError(t, err)

	select {
	case <-second.Done():
		t.Fatal("queued run finished before its predecessor")
	case <-time.After(50 * time.Millisecond):
	}

	close(r.release)
	waitDone(t, first)
	waitDone(t, second)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []string{"block", "second"}, r.order)
}

func TestSessionCancel(t *testing.T) {
	r := newBlockingRunner()
	s := newSession("s1", PolicyQueue, r, testLogger())
	defer s.Close()

	first, _ := s.Submit(req("block"))
	<-r.started
	second, _ := s.Submit(req("block2"))

	assert.Equal(t, 2, s.Cancel())

	assert.ErrorIs(t, waitDone(t, first).Err, executor.ErrCanceled)
	assert.ErrorIs(t, waitDone(t, second).Err, executor.ErrCanceled)
	assert.Equal(t, int32(1), r.calls.Load(), "a queued run canceled before starting never reaches the runner")
}

func TestSessionClose(t *testing.T) {
	r := newBlockingRunner()
	s := newSession("s1", PolicyReplace, r, testLogger())

	h, _ := s.Submit(req("block"))
	<-r.started

	s.Close()
	s.Close()

	o, ok := h.Poll()
	require.True(t, ok, "Close waits for runs to finish")
	assert.ErrorIs(t, o.Err, executor.ErrCanceled)

	_, err := s.Submit(req("late"))
	assert.ErrorIs(t, err, apperror.ErrClosed)
	assert.Equal(t, 0, s.Cancel())
}

func TestSessionConcurrentSubmits(t *testing.T) {
	s := newSession("s1", PolicyReplace, newBlockingRunner(), testLogger())
	defer s.Close()

	var wg sync.WaitGroup
	handles := make([]*Handle, 10)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Submit(req("x"))
			if err == nil {
				handles[i] = h
			}
		}()
	}
	wg.Wait()

	for _, h := range handles {
		require.NotNil(t, h)
		waitDone(t, h)
	}
	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(10), latest.Seq)
}
