// Package session holds per-client result slots.
//
// A Session owns at most one logical "current" run. What happens when a new
// run is submitted while one is still in flight is the session's Policy:
//
//	replace  the in-flight run is canceled and the new run starts at once
//	reject   the new run fails with apperror.ErrBusy
//	queue    the new run starts when the previous one has finished
//
// All bookkeeping happens on one goroutine per session that receives
// submit/cancel/finish messages; run goroutines never touch shared state
// except the atomically published latest outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/codeflow/internal/apperror"
	"github.com/sakif/codeflow/internal/executor"
)

// Policy decides how overlapping runs in one session are handled.
type Policy string

const (
	PolicyReplace Policy = "replace"
	PolicyReject  Policy = "reject"
	PolicyQueue   Policy = "queue"
)

// ParsePolicy validates s; the empty string selects PolicyReplace.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyReplace, nil
	case PolicyReplace, PolicyReject, PolicyQueue:
		return p, nil
	}
	return "", fmt.Errorf("unknown session policy %q (want replace, reject or queue)", s)
}

// Runner executes one request on behalf of a session.
type Runner interface {
	Run(ctx context.Context, sessionID string, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
}

// Session is a result slot with its own run policy.
type Session struct {
	id        string
	policy    Policy
	runner    Runner
	logger    *slog.Logger
	createdAt time.Time

	ctx    context.Context // parent of every run; canceled by Close
	cancel context.CancelFunc

	submits   chan submitMsg
	cancels   chan chan int
	finished  chan *Handle
	closed    chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}

	latest   atomic.Pointer[Outcome]
	active   atomic.Int32
	lastUsed atomic.Int64 // unix nanos
}

type submitMsg struct {
	req   executor.ExecutionRequest
	reply chan submitReply
}

type submitReply struct {
	handle *Handle
	err    error
}

func newSession(id string, policy Policy, runner Runner, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		policy:    policy,
		runner:    runner,
		logger:    logger.With(slog.String("session", id)),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		submits:   make(chan submitMsg),
		cancels:   make(chan chan int),
		finished:  make(chan *Handle),
		closed:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.touch()
	go s.loop()
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Policy() Policy       { return s.policy }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Running reports whether any run is in flight or queued.
func (s *Session) Running() bool { return s.active.Load() > 0 }

// LastUsed is the last time a client submitted, canceled or read a result.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// Submit starts a run according to the session's policy.
func (s *Session) Submit(req executor.ExecutionRequest) (*Handle, error) {
	s.touch()
	reply := make(chan submitReply, 1)
	select {
	case s.submits <- submitMsg{req: req, reply: reply}:
	case <-s.closed:
		return nil, apperror.Closed("session", s.id)
	}
	r := <-reply
	return r.handle, r.err
}

// Latest returns the most recently submitted run that has finished, without
// blocking. ok is false until some run finished.
func (s *Session) Latest() (*Outcome, bool) {
	s.touch()
	o := s.latest.Load()
	return o, o != nil
}

// Cancel stops every in-flight or queued run and returns how many there were.
func (s *Session) Cancel() int {
	s.touch()
	reply := make(chan int, 1)
	select {
	case s.cancels <- reply:
		return <-reply
	case <-s.closed:
		return 0
	}
}

// Close cancels all runs and waits for them to finish. Further Submits fail
// with apperror.ErrClosed. Close is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.stopped
}

func (s *Session) loop() {
	defer close(s.stopped)

	active := make(map[*Handle]struct{})
	var tail *Handle // most recently started run, if still active
	var seq uint64

	for {
		select {
		case msg := <-s.submits:
			select {
			case <-s.closed:
				msg.reply <- submitReply{err: apperror.Closed("session", s.id)}
				continue
			default:
			}
			if len(active) > 0 && s.policy == PolicyReject {
				msg.reply <- submitReply{err: apperror.Busy("session", s.id)}
				continue
			}
			if s.policy == PolicyReplace {
				for h := range active {
					h.Cancel()
				}
			}

			var after *Handle
			if s.policy == PolicyQueue {
				after = tail
			}

			seq++
			runCtx, cancel := context.WithCancel(s.ctx)
			h := newHandle(xid.New().String(), seq, cancel)
			active[h] = struct{}{}
			tail = h
			s.active.Store(int32(len(active)))

			go s.run(runCtx, h, msg.req, after)
			msg.reply <- submitReply{handle: h}

		case reply := <-s.cancels:
			for h := range active {
				h.Cancel()
			}
			reply <- len(active)

		case h := <-s.finished:
			delete(active, h)
			if tail == h {
				tail = nil
			}
			s.active.Store(int32(len(active)))

		case <-s.closed:
			s.cancel()
			for len(active) > 0 {
				delete(active, <-s.finished)
			}
			s.active.Store(0)
			return
		}
	}
}

// run executes one request, waiting first for after when queued.
func (s *Session) run(ctx context.Context, h *Handle, req executor.ExecutionRequest, after *Handle) {
	if after != nil {
		select {
		case <-after.Done():
		case <-ctx.Done():
		}
	}

	o := &Outcome{RunID: h.id, Seq: h.seq, Language: req.Language, StartedAt: time.Now()}
	if err := ctx.Err(); err != nil {
		o.Err = executor.Canceled(req.Language, executor.StageRun, err)
	} else {
		o.Result, o.Err = s.runner.Run(ctx, s.id, req)
	}
	o.FinishedAt = time.Now()

	if o.Err != nil && !errors.Is(o.Err, executor.ErrCanceled) {
		s.logger.Debug("run finished with error",
			slog.String("run", h.id),
			slog.String("error", o.Err.Error()),
		)
	}

	s.publish(o)
	h.complete(o)
	s.finished <- h
}

// publish stores o as the latest outcome unless a newer run already finished,
// so a replaced run that is slow to die never overwrites its successor.
func (s *Session) publish(o *Outcome) {
	for {
		cur := s.latest.Load()
		if cur != nil && cur.Seq > o.Seq {
			return
		}
		if s.latest.CompareAndSwap(cur, o) {
			return
		}
	}
}
