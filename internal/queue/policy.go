package queue

import (
	"context"
	"fmt"
	"time"

	"receiptly/internal/logger"
)

// Outcome classifies how a job attempt ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRetry is a transient failure; another attempt may succeed.
	OutcomeRetry
	// OutcomeFail is a permanent failure; further attempts are pointless.
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	}
	return "unknown"
}

// Result is returned by a Handler instead of relying on error propagation to
// drive retries.
type Result struct {
	Outcome Outcome
	Err     error
}

// Success reports a completed job.
func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Retry reports a transient failure.
func Retry(err error) Result { return Result{Outcome: OutcomeRetry, Err: err} }

// Fail reports a permanent failure.
func Fail(err error) Result { return Result{Outcome: OutcomeFail, Err: err} }

// IsSuccess reports whether the attempt completed.
func (r Result) IsSuccess() bool { return r.Outcome == OutcomeSuccess }

// Handler runs one attempt of a job.
type Handler interface {
	Handle(ctx context.Context, job *ReceiptJob) Result
	// Failed is called once when the job is dead-lettered. It must be
	// idempotent.
	Failed(ctx context.Context, job *ReceiptJob, err error)
}

// Policy bounds every job.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultPolicy allows three attempts of two minutes each.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Timeout: 120 * time.Second}
}

// Action is what the consumer does with a delivery after an attempt.
type Action int

const (
	ActionAck Action = iota
	ActionRetry
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decision is the result of Execute.
type Decision struct {
	Action Action
	// Delay before the next attempt when Action is ActionRetry.
	Delay time.Duration
	Err   error
}

// failedHookTimeout bounds the Failed hook, which runs after the attempt
// context may already have expired.
const failedHookTimeout = 10 * time.Second

// Execute runs one attempt of job under p.Timeout and decides what happens
// next. A panic in the handler counts as a transient failure. When the job
// is dead-lettered the handler's Failed hook has already run.
func Execute(ctx context.Context, h Handler, job *ReceiptJob, p Policy) Decision {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	res := runAttempt(ctx, h, job, p.Timeout)

	switch {
	case res.IsSuccess():
		return Decision{Action: ActionAck}
	case res.Outcome == OutcomeRetry && job.Attempt < p.MaxAttempts:
		delay := exponentialBackoff(job.Attempt - 1)
		logger.Get().Warnw("job attempt failed, retrying",
			"receipt_id", job.ReceiptID,
			"attempt", job.Attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay.String(),
			"error", res.Err,
		)
		return Decision{Action: ActionRetry, Delay: delay, Err: res.Err}
	}

	logger.Get().Errorw("job failed permanently",
		"receipt_id", job.ReceiptID,
		"attempt", job.Attempt,
		"outcome", res.Outcome.String(),
		"error", res.Err,
	)

	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failedHookTimeout)
	defer cancel()
	h.Failed(hookCtx, job, res.Err)

	return Decision{Action: ActionDeadLetter, Err: res.Err}
}

func runAttempt(ctx context.Context, h Handler, job *ReceiptJob, timeout time.Duration) (res Result) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = Retry(fmt.Errorf("job panicked: %v", r))
		}
	}()

	res = h.Handle(ctx, job)
	if !res.IsSuccess() && res.Err == nil {
		res.Err = fmt.Errorf("job ended with outcome %s", res.Outcome)
	}
	return res
}

// exponentialBackoff returns 1s, 2s, 4s ... capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		return 30 * time.Second
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
