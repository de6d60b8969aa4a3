package safety

import (
	"context"
	"log/slog"
)

// State is the lifecycle of one guarded stream.
type State int

const (
	StateStreaming State = iota
	StateAborted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateAborted:
		return "aborted"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Generator starts a generation bound to ctx. It must stop sending and close
// both channels once ctx is done.
type Generator func(ctx context.Context) (<-chan string, <-chan error)

// Outcome describes how a stream ended. A safety abort carries the verdict;
// a client cancellation carries the context error with a zero verdict.
type Outcome struct {
	State   State
	Verdict Verdict
	Err     error
}

// Stream delivers the chunks that passed the filter. Chunks is closed when
// the stream ends; Wait then returns the outcome.
type Stream struct {
	Chunks  <-chan string
	done    chan struct{}
	outcome Outcome
}

// Wait blocks until the stream has ended.
func (s *Stream) Wait() Outcome {
	<-s.done
	return s.outcome
}

// Guard runs generations through a fresh Filter each.
type Guard struct {
	rules   []Rule
	logger  *slog.Logger
	onAbort func(tier string)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithRules replaces DefaultRules.
func WithRules(rules []Rule) GuardOption {
	return func(g *Guard) { g.rules = rules }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithAbortObserver registers a callback receiving the tier of every abort.
func WithAbortObserver(fn func(tier string)) GuardOption {
	return func(g *Guard) { g.onAbort = fn }
}

// NewGuard returns a Guard.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Stream starts gen and forwards its chunks until it finishes, a denylist
// rule matches or ctx is cancelled. Abort and cancellation both cancel the
// generation context.
func (g *Guard) Stream(ctx context.Context, gen Generator) *Stream {
	gctx, cancel := context.WithCancel(ctx)
	chunks, errs := gen(gctx)
	out := make(chan string)
	s := &Stream{Chunks: out, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(out)
		defer cancel()
		s.outcome = g.run(gctx, chunks, errs, out)
		if s.outcome.Verdict.Aborted {
			g.logger.Warn("safety: answer aborted", "tier", s.outcome.Verdict.Tier, "rule", s.outcome.Verdict.Rule)
			if g.onAbort != nil {
				g.onAbort(s.outcome.Verdict.Tier)
			}
		}
	}()
	return s
}

func (g *Guard) run(ctx context.Context, chunks <-chan string, errs <-chan error, out chan<- string) Outcome {
	filter := NewFilter(g.rules...)
	defer filter.Reset()

	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return Outcome{State: StateAborted, Err: ctx.Err()}
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if v := filter.Feed(chunk); v.Aborted {
				return Outcome{State: StateAborted, Verdict: v}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return Outcome{State: StateAborted, Err: ctx.Err()}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return Outcome{State: StateDone, Err: err}
			}
		}
	}
	return Outcome{State: StateDone}
}
