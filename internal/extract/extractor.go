// Package extract turns a caregiver utterance into an intent and slot
// entities. A remote model is preferred; a cooldown breaker and a local
// regular-expression reader keep extraction available when it is not.
package extract

import (
	"context"
	"log/slog"
	"time"

	"pediatric-assistant/internal/domain"
)

const defaultRemoteTimeout = 8 * time.Second

// Remote is the hosted text-understanding service.
type Remote interface {
	Extract(ctx context.Context, text string, hints domain.ExtractionHints) (domain.Extraction, error)
}

// Extractor never fails: remote errors open the breaker and the local reader
// answers instead.
type Extractor struct {
	remote  Remote
	breaker *Breaker
	timeout time.Duration
	logger  *slog.Logger
	observe func(source string)
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithBreaker replaces the default 60 second cooldown breaker.
func WithBreaker(b *Breaker) Option {
	return func(x *Extractor) {
		if b != nil {
			x.breaker = b
		}
	}
}

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) Option {
	return func(x *Extractor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Extractor) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithObserver registers a callback receiving the source of every result.
func WithObserver(fn func(source string)) Option {
	return func(x *Extractor) { x.observe = fn }
}

// New returns an Extractor. remote may be nil, in which case only the local
// paths are used.
func New(remote Remote, opts ...Option) *Extractor {
	x := &Extractor{
		remote:  remote,
		breaker: NewBreaker(DefaultCooldown),
		timeout: defaultRemoteTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Breaker exposes the remote availability breaker.
func (x *Extractor) Breaker() *Breaker {
	return x.breaker
}

// Extract reads text in the context of hints.
func (x *Extractor) Extract(ctx context.Context, text string, hints domain.ExtractionHints) domain.Extraction {
	if ex, ok := FastPath(text, hints.PendingSlot); ok {
		return x.finish(PostProcess(ex, text))
	}

	if x.remote != nil {
		if done, ok := x.breaker.Allow(); ok {
			rctx, cancel := context.WithTimeout(ctx, x.timeout)
			ex, err := x.remote.Extract(rctx, text, hints)
			cancel()
			switch {
			case err == nil:
				done(true)
				ex.Source = domain.SourceRemote
				return x.finish(PostProcess(ex, text))
			case ctx.Err() != nil:
				x.breaker.abandon(done)
			default:
				done(false)
				x.logger.Warn("extract: remote unavailable, using local reader", "err", err)
			}
		}
	}

	return x.finish(PostProcess(Local(text), text))
}

// RecoverSymptom rescans recent utterances, newest first, with the local
// reader and returns the first symptom found.
func (x *Extractor) RecoverSymptom(utterances []string) (string, bool) {
	for i := len(utterances) - 1; i >= 0; i-- {
		ex := PostProcess(Local(utterances[i]), utterances[i])
		if s := ex.Entities["symptom"]; s != "" {
			return s, true
		}
	}
	return "", false
}

func (x *Extractor) finish(ex domain.Extraction) domain.Extraction {
	if x.observe != nil {
		x.observe(ex.Source)
	}
	return ex
}
