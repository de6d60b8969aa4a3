// Package entitystore owns the per-conversation context: it merges extracted
// entities, caches contexts in a bounded LRU and writes every change through
// to durable storage.
package entitystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"pediatric-assistant/internal/domain"
)

const (
	// DefaultCacheSize bounds the number of contexts held in memory.
	DefaultCacheSize = 1024

	maxConflictRetries = 3
)

// DefaultAccumulating lists the entity keys whose values are unioned rather
// than overwritten.
var DefaultAccumulating = []string{"accompanying_symptoms", "medications", "allergies", "medical_history"}

// Repository is the durable storage consumed by Store. GetContext returns
// (nil, nil) for an unknown conversation. PutContext must reject the write
// with domain.ErrVersionConflict when the stored version differs from
// prevVersion.
type Repository interface {
	GetContext(ctx context.Context, conversationID string) (*domain.ConversationContext, error)
	PutContext(ctx context.Context, c *domain.ConversationContext, prevVersion int64) error
}

// Schema validates and canonicalizes known entity values. Unknown keys are
// expected to pass through unchanged.
type Schema interface {
	Coerce(key, value string) (string, bool)
}

// Store serializes read-modify-write per conversation and writes through to
// the repository. Evicted contexts are reloaded from the repository.
type Store struct {
	repo         Repository
	schema       Schema
	cache        *lru.Cache[string, *domain.ConversationContext]
	locks        *KeyedMutex
	accumulating map[string]bool
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	cacheSize    int
	accumulating []string
	now          func() time.Time
	logger       *slog.Logger
}

// WithCacheSize sets the LRU capacity.
func WithCacheSize(n int) Option {
	return func(o *storeOptions) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithAccumulating replaces the set of accumulating keys.
func WithAccumulating(keys ...string) Option {
	return func(o *storeOptions) { o.accumulating = keys }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// New constructs a Store.
func New(repo Repository, schema Schema, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, errors.New("entitystore: repository must not be nil")
	}
	if schema == nil {
		return nil, errors.New("entitystore: schema must not be nil")
	}
	o := storeOptions{
		cacheSize:    DefaultCacheSize,
		accumulating: DefaultAccumulating,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := lru.New[string, *domain.ConversationContext](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("entitystore: create cache: %w", err)
	}
	acc := make(map[string]bool, len(o.accumulating))
	for _, k := range o.accumulating {
		acc[k] = true
	}
	return &Store{
		repo:         repo,
		schema:       schema,
		cache:        cache,
		locks:        NewKeyedMutex(),
		accumulating: acc,
		now:          o.now,
		logger:       o.logger,
	}, nil
}

// Load returns a copy of the stored context, or nil when the conversation is
// unknown.
func (s *Store) Load(ctx context.Context, conversationID string) (*domain.ConversationContext, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	c, err := s.get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Update applies fn to a copy of the context under the conversation lock and
// writes the result through. A new context is created for an unknown
// conversation. If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, conversationID string, fn func(*domain.ConversationContext) error) (*domain.ConversationContext, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("entitystore: conversation id must not be empty")
	}
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		current, err := s.get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		prevVersion := int64(0)
		var next *domain.ConversationContext
		if current == nil {
			next = domain.NewConversationContext(conversationID, "", s.now().UTC())
		} else {
			prevVersion = current.Version
			next = current.Clone()
		}

		if err := fn(next); err != nil {
			return nil, err
		}
		if current != nil && reflect.DeepEqual(current, next) {
			return next, nil
		}

		next.Version = prevVersion + 1
		next.UpdatedAt = s.now().UTC()
		err = s.repo.PutContext(ctx, next, prevVersion)
		if err == nil {
			s.cache.Add(conversationID, next.Clone())
			return next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= maxConflictRetries {
			return nil, fmt.Errorf("entitystore: put context: %w", err)
		}
		// Another writer got there first; drop the stale copy and redo fn.
		s.logger.Warn("entitystore: version conflict, retrying", "conversation_id", conversationID, "attempt", attempt)
		s.cache.Remove(conversationID)
	}
}

// Merge folds incoming entities into the conversation and returns the full
// merged map. Empty values never erase a known value; accumulating keys are
// unioned; known keys are validated and invalid values are dropped.
func (s *Store) Merge(ctx context.Context, conversationID string, incoming map[string]string) (domain.Entities, error) {
	c, err := s.Update(ctx, conversationID, func(c *domain.ConversationContext) error {
		c.Entities = s.MergeEntities(c.Entities, incoming)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.Entities, nil
}

// ReplaceSnapshot swaps the triage snapshot and danger signal as a whole.
func (s *Store) ReplaceSnapshot(ctx context.Context, conversationID string, snap *domain.TriageSnapshot, danger *domain.DangerSignal) error {
	_, err := s.Update(ctx, conversationID, func(c *domain.ConversationContext) error {
		if snap != nil {
			cp := *snap
			c.Triage = &cp
		} else {
			c.Triage = nil
		}
		if danger != nil {
			cp := *danger
			c.DangerSignal = &cp
		}
		return nil
	})
	return err
}

// MergeEntities returns current with incoming folded in. current is not
// modified.
func (s *Store) MergeEntities(current domain.Entities, incoming map[string]string) domain.Entities {
	out := current.Clone()
	for _, key := range pie.Sort(pie.Keys(incoming)) {
		raw := strings.TrimSpace(incoming[key])
		if key == "" || raw == "" {
			continue
		}
		if s.accumulating[key] {
			if merged := s.accumulate(out.List(key), raw); len(merged) > 0 {
				out[key] = merged
			}
			continue
		}
		value, ok := s.schema.Coerce(key, raw)
		if !ok {
			s.logger.Debug("entitystore: dropping invalid entity", "key", key, "value", raw)
			continue
		}
		out[key] = value
	}
	return out
}

func (s *Store) accumulate(existing []string, raw string) []string {
	items := append([]string(nil), existing...)
	for _, part := range splitList(raw) {
		items = append(items, strings.ToLower(part))
	}
	items = pie.Filter(items, func(v string) bool { return v != "" })
	return pie.Sort(pie.Unique(items))
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '、' || r == '\n'
	})
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// get returns the cached context or loads it from the repository. The caller
// holds the conversation lock.
func (s *Store) get(ctx context.Context, conversationID string) (*domain.ConversationContext, error) {
	if c, ok := s.cache.Get(conversationID); ok {
		return c, nil
	}
	c, err := s.repo.GetContext(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("entitystore: get context: %w", err)
	}
	if c == nil {
		return nil, nil
	}
	if c.Entities == nil {
		c.Entities = domain.Entities{}
	}
	s.cache.Add(conversationID, c.Clone())
	return c, nil
}
