package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"

	"pediatric-assistant/internal/domain"
)

// listProfileKeys accumulate across tasks instead of being replaced.
var listProfileKeys = map[string]bool{"allergies": true, "medications": true, "medical_history": true}

// ProfileExtractor turns finished turns into profile deltas. It runs off the
// request path as the profile_extract task handler.
type ProfileExtractor struct {
	extractor Extractor
	profiles  ProfileStore
	now       func() time.Time
	logger    *slog.Logger
}

func NewProfileExtractor(x Extractor, profiles ProfileStore, logger *slog.Logger) (*ProfileExtractor, error) {
	if x == nil {
		return nil, errors.New("usecase: extractor must not be nil")
	}
	if profiles == nil {
		return nil, errors.New("usecase: profile store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileExtractor{extractor: x, profiles: profiles, now: time.Now, logger: logger}, nil
}

// Handle reads the turn text in the task payload and stores any new child
// facts. A returned error makes the queue retry the task.
func (p *ProfileExtractor) Handle(ctx context.Context, t domain.Task) error {
	text := strings.TrimSpace(t.Payload["text"])
	if text == "" || t.UserID == "" {
		return nil
	}
	ex := p.extractor.Extract(ctx, text, domain.ExtractionHints{})
	delta := make(map[string]string)
	for _, k := range ProfileKeys {
		if v := strings.TrimSpace(ex.Entities[k]); v != "" {
			delta[k] = v
		}
	}
	if len(delta) == 0 {
		return nil
	}

	current, err := p.profiles.GetProfile(ctx, t.UserID)
	if err != nil {
		return fmt.Errorf("usecase: load profile: %w", err)
	}
	next := domain.Profile{UserID: t.UserID, Facts: map[string]string{}}
	if current != nil {
		for k, v := range current.Facts {
			next.Facts[k] = v
		}
	}
	if !applyProfileDelta(next.Facts, delta) {
		return nil
	}
	next.UpdatedAt = p.now().UTC()
	if err := p.profiles.PutProfile(ctx, next); err != nil {
		return fmt.Errorf("usecase: save profile: %w", err)
	}
	p.logger.Info("profile updated", "user_id", t.UserID, "keys", pie.Sort(pie.Keys(delta)))
	return nil
}

// applyProfileDelta folds delta into facts and reports whether anything
// changed.
func applyProfileDelta(facts, delta map[string]string) bool {
	changed := false
	for k, v := range delta {
		if listProfileKeys[k] {
			v = mergeList(facts[k], v)
		}
		if facts[k] != v {
			facts[k] = v
			changed = true
		}
	}
	return changed
}

func mergeList(existing, incoming string) string {
	var items []string
	for _, raw := range []string{existing, incoming} {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				items = append(items, part)
			}
		}
	}
	return strings.Join(pie.Sort(pie.Unique(items)), ", ")
}
