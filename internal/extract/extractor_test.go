package extract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pediatric-assistant/internal/domain"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls int
	out   domain.Extraction
	err   error
}

func (f *fakeRemote) Extract(_ context.Context, _ string, _ domain.ExtractionHints) (domain.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.out, f.err
}

// blockingRemote holds every call until release is closed.
type blockingRemote struct {
	calls   atomic.Int32
	fail    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemote) Extract(ctx context.Context, _ string, _ domain.ExtractionHints) (domain.Extraction, error) {
	b.calls.Add(1)
	release := b.release
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-release:
	case <-ctx.Done():
		return domain.Extraction{}, ctx.Err()
	}
	if b.fail.Load() {
		return domain.Extraction{}, errors.New("503")
	}
	return domain.Extraction{Intent: domain.IntentTriage, Entities: map[string]string{"symptom": "fever"}}, nil
}

func TestExtractor_UsesRemoteWhenAvailable(t *testing.T) {
	remote := &fakeRemote{out: domain.Extraction{
		Intent:     domain.IntentTriage,
		Confidence: 0.93,
		Entities:   map[string]string{"symptom": "High Temperature", "age_months": "14"},
	}}
	x := New(remote)

	ex := x.Extract(context.Background(), "my son has a high temperature", domain.ExtractionHints{})

	require.Equal(t, domain.SourceRemote, ex.Source)
	require.Equal(t, "fever", ex.Entities["symptom"])
	require.Equal(t, "14", ex.Entities["age_months"])
	require.InDelta(t, 0.93, ex.Confidence, 1e-9)
}

func TestExtractor_FailureOpensBreakerForCooldown(t *testing.T) {
	remote := &fakeRemote{err: errors.New("503")}
	var sources []string
	x := New(remote,
		WithBreaker(NewBreaker(testCooldown)),
		WithObserver(func(s string) { sources = append(sources, s) }),
	)

	ex := x.Extract(context.Background(), "she has a fever since two days", domain.ExtractionHints{})
	require.Equal(t, domain.SourceLocal, ex.Source)
	require.Equal(t, "fever", ex.Entities["symptom"])
	require.Equal(t, "48", ex.Entities["duration_hours"])
	require.Equal(t, BreakerOpen, x.Breaker().State())

	_ = x.Extract(context.Background(), "cough too", domain.ExtractionHints{})
	require.Equal(t, 1, remote.calls, "remote is bypassed during the cooldown")

	time.Sleep(testCooldown + 10*time.Millisecond)
	remote.err = nil
	remote.out = domain.Extraction{Intent: domain.IntentTriage, Confidence: 0.9, Entities: map[string]string{"symptom": "cough"}}
	ex = x.Extract(context.Background(), "cough too", domain.ExtractionHints{})
	require.Equal(t, 2, remote.calls)
	require.Equal(t, domain.SourceRemote, ex.Source)
	require.Equal(t, BreakerClosed, x.Breaker().State())

	require.Equal(t, []string{domain.SourceLocal, domain.SourceLocal, domain.SourceRemote}, sources)
}

func TestExtractor_ConcurrentTurnsShareOneTrialCall(t *testing.T) {
	remote := &blockingRemote{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	x := New(remote, WithBreaker(NewBreaker(testCooldown)))

	remote.fail.Store(true)
	close(remote.release)
	_ = x.Extract(context.Background(), "fever", domain.ExtractionHints{})
	require.Equal(t, BreakerOpen, x.Breaker().State())
	time.Sleep(testCooldown + 10*time.Millisecond)

	remote.release = make(chan struct{})
	remote.entered = make(chan struct{}, 8)
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = x.Extract(context.Background(), "fever", domain.ExtractionHints{})
		}()
	}
	<-remote.entered
	time.Sleep(20 * time.Millisecond)
	close(remote.release)
	wg.Wait()

	require.Equal(t, int32(2), remote.calls.Load(), "one call tripped the breaker, one trial call followed")
}

func TestExtractor_CallerCancellationDoesNotTripBreaker(t *testing.T) {
	remote := &fakeRemote{err: context.Canceled}
	x := New(remote)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := x.Extract(ctx, "fever", domain.ExtractionHints{})

	require.Equal(t, domain.SourceLocal, ex.Source)
	require.Equal(t, BreakerClosed, x.Breaker().State())
}

func TestExtractor_CancelledTrialCallDoesNotWedgeBreaker(t *testing.T) {
	remote := &fakeRemote{err: errors.New("503")}
	x := New(remote, WithBreaker(NewBreaker(testCooldown)))
	_ = x.Extract(context.Background(), "fever", domain.ExtractionHints{})
	time.Sleep(testCooldown + 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = x.Extract(ctx, "fever", domain.ExtractionHints{})
	require.Equal(t, BreakerOpen, x.Breaker().State())

	time.Sleep(testCooldown + 10*time.Millisecond)
	remote.err = nil
	remote.out = domain.Extraction{Intent: domain.IntentTriage, Entities: map[string]string{"symptom": "fever"}}
	ex := x.Extract(context.Background(), "fever", domain.ExtractionHints{})
	require.Equal(t, domain.SourceRemote, ex.Source)
	require.Equal(t, BreakerClosed, x.Breaker().State())
}

func TestExtractor_FastPathSkipsRemote(t *testing.T) {
	remote := &fakeRemote{}
	x := New(remote)

	ex := x.Extract(context.Background(), "3 days", domain.ExtractionHints{PendingSlot: "duration_hours"})

	require.Zero(t, remote.calls)
	require.Equal(t, domain.SourceFastPath, ex.Source)
	require.Equal(t, map[string]string{"duration_hours": "72"}, ex.Entities)
}

func TestExtractor_NilRemoteIsLocalOnly(t *testing.T) {
	x := New(nil)
	ex := x.Extract(context.Background(), "hello!", domain.ExtractionHints{})
	require.Equal(t, domain.IntentGreeting, ex.Intent)
	require.LessOrEqual(t, ex.Confidence, 0.6)
}

func TestExtractor_RecoverSymptomNewestFirst(t *testing.T) {
	x := New(nil)

	s, ok := x.RecoverSymptom([]string{"he was coughing yesterday", "now she's throwing up", "38.5"})
	require.True(t, ok)
	require.Equal(t, "vomiting", s)

	_, ok = x.RecoverSymptom([]string{"12", "yes"})
	require.False(t, ok)
}
