package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFilter_PhraseSplitAcrossChunks(t *testing.T) {
	f := NewFilter()

	v := f.Feed("cure")
	require.False(t, v.Aborted, "must not abort before the phrase completes")

	v = f.Feed("all diseases")
	require.True(t, v.Aborted)
	require.Equal(t, TierMedicalClaim, v.Tier)
	require.Equal(t, Fallback, v.Fallback)

	require.Equal(t, v, f.Feed("anything else"), "verdict is sticky")
}

func TestFilter_Tiers(t *testing.T) {
	cases := []struct {
		chunks []string
		tier   string
	}{
		{[]string{"You can ", "Induce  Vomiting with salt water"}, TierCritical},
		{[]string{"Give 5 ml ", "every 4 hours"}, TierPrescription},
		{[]string{"Give 5 mg, every 4 hours"}, TierPrescription},
		{[]string{"Use 2.5 ml/kg; ", "each night"}, TierPrescription},
		{[]string{"Don't need to see a doctor"}, TierCritical},
		{[]string{"Give aspirin!"}, TierCritical},
		{[]string{"This tea is 100", "% effective"}, TierMedicalClaim},
		{[]string{"Offer small sips of fluids ", "and watch for a dry mouth."}, ""},
	}
	for _, tc := range cases {
		f := NewFilter()
		var v Verdict
		for _, c := range tc.chunks {
			v = f.Feed(c)
		}
		require.Equal(t, tc.tier != "", v.Aborted, "chunks=%q", tc.chunks)
		require.Equal(t, tc.tier, v.Tier, "chunks=%q", tc.chunks)
	}
}

func TestFilter_Reset(t *testing.T) {
	f := NewFilter()
	f.Feed("miracle cure")
	require.True(t, f.Aborted())

	f.Reset()
	require.False(t, f.Aborted())
	require.False(t, f.Feed("cure").Aborted, "buffer cleared with the verdict")
}

// chanGenerator emits chunks and records whether its context was cancelled.
type chanGenerator struct {
	chunks    []string
	err       error
	cancelled chan struct{}
}

func newChanGenerator(err error, chunks ...string) *chanGenerator {
	return &chanGenerator{chunks: chunks, err: err, cancelled: make(chan struct{})}
}

func (g *chanGenerator) generate(ctx context.Context) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for _, c := range g.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				close(g.cancelled)
				return
			}
		}
		if g.err != nil {
			errs <- g.err
			return
		}
		<-ctx.Done()
		close(g.cancelled)
	}()
	return out, errs
}

func collect(s *Stream) []string {
	var got []string
	for c := range s.Chunks {
		got = append(got, c)
	}
	return got
}

func TestGuard_PassesSafeStream(t *testing.T) {
	g := NewGuard()
	gen := newChanGenerator(nil, "Offer fluids ", "and let them rest.")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The generator keeps its channels open until cancelled, so the guard
	// stops only once the caller ends the turn.
	s := g.Stream(ctx, gen.generate)
	var got []string
	for c := range s.Chunks {
		got = append(got, c)
		if len(got) == 2 {
			cancel()
		}
	}
	out := s.Wait()

	require.Equal(t, []string{"Offer fluids ", "and let them rest."}, got)
	require.Equal(t, StateAborted, out.State)
	require.ErrorIs(t, out.Err, context.Canceled)
	require.False(t, out.Verdict.Aborted)
	<-gen.cancelled
}

func TestGuard_AbortCancelsGeneration(t *testing.T) {
	var tiers []string
	g := NewGuard(WithAbortObserver(func(tier string) { tiers = append(tiers, tier) }))
	gen := newChanGenerator(nil, "Honey ", "will cure", " all diseases", " and more")

	s := g.Stream(context.Background(), gen.generate)
	got := collect(s)
	out := s.Wait()

	require.Equal(t, []string{"Honey ", "will cure"}, got)
	require.Equal(t, StateAborted, out.State)
	require.True(t, out.Verdict.Aborted)
	require.Equal(t, TierMedicalClaim, out.Verdict.Tier)
	require.NoError(t, out.Err)
	require.Equal(t, []string{TierMedicalClaim}, tiers)

	select {
	case <-gen.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("generation context was not cancelled")
	}
}

func TestGuard_GenerationErrorEndsStream(t *testing.T) {
	g := NewGuard()
	boom := errors.New("upstream reset")
	gen := newChanGenerator(boom, "Partial ")

	s := g.Stream(context.Background(), gen.generate)
	got := collect(s)
	out := s.Wait()

	require.Equal(t, []string{"Partial "}, got)
	require.Equal(t, StateDone, out.State)
	require.ErrorIs(t, out.Err, boom)
}

func TestGuard_CompletedGeneration(t *testing.T) {
	g := NewGuard()
	gen := func(ctx context.Context) (<-chan string, <-chan error) {
		out := make(chan string, 2)
		errs := make(chan error)
		out <- "Keep them "
		out <- "hydrated."
		close(out)
		close(errs)
		return out, errs
	}

	s := g.Stream(context.Background(), gen)
	got := collect(s)
	out := s.Wait()

	require.Equal(t, []string{"Keep them ", "hydrated."}, got)
	require.Equal(t, StateDone, out.State)
	require.NoError(t, out.Err)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "streaming", StateStreaming.String())
	require.Equal(t, "aborted", StateAborted.String())
	require.Equal(t, "done", StateDone.String())
}
