package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/entitystore"
	"pediatric-assistant/internal/retrieval"
	"pediatric-assistant/internal/safety"
	"pediatric-assistant/internal/triage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// scriptedExtractor returns a canned extraction per utterance.
type scriptedExtractor struct {
	mu        sync.Mutex
	replies   map[string]domain.Extraction
	recovered string
	hints     []domain.ExtractionHints
	recovery  [][]string
}

func (s *scriptedExtractor) Extract(_ context.Context, text string, hints domain.ExtractionHints) domain.Extraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = append(s.hints, hints)
	if ex, ok := s.replies[text]; ok {
		return ex
	}
	return domain.Extraction{Intent: domain.IntentUnknown, Entities: map[string]string{}}
}

func (s *scriptedExtractor) RecoverSymptom(utterances []string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovery = append(s.recovery, utterances)
	return s.recovered, s.recovered != ""
}

func (s *scriptedExtractor) lastHints() domain.ExtractionHints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hints[len(s.hints)-1]
}

func triageTurn(entities map[string]string) domain.Extraction {
	return domain.Extraction{Intent: domain.IntentTriage, Confidence: 0.9, Entities: entities}
}

func slotTurn(entities map[string]string) domain.Extraction {
	return domain.Extraction{Intent: domain.IntentSlotFill, Confidence: 0.9, Entities: entities}
}

type memContexts struct {
	mu          sync.Mutex
	items       map[string]*domain.ConversationContext
	alwaysClash bool
}

func (m *memContexts) GetContext(_ context.Context, id string) (*domain.ConversationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].Clone(), nil
}

func (m *memContexts) PutContext(_ context.Context, c *domain.ConversationContext, prev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alwaysClash {
		return domain.ErrVersionConflict
	}
	if stored := m.items[c.ConversationID]; stored != nil && stored.Version != prev {
		return domain.ErrVersionConflict
	}
	m.items[c.ConversationID] = c.Clone()
	return nil
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*domain.Profile
	getErr   error
	puts     int
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.Facts = map[string]string{}
	for k, v := range p.Facts {
		cp.Facts[k] = v
	}
	return &cp, nil
}

func (f *fakeProfiles) PutProfile(_ context.Context, p domain.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profiles == nil {
		f.profiles = map[string]*domain.Profile{}
	}
	f.puts++
	f.profiles[p.UserID] = &p
	return nil
}

type fakeTasks struct {
	mu       sync.Mutex
	enqueued []domain.Task
	err      error
}

func (f *fakeTasks) Enqueue(_ context.Context, kind, convID, userID string, payload map[string]string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Task{}, f.err
	}
	t := domain.Task{Kind: kind, ConversationID: convID, UserID: userID, Payload: payload}
	f.enqueued = append(f.enqueued, t)
	return t, nil
}

type fakeRetriever struct {
	results []domain.RetrievalResult
	queries []string
}

func (f *fakeRetriever) Search(_ context.Context, query string) retrieval.Response {
	f.queries = append(f.queries, query)
	return retrieval.Response{Mode: retrieval.ModeKeyword, Results: f.results}
}

type fakeGenerator struct {
	chunks   []string
	err      error
	messages []domain.ChatMessage
}

func (f *fakeGenerator) Generate(ctx context.Context, messages []domain.ChatMessage, _ float64) (<-chan string, <-chan error) {
	f.messages = messages
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		for _, c := range f.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errs <- f.err
		}
	}()
	return chunks, errs
}

type harness struct {
	svc       *ChatService
	extractor *scriptedExtractor
	repo      *memContexts
	logs      *bytes.Buffer
}

func newHarness(t *testing.T, replies map[string]domain.Extraction, opts ...Option) *harness {
	t.Helper()
	cfg, err := triage.DefaultConfig()
	require.NoError(t, err)
	engine, err := triage.NewEngine(cfg, nil)
	require.NoError(t, err)
	repo := &memContexts{items: map[string]*domain.ConversationContext{}}
	store, err := entitystore.New(repo, engine, entitystore.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	x := &scriptedExtractor{replies: replies}
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	}
	svc, err := NewChatService(x, store, engine, append(base, opts...)...)
	require.NoError(t, err)
	return &harness{svc: svc, extractor: x, repo: repo, logs: logs}
}

func (h *harness) turn(t *testing.T, convID, text string) TurnOutput {
	t.Helper()
	out, err := h.svc.Turn(context.Background(), TurnInput{ConversationID: convID, UserID: "u1", Message: text})
	require.NoError(t, err)
	return out
}

func expectTurnError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	cfg, err := triage.DefaultConfig()
	require.NoError(t, err)
	engine, err := triage.NewEngine(cfg, nil)
	require.NoError(t, err)
	store, err := entitystore.New(&memContexts{items: map[string]*domain.ConversationContext{}}, engine)
	require.NoError(t, err)

	_, err = NewChatService(nil, store, engine)
	require.Error(t, err)
	_, err = NewChatService(&scriptedExtractor{}, nil, engine)
	require.Error(t, err)
	_, err = NewChatService(&scriptedExtractor{}, store, nil)
	require.Error(t, err)
}

func TestTurn_ValidationErrors(t *testing.T) {
	h := newHarness(t, nil, WithMaxMessageLen(10))

	_, err := h.svc.Turn(context.Background(), TurnInput{Message: "  "})
	expectTurnError(t, err, ErrorInvalidInput, "empty_message")

	_, err = h.svc.Turn(context.Background(), TurnInput{Message: strings.Repeat("a", 11)})
	expectTurnError(t, err, ErrorInvalidInput, "message_too_long")
}

func TestTurn_MissingConversationIDGeneratesOne(t *testing.T) {
	h := newHarness(t, nil)
	old := newUUID
	newUUID = func() string { return "conv-generated" }
	t.Cleanup(func() { newUUID = old })

	out, err := h.svc.Turn(context.Background(), TurnInput{UserID: "u1", Message: "hmm"})
	require.NoError(t, err)
	require.Equal(t, "conv-generated", out.ConversationID)
	require.Equal(t, "u1", h.repo.items["conv-generated"].UserID)
}

func TestTurn_Greeting(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"hello": {Intent: domain.IntentGreeting, Confidence: 0.6, Entities: map[string]string{}},
	})

	out := h.turn(t, "c1", "hello")
	require.Equal(t, KindGreeting, out.Kind)
	require.Equal(t, domain.StateGreeting, out.State)
	require.Equal(t, greetingMessage, out.Message)
}

func TestTurn_ObserverSeesEveryAction(t *testing.T) {
	var kinds []ActionKind
	h := newHarness(t, map[string]domain.Extraction{
		"hello": {Intent: domain.IntentGreeting, Confidence: 0.6, Entities: map[string]string{}},
	}, WithObserver(func(kind ActionKind, elapsed time.Duration) {
		require.GreaterOrEqual(t, elapsed, time.Duration(0))
		kinds = append(kinds, kind)
	}))

	h.turn(t, "c1", "hello")
	_, err := h.svc.Turn(context.Background(), TurnInput{ConversationID: "c1", Message: ""})
	require.Error(t, err)
	require.Equal(t, []ActionKind{KindGreeting}, kinds)
}

func TestTurn_CollectsSlotsThenDecides(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"my son has a fever": triageTurn(map[string]string{"symptom": "fever"}),
		"14 months":          slotTurn(map[string]string{"age_months": "14"}),
		"39.2":               slotTurn(map[string]string{"temperature": "39.2"}),
		"since yesterday":    slotTurn(map[string]string{"duration_hours": "24"}),
		"very cranky":        slotTurn(map[string]string{"mental_state": "cranky"}),
	})

	out := h.turn(t, "c1", "my son has a fever")
	require.Equal(t, KindAsk, out.Kind)
	require.Equal(t, domain.StateCollectingSlots, out.State)
	require.Equal(t, "age_months", out.Slot.Slot)
	require.Equal(t, triage.FieldNumber, out.Slot.Type)
	require.NotNil(t, out.Slot.Min)
	require.Equal(t, out.Slot.Prompt, out.Message)

	out = h.turn(t, "c1", "14 months")
	require.Equal(t, "temperature", out.Slot.Slot)
	require.Equal(t, 0.1, out.Slot.Step)

	out = h.turn(t, "c1", "39.2")
	require.Equal(t, "temperature", h.extractor.lastHints().PendingSlot)
	require.Equal(t, "fever", h.extractor.lastHints().Symptom)
	require.Equal(t, "duration_hours", out.Slot.Slot)

	out = h.turn(t, "c1", "since yesterday")
	require.Equal(t, "mental_state", out.Slot.Slot)
	require.Equal(t, triage.FieldChoice, out.Slot.Type)
	require.Equal(t, []string{"normal", "irritable", "lethargic", "unresponsive"}, out.Slot.Options)

	out = h.turn(t, "c1", "very cranky")
	require.Equal(t, KindTriageDecision, out.Kind)
	require.Equal(t, domain.StateTriageComplete, out.State)
	require.Equal(t, "fever_irritable", out.Triage.RuleID)
	require.Equal(t, domain.LevelOnline, out.Triage.Level)
	require.Equal(t, fixedNow, out.Triage.DecidedAt)
	require.Equal(t, "irritable", out.Entities["mental_state"])

	stored := h.repo.items["c1"]
	require.Equal(t, 5, stored.TurnCount)
	require.Equal(t, "fever", stored.ChiefComplaint)
	require.Len(t, stored.RecentUtterances, recentUtteranceLimit)
}

func TestTurn_DangerPreemptsSlotCollection(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"my 2 month old has a fever": triageTurn(map[string]string{"symptom": "fever", "age_months": "2"}),
	})

	out := h.turn(t, "c1", "my 2 month old has a fever")
	require.Equal(t, KindDangerAlert, out.Kind)
	require.Equal(t, domain.StateDangerDetected, out.State)
	require.Equal(t, "fever_under_3_months", out.Danger.RuleID)
	require.Equal(t, domain.LevelEmergency, out.Triage.Level)
	require.Equal(t, out.Danger.Message, out.Message)
	require.Contains(t, h.logs.String(), `"alert":true`)

	stored := h.repo.items["c1"]
	require.NotNil(t, stored.DangerSignal)
	require.Equal(t, domain.LevelEmergency, stored.Triage.Level)
}

func TestTurn_LightFeverDecidesWithoutFurtherPrompts(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"one year old, fever 37.8, playing normally": triageTurn(map[string]string{
			"age_months": "12", "symptom": "fever", "temperature": "37.8", "mental_state": "normal",
		}),
	})

	out := h.turn(t, "c1", "one year old, fever 37.8, playing normally")
	require.Equal(t, KindTriageDecision, out.Kind)
	require.Equal(t, domain.LevelSelfCare, out.Triage.Level)
	require.Equal(t, "fever_low_grade", out.Triage.RuleID)
	require.Nil(t, out.Slot)
}

func TestTurn_NewSymptomWhileCollectingIsAccompanying(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"fever":            triageTurn(map[string]string{"symptom": "fever", "age_months": "20"}),
		"he also coughs":   triageTurn(map[string]string{"symptom": "coughing"}),
		"he had a seizure": triageTurn(map[string]string{"symptom": "seizure"}),
	})

	h.turn(t, "c1", "fever")
	out := h.turn(t, "c1", "he also coughs")
	require.Equal(t, KindAsk, out.Kind)
	require.Equal(t, "fever", out.Entities["symptom"])
	require.Equal(t, "cough", out.Entities["accompanying_symptoms"])
	require.Equal(t, "temperature", out.Slot.Slot)

	out = h.turn(t, "c1", "he had a seizure")
	require.Equal(t, KindDangerAlert, out.Kind)
	require.Equal(t, "convulsion_accompanying", out.Danger.RuleID)
}

func TestTurn_NewSymptomAfterDecisionStartsNewTriage(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"light fever": triageTurn(map[string]string{
			"age_months": "12", "symptom": "fever", "temperature": "37.8", "mental_state": "normal",
			"allergies": "eggs",
		}),
		"now she is coughing": triageTurn(map[string]string{"symptom": "cough"}),
	})

	require.Equal(t, KindTriageDecision, h.turn(t, "c1", "light fever").Kind)
	out := h.turn(t, "c1", "now she is coughing")
	require.Equal(t, KindAsk, out.Kind)
	require.Equal(t, "duration_hours", out.Slot.Slot, "age is kept from the child's facts")
	require.Equal(t, "cough", out.Entities["symptom"])
	require.Equal(t, "eggs", out.Entities["allergies"])
	require.NotContains(t, out.Entities, "temperature")
	require.Nil(t, h.repo.items["c1"].Triage)
}

func TestTurn_RecoversSymptomFromRecentUtterances(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"she is 14 months": triageTurn(map[string]string{"age_months": "14"}),
	})

	out := h.turn(t, "c1", "she is 14 months")
	require.Equal(t, "symptom", out.Slot.Slot)

	h.extractor.recovered = "fever"
	out = h.turn(t, "c1", "hot since last night")
	require.Equal(t, "fever", out.Entities["symptom"])
	require.Equal(t, "temperature", out.Slot.Slot)
	require.Equal(t, [][]string{{"she is 14 months", "hot since last night"}}, h.extractor.recovery)
}

func TestTurn_ConsultStreamsGuardedAnswer(t *testing.T) {
	entry := &domain.KnowledgeEntry{ID: "fever-home-care", Title: "Caring for a child with fever", Content: "Offer fluids.", Source: "NHS"}
	retriever := &fakeRetriever{results: []domain.RetrievalResult{{EntryID: entry.ID, Score: 0.8, Rank: 1, Entry: entry}}}
	gen := &fakeGenerator{chunks: []string{"Offer fluids ", "and rest [1]."}}
	h := newHarness(t, map[string]domain.Extraction{
		"how do I bring a fever down?": {Intent: domain.IntentConsult, Confidence: 0.8, Entities: map[string]string{}},
	}, WithRetriever(retriever), WithGenerator(gen))

	out := h.turn(t, "c1", "how do I bring a fever down?")
	require.Equal(t, KindAnswer, out.Kind)
	require.Equal(t, domain.StateRAGQuery, out.State)
	require.Equal(t, []domain.Source{{EntryID: "fever-home-care", Title: entry.Title, Origin: "NHS"}}, out.Answer.Sources)

	text, outcome := out.Answer.Collect()
	require.Equal(t, "Offer fluids and rest [1].", text)
	require.Equal(t, safety.StateDone, outcome.State)
	require.Equal(t, []string{"how do I bring a fever down?"}, retriever.queries)
	require.Contains(t, gen.messages[1].Content, "[1] Caring for a child with fever")
}

func TestTurn_UnsafeAnswerIsReplacedByFallback(t *testing.T) {
	gen := &fakeGenerator{chunks: []string{"This remedy will cure", " all diseases", " quickly."}}
	h := newHarness(t, map[string]domain.Extraction{
		"is there a miracle remedy?": {Intent: domain.IntentConsult, Entities: map[string]string{}},
	}, WithGenerator(gen))

	out := h.turn(t, "c1", "is there a miracle remedy?")
	text, outcome := out.Answer.Collect()
	require.Equal(t, safety.Fallback, text)
	require.Equal(t, safety.StateAborted, outcome.State)
	require.Equal(t, safety.TierMedicalClaim, outcome.Verdict.Tier)
}

func TestTurn_AnswerWithoutGeneratorQuotesBestEntry(t *testing.T) {
	entry := &domain.KnowledgeEntry{ID: "croup", Title: "Croup", Content: "Croup causes a barking cough."}
	h := newHarness(t, map[string]domain.Extraction{
		"what is croup?": {Intent: domain.IntentConsult, Entities: map[string]string{}},
		"and measles?":   {Intent: domain.IntentConsult, Entities: map[string]string{}},
	}, WithRetriever(&fakeRetriever{results: []domain.RetrievalResult{{EntryID: "croup", Entry: entry}}}))

	text, _ := h.turn(t, "c1", "what is croup?").Answer.Collect()
	require.Equal(t, "Croup causes a barking cough.", text)

	h.svc.retriever = &fakeRetriever{}
	text, _ = h.turn(t, "c1", "and measles?").Answer.Collect()
	require.Equal(t, noAnswerMessage, text)
}

func TestTurn_GenerationFailureYieldsApology(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream down")}
	h := newHarness(t, map[string]domain.Extraction{
		"what is croup?": {Intent: domain.IntentConsult, Entities: map[string]string{}},
	}, WithGenerator(gen))

	text, outcome := h.turn(t, "c1", "what is croup?").Answer.Collect()
	require.Equal(t, noAnswerMessage, text)
	require.EqualError(t, outcome.Err, "upstream down")
}

func TestTurn_FollowUpQuestionAfterDecisionIsAnswered(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"light fever": triageTurn(map[string]string{
			"age_months": "12", "symptom": "fever", "temperature": "37.8", "mental_state": "normal",
		}),
	})

	h.turn(t, "c1", "light fever")
	out := h.turn(t, "c1", "ok and then what")
	require.Equal(t, KindAnswer, out.Kind)
	require.Equal(t, domain.StateRAGQuery, out.State)
	_, _ = out.Answer.Collect()
}

func TestTurn_ProfilePrefillAndExtractionTask(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*domain.Profile{
		"u1": {UserID: "u1", Facts: map[string]string{"age_months": "30", "allergies": "penicillin", "nickname": "Bo"}},
	}}
	tasks := &fakeTasks{}
	h := newHarness(t, map[string]domain.Extraction{
		"fever": triageTurn(map[string]string{"symptom": "fever"}),
	}, WithProfiles(profiles), WithTasks(tasks))

	out := h.turn(t, "c1", "fever")
	require.Equal(t, "temperature", out.Slot.Slot)
	require.Equal(t, "penicillin", out.Entities["allergies"])
	require.NotContains(t, out.Entities, "nickname")

	require.Len(t, tasks.enqueued, 1)
	require.Equal(t, domain.Task{
		Kind: TaskProfileExtract, ConversationID: "c1", UserID: "u1",
		Payload: map[string]string{"text": "fever"},
	}, tasks.enqueued[0])
}

func TestTurn_ProfileAndTaskFailuresNeverFailTheTurn(t *testing.T) {
	h := newHarness(t, map[string]domain.Extraction{
		"fever": triageTurn(map[string]string{"symptom": "fever"}),
	}, WithProfiles(&fakeProfiles{getErr: errors.New("db down")}), WithTasks(&fakeTasks{err: errors.New("queue down")}))

	out := h.turn(t, "c1", "fever")
	require.Equal(t, KindAsk, out.Kind)
	require.Contains(t, h.logs.String(), "profile pre-fill skipped")
	require.Contains(t, h.logs.String(), "enqueue profile extraction failed")
}

func TestTurn_PersistentConflictIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.alwaysClash = true

	_, err := h.svc.Turn(context.Background(), TurnInput{ConversationID: "c1", Message: "hi"})
	expectTurnError(t, err, ErrorConflict, "context_version_conflict")
}

func TestTurn_CancelledBeforeMergeWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Turn(ctx, TurnInput{ConversationID: "c1", Message: "fever"})
	expectTurnError(t, err, ErrorInternal, "turn_cancelled")
	require.Empty(t, h.repo.items)
}

func TestTurn_ConcurrentTurnsAreSerialized(t *testing.T) {
	h := newHarness(t, nil)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Turn(context.Background(), TurnInput{ConversationID: "c1", Message: fmt.Sprintf("msg %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 20, h.repo.items["c1"].TurnCount)
}

func TestBuildAnswerMessages(t *testing.T) {
	entry := &domain.KnowledgeEntry{Title: "Teething", Content: "  Gums   can be sore. "}
	msgs := buildAnswerMessages("is it teething?",
		domain.Entities{"age_months": "8", "allergies": []string{"eggs", "nuts"}},
		[]domain.RetrievalResult{{Entry: entry}})

	require.Len(t, msgs, 4)
	require.Contains(t, msgs[0].Content, "Never give medication doses")
	require.Equal(t, "Reference Material:\n\n[1] Teething\nGums can be sore.", msgs[1].Content)
	require.Equal(t, "Child Facts:\n- age_months: 8\n- allergies: eggs, nuts", msgs[2].Content)
	require.Equal(t, domain.ChatMessage{Role: "user", Content: "is it teething?"}, msgs[3])

	require.Len(t, buildAnswerMessages("q", nil, nil), 3)
}
