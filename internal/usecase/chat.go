package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/entitystore"
	"pediatric-assistant/internal/normalize"
	"pediatric-assistant/internal/retrieval"
	"pediatric-assistant/internal/safety"
	"pediatric-assistant/internal/triage"
)

const (
	defaultMaxMessageLen = 1000
	recentUtteranceLimit = 5
	answerTemperature    = 0.3

	// TaskProfileExtract is the background task kind that mines a turn for
	// long-lived child facts.
	TaskProfileExtract = "profile_extract"

	accompanyingKey = "accompanying_symptoms"
)

const greetingMessage = "Hello! I can help you work out what to do when your child is unwell. " +
	"Tell me the main symptom and how old your child is."

const noAnswerMessage = "I don't have reliable information on that. Please ask your child's doctor or nurse."

// ProfileKeys are the entities that describe the child rather than the
// current illness. They survive the start of a new triage.
var ProfileKeys = []string{"age_months", "allergies", "medications", "medical_history"}

// ActionKind is the next user-facing step chosen for a turn.
type ActionKind string

const (
	KindGreeting       ActionKind = "greeting"
	KindAsk            ActionKind = "ask"
	KindDangerAlert    ActionKind = "danger_alert"
	KindTriageDecision ActionKind = "triage_decision"
	KindAnswer         ActionKind = "answer"
)

type Extractor interface {
	Extract(ctx context.Context, text string, hints domain.ExtractionHints) domain.Extraction
	RecoverSymptom(utterances []string) (string, bool)
}

type ContextStore interface {
	Load(ctx context.Context, conversationID string) (*domain.ConversationContext, error)
	Update(ctx context.Context, conversationID string, fn func(*domain.ConversationContext) error) (*domain.ConversationContext, error)
	MergeEntities(current domain.Entities, incoming map[string]string) domain.Entities
}

type TriageEngine interface {
	Evaluate(entities domain.Entities, now time.Time) triage.Result
	Config() *triage.Config
}

type Retriever interface {
	Search(ctx context.Context, query string) retrieval.Response
}

type Generator interface {
	Generate(ctx context.Context, messages []domain.ChatMessage, temperature float64) (<-chan string, <-chan error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	PutProfile(ctx context.Context, p domain.Profile) error
}

type TaskEnqueuer interface {
	Enqueue(ctx context.Context, kind, conversationID, userID string, payload map[string]string) (domain.Task, error)
}

type TurnInput struct {
	ConversationID string
	UserID         string
	Message        string
}

// SlotPrompt tells the UI how to ask for one missing slot.
type SlotPrompt struct {
	Slot    string   `json:"slot"`
	Type    string   `json:"type"`
	Label   string   `json:"label"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Step    float64  `json:"step,omitempty"`
}

// TurnOutput carries exactly one action. Answer is set only for KindAnswer
// and must be drained by the caller.
type TurnOutput struct {
	ConversationID string                 `json:"conversationId"`
	Kind           ActionKind             `json:"kind"`
	State          domain.DialogueState   `json:"state"`
	Message        string                 `json:"message,omitempty"`
	Slot           *SlotPrompt            `json:"slot,omitempty"`
	Danger         *domain.DangerSignal   `json:"danger,omitempty"`
	Triage         *domain.TriageSnapshot `json:"triage,omitempty"`
	Entities       map[string]string      `json:"entities,omitempty"`
	Answer         *Answer                `json:"-"`
}

// Answer is a generated reply passing through the safety guard.
type Answer struct {
	Sources []domain.Source
	Chunks  <-chan string
	stream  *safety.Stream
}

// NewAnswer wraps a guarded stream.
func NewAnswer(sources []domain.Source, stream *safety.Stream) *Answer {
	return &Answer{Sources: sources, Chunks: stream.Chunks, stream: stream}
}

// Wait blocks until the stream has ended. Chunks must be drained first.
func (a *Answer) Wait() safety.Outcome {
	return a.stream.Wait()
}

// Collect drains the stream and returns the text to show. An aborted stream
// yields the safety fallback; a failed one with no text yields a fixed
// apology.
func (a *Answer) Collect() (string, safety.Outcome) {
	var b strings.Builder
	for chunk := range a.Chunks {
		b.WriteString(chunk)
	}
	out := a.Wait()
	switch {
	case out.Verdict.Aborted:
		return out.Verdict.Fallback, out
	case out.Err != nil && b.Len() == 0:
		return noAnswerMessage, out
	}
	return b.String(), out
}

// ChatService runs one dialogue turn at a time per conversation.
type ChatService struct {
	extractor Extractor
	store     ContextStore
	engine    TriageEngine
	retriever Retriever
	generator Generator
	guard     *safety.Guard
	profiles  ProfileStore
	tasks     TaskEnqueuer
	turns     *entitystore.KeyedMutex
	now       func() time.Time
	logger    *slog.Logger
	observe   func(kind ActionKind, elapsed time.Duration)

	maxMessageLen int
}

type Option func(*ChatService)

func WithRetriever(r Retriever) Option {
	return func(s *ChatService) { s.retriever = r }
}

func WithGenerator(g Generator) Option {
	return func(s *ChatService) { s.generator = g }
}

func WithGuard(g *safety.Guard) Option {
	return func(s *ChatService) {
		if g != nil {
			s.guard = g
		}
	}
}

// WithProfiles enables profile pre-fill on the first turn.
func WithProfiles(p ProfileStore) Option {
	return func(s *ChatService) { s.profiles = p }
}

// WithTasks enables the profile extraction task after every turn.
func WithTasks(t TaskEnqueuer) Option {
	return func(s *ChatService) { s.tasks = t }
}

func WithClock(now func() time.Time) Option {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers a callback receiving the action of every turn and
// the time spent planning it.
func WithObserver(fn func(kind ActionKind, elapsed time.Duration)) Option {
	return func(s *ChatService) { s.observe = fn }
}

func WithMaxMessageLen(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.maxMessageLen = n
		}
	}
}

func NewChatService(x Extractor, store ContextStore, engine TriageEngine, opts ...Option) (*ChatService, error) {
	if x == nil {
		return nil, errors.New("usecase: extractor must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: context store must not be nil")
	}
	if engine == nil {
		return nil, errors.New("usecase: triage engine must not be nil")
	}
	s := &ChatService{
		extractor:     x,
		store:         store,
		engine:        engine,
		guard:         safety.NewGuard(),
		turns:         entitystore.NewKeyedMutex(),
		now:           time.Now,
		logger:        slog.Default(),
		maxMessageLen: defaultMaxMessageLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// plan is the action chosen inside the context update.
type plan struct {
	kind ActionKind
	slot string
}

// Turn processes one utterance. Extraction finishes before anything is
// merged, so a cancelled turn leaves the context untouched.
func (s *ChatService) Turn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	started := time.Now()
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		convID = newUUID()
	}
	userID := strings.TrimSpace(in.UserID)

	unlock := s.turns.Lock(convID)
	defer unlock()

	now := s.now().UTC()
	current, err := s.store.Load(ctx, convID)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "context_load_error", err)
	}
	if current == nil {
		current = domain.NewConversationContext(convID, userID, now)
	}
	var prefill map[string]string
	if current.TurnCount == 0 {
		prefill = s.profileFacts(ctx, userID)
	}

	ex := s.extractor.Extract(ctx, text, s.hints(current, now))
	if err := ctx.Err(); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "turn_cancelled", err)
	}

	var p plan
	updated, err := s.store.Update(ctx, convID, func(c *domain.ConversationContext) error {
		if c.UserID == "" {
			c.UserID = userID
		}
		p = s.advance(c, text, ex, prefill, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return TurnOutput{}, newError(ErrorConflict, "context_version_conflict", err)
		}
		return TurnOutput{}, newError(ErrorInternal, "context_write_error", err)
	}
	s.enqueueProfileExtract(ctx, updated, text)

	out := TurnOutput{
		ConversationID: convID,
		Kind:           p.kind,
		State:          updated.State,
		Entities:       updated.Entities.Flatten(),
	}
	switch p.kind {
	case KindGreeting:
		out.Message = greetingMessage
	case KindAsk:
		out.Slot = s.slotPrompt(p.slot)
		out.Message = out.Slot.Prompt
	case KindDangerAlert:
		out.Danger = updated.DangerSignal
		out.Triage = updated.Triage
		out.Message = updated.DangerSignal.Message
		s.logger.Warn("danger signal detected",
			"conversation_id", convID,
			"rule_id", updated.DangerSignal.RuleID,
			"alert", true,
		)
	case KindTriageDecision:
		out.Triage = updated.Triage
		out.Message = updated.Triage.Reason + " " + updated.Triage.Action
	case KindAnswer:
		out.Answer = s.answer(ctx, text, updated)
	}
	if s.observe != nil {
		s.observe(p.kind, time.Since(started))
	}
	return out, nil
}

// advance merges the extraction into c and moves the dialogue state. It may
// run more than once on a version conflict and only touches c.
func (s *ChatService) advance(c *domain.ConversationContext, text string, ex domain.Extraction, prefill map[string]string, now time.Time) plan {
	incoming := make(map[string]string, len(ex.Entities)+len(prefill))
	for k, v := range ex.Entities {
		if strings.TrimSpace(v) != "" {
			incoming[k] = v
		}
	}
	medical := len(incoming) > 0

	current, _ := c.Entities.String(triage.SymptomKey)
	if next := incoming[triage.SymptomKey]; next != "" && current != "" &&
		normalize.Symptom(next) != normalize.Symptom(current) {
		switch c.State {
		case domain.StateCollectingSlots, domain.StateReadyForTriage:
			incoming[accompanyingKey] = joinList(incoming[accompanyingKey], normalize.Symptom(next))
			delete(incoming, triage.SymptomKey)
		default:
			s.startNewTriage(c)
			current = ""
		}
	}

	if incoming[triage.SymptomKey] == "" && current == "" && c.State == domain.StateCollectingSlots {
		recent := append(append([]string(nil), c.RecentUtterances...), text)
		if symptom, ok := s.extractor.RecoverSymptom(recent); ok {
			incoming[triage.SymptomKey] = symptom
		}
	}
	for k, v := range prefill {
		if _, ok := incoming[k]; !ok && !c.Entities.Has(k) {
			incoming[k] = v
		}
	}

	c.Entities = s.store.MergeEntities(c.Entities, incoming)
	c.TurnCount++
	c.CurrentIntent = ex.Intent
	c.Remember(text, recentUtteranceLimit)
	if symptom, ok := c.Entities.String(triage.SymptomKey); ok {
		c.ChiefComplaint = symptom
	}

	res := s.engine.Evaluate(c.Entities, now)
	if res.Danger != nil {
		c.DangerSignal = res.Danger
		c.Triage = res.Snapshot
		s.transition(c, domain.StateDangerDetected)
		return plan{kind: KindDangerAlert}
	}

	collecting := c.State == domain.StateCollectingSlots
	switch {
	case ex.Intent == domain.IntentGreeting && !medical && !collecting:
		s.transition(c, domain.StateGreeting)
		return plan{kind: KindGreeting}
	case ex.Intent == domain.IntentConsult && !(collecting && medical),
		!medical && ex.Intent != domain.IntentTriage &&
			(c.State == domain.StateTriageComplete || c.State == domain.StateRAGQuery):
		if !collecting {
			s.transition(c, domain.StateRAGQuery)
		}
		return plan{kind: KindAnswer}
	}

	if len(res.Missing) > 0 {
		s.transition(c, domain.StateCollectingSlots)
		return plan{kind: KindAsk, slot: res.Missing[0]}
	}
	s.transition(c, domain.StateReadyForTriage)
	c.Triage = res.Snapshot
	s.transition(c, domain.StateTriageComplete)
	return plan{kind: KindTriageDecision}
}

// startNewTriage drops the previous illness and keeps what is known about
// the child.
func (s *ChatService) startNewTriage(c *domain.ConversationContext) {
	kept := domain.Entities{}
	for _, k := range ProfileKeys {
		if v, ok := c.Entities[k]; ok {
			kept[k] = v
		}
	}
	c.Entities = kept.Clone()
	c.Triage = nil
	c.DangerSignal = nil
	c.ChiefComplaint = ""
	s.transition(c, domain.StateInitial)
}

func (s *ChatService) transition(c *domain.ConversationContext, to domain.DialogueState) {
	if c.State == to {
		return
	}
	s.logger.Debug("dialogue state transition", "conversation_id", c.ConversationID, "from", c.State, "to", to)
	c.State = to
}

func (s *ChatService) hints(c *domain.ConversationContext, now time.Time) domain.ExtractionHints {
	h := domain.ExtractionHints{State: c.State, Known: c.Entities.Flatten()}
	h.Symptom, _ = c.Entities.String(triage.SymptomKey)
	if c.State == domain.StateCollectingSlots {
		if res := s.engine.Evaluate(c.Entities, now); len(res.Missing) > 0 {
			h.PendingSlot = res.Missing[0]
		}
	}
	return h
}

func (s *ChatService) slotPrompt(slot string) *SlotPrompt {
	p := &SlotPrompt{Slot: slot, Type: triage.FieldText, Label: slot}
	if spec, ok := s.engine.Config().Fields[slot]; ok {
		p.Type = spec.Type
		p.Label = spec.Label
		p.Prompt = spec.Prompt
		p.Options = append([]string(nil), spec.Options...)
		p.Min = spec.Min
		p.Max = spec.Max
		p.Step = spec.Step
	}
	if p.Prompt == "" {
		p.Prompt = "Could you tell me the " + strings.ToLower(p.Label) + "?"
	}
	return p
}

// profileFacts returns the stored facts for userID. Profile problems never
// fail a turn.
func (s *ChatService) profileFacts(ctx context.Context, userID string) map[string]string {
	if s.profiles == nil || userID == "" {
		return nil
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		s.logger.Warn("profile pre-fill skipped", "user_id", userID, "err", err)
		return nil
	}
	if p == nil {
		return nil
	}
	facts := make(map[string]string, len(ProfileKeys))
	for _, k := range ProfileKeys {
		if v := strings.TrimSpace(p.Facts[k]); v != "" {
			facts[k] = v
		}
	}
	return facts
}

func (s *ChatService) enqueueProfileExtract(ctx context.Context, c *domain.ConversationContext, text string) {
	if s.tasks == nil || c.UserID == "" {
		return
	}
	_, err := s.tasks.Enqueue(ctx, TaskProfileExtract, c.ConversationID, c.UserID, map[string]string{"text": text})
	if err != nil {
		s.logger.Warn("enqueue profile extraction failed", "conversation_id", c.ConversationID, "err", err)
	}
}

func (s *ChatService) answer(ctx context.Context, question string, c *domain.ConversationContext) *Answer {
	var results []domain.RetrievalResult
	if s.retriever != nil {
		results = s.retriever.Search(ctx, question).Results
	}
	stream := s.guard.Stream(ctx, s.generation(question, c, results))
	return NewAnswer(sourcesOf(results), stream)
}

// generation falls back to quoting the best entry when no model is wired.
func (s *ChatService) generation(question string, c *domain.ConversationContext, results []domain.RetrievalResult) safety.Generator {
	if s.generator == nil {
		text := noAnswerMessage
		if len(results) > 0 && results[0].Entry != nil {
			text = strings.TrimSpace(results[0].Entry.Content)
		}
		return staticGenerator(text)
	}
	messages := buildAnswerMessages(question, c.Entities, results)
	return func(ctx context.Context) (<-chan string, <-chan error) {
		return s.generator.Generate(ctx, messages, answerTemperature)
	}
}

func staticGenerator(text string) safety.Generator {
	return func(context.Context) (<-chan string, <-chan error) {
		chunks := make(chan string, 1)
		errs := make(chan error)
		chunks <- text
		close(chunks)
		close(errs)
		return chunks, errs
	}
}

func sourcesOf(results []domain.RetrievalResult) []domain.Source {
	out := make([]domain.Source, 0, len(results))
	for _, r := range results {
		if r.Entry == nil {
			continue
		}
		out = append(out, domain.Source{EntryID: r.EntryID, Title: r.Entry.Title, Origin: r.Entry.Source})
	}
	return out
}

func joinList(existing, item string) string {
	if strings.TrimSpace(existing) == "" {
		return item
	}
	return existing + ", " + item
}

var newUUID = func() string {
	return uuid.NewString()
}
