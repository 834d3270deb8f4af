// Package session holds the state of one interactive chat session: the
// conversation history, the API credential, the validator toggles and the
// per-turn raw/validated pairs used by the comparison view.
//
// A Session is owned by exactly one turn loop and is not safe for concurrent
// use.
package session

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"guardrails-chat/internal/domain"
)

// Phase is the position of the current turn in the turn state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseAwaitingRawResponse Phase = "awaiting_raw_response"
	PhaseAwaitingValidation  Phase = "awaiting_validation"
	PhaseRendered            Phase = "rendered"
	PhaseErrorShown          Phase = "error_shown"
)

var validNext = map[Phase][]Phase{
	PhaseIdle:                {PhaseAwaitingRawResponse, PhaseErrorShown},
	PhaseAwaitingRawResponse: {PhaseAwaitingValidation, PhaseErrorShown},
	PhaseAwaitingValidation:  {PhaseRendered},
	PhaseRendered:            {PhaseAwaitingRawResponse, PhaseIdle, PhaseErrorShown},
	PhaseErrorShown:          {PhaseAwaitingRawResponse, PhaseIdle},
}

// ErrInvalidTransition is returned by Transition for an edge the turn state
// machine does not have.
var ErrInvalidTransition = errors.New("session: invalid phase transition")

// Turn is a rendered exchange. AssistantIndex is the position of the
// assistant message in the history.
type Turn struct {
	Prompt         string
	AssistantIndex int
	Pair           domain.ResponsePair
}

// Options configures a new session.
type Options struct {
	Credential   string
	GuardEnabled bool
	Validators   domain.ValidatorConfig
	PII          bool
	Jailbreak    bool
	Model        string
	Temperature  float64
}

type Session struct {
	id           string
	credential   string
	guardEnabled bool
	validators   domain.ValidatorConfig
	pii          bool
	jailbreak    bool
	model        string
	temperature  float64

	history []domain.Message
	turns   []Turn
	compare map[int]bool
	phase   Phase
	closed  bool
}

// New starts a session with an empty history.
func New(opts Options) *Session {
	validators := domain.ValidatorConfig{}
	for _, v := range opts.Validators.Enabled() {
		validators[v] = true
	}
	return &Session{
		id:           newID(),
		credential:   strings.TrimSpace(opts.Credential),
		guardEnabled: opts.GuardEnabled,
		validators:   validators,
		pii:          opts.PII,
		jailbreak:    opts.Jailbreak,
		model:        opts.Model,
		temperature:  opts.Temperature,
		compare:      make(map[int]bool),
		phase:        PhaseIdle,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Credential() string { return s.credential }

// HasCredential is the only credential check the session performs.
func (s *Session) HasCredential() bool { return s.credential != "" }

func (s *Session) SetCredential(credential string) {
	s.credential = strings.TrimSpace(credential)
}

func (s *Session) GuardEnabled() bool { return s.guardEnabled }

func (s *Session) SetGuardEnabled(enabled bool) { s.guardEnabled = enabled }

func (s *Session) ValidatorEnabled(name domain.ValidatorName) bool {
	return s.validators[name]
}

func (s *Session) SetValidator(name domain.ValidatorName, enabled bool) {
	s.validators[name] = enabled
}

// Validators returns a copy of the toggles.
func (s *Session) Validators() domain.ValidatorConfig {
	return s.validators.Clone()
}

// ActiveValidators is the set the pipeline should run this turn: empty when
// the guard is off.
func (s *Session) ActiveValidators() domain.ValidatorConfig {
	if !s.guardEnabled {
		return domain.ValidatorConfig{}
	}
	return s.validators.Clone()
}

func (s *Session) PIIEnabled() bool         { return s.pii }
func (s *Session) SetPII(enabled bool)      { s.pii = enabled }
func (s *Session) JailbreakEnabled() bool   { return s.jailbreak }
func (s *Session) SetJailbreak(on bool)     { s.jailbreak = on }
func (s *Session) Model() string            { return s.model }
func (s *Session) SetModel(model string)    { s.model = strings.TrimSpace(model) }
func (s *Session) Temperature() float64     { return s.temperature }
func (s *Session) SetTemperature(t float64) { s.temperature = t }

// History returns a copy of the conversation in chronological order.
func (s *Session) History() []domain.Message {
	out := make([]domain.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) Len() int { return len(s.history) }

// Restore loads a history produced elsewhere (a stateless client carrying
// its own conversation). Only user and assistant messages are accepted.
func (s *Session) Restore(history []domain.Message) error {
	if len(s.history) > 0 {
		return errors.New("session: restore into non-empty history")
	}
	for _, m := range history {
		if !m.Valid() {
			return errors.New("session: history contains invalid role " + string(m.Role))
		}
	}
	s.history = append(s.history, history...)
	return nil
}

// CommitTurn appends the user message and the assistant message of a
// completed turn together so a history never contains half a turn.
func (s *Session) CommitTurn(prompt string, pair domain.ResponsePair) Turn {
	s.history = append(s.history,
		domain.Message{Role: domain.RoleUser, Content: prompt},
		domain.Message{Role: domain.RoleAssistant, Content: pair.Validated},
	)
	t := Turn{Prompt: prompt, AssistantIndex: len(s.history) - 1, Pair: pair}
	s.turns = append(s.turns, t)
	return t
}

// Turns returns the rendered turns in order.
func (s *Session) Turns() []Turn {
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// LastTurn returns the most recent turn.
func (s *Session) LastTurn() (Turn, bool) {
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Turn returns the n-th turn, 1-based as shown to the user.
func (s *Session) Turn(n int) (Turn, bool) {
	if n < 1 || n > len(s.turns) {
		return Turn{}, false
	}
	return s.turns[n-1], true
}

// ToggleCompare flips the comparison view of turn n and returns the new state.
func (s *Session) ToggleCompare(n int) (bool, error) {
	if _, ok := s.Turn(n); !ok {
		return false, errors.New("session: no such turn")
	}
	s.compare[n] = !s.compare[n]
	return s.compare[n], nil
}

func (s *Session) CompareShown(n int) bool { return s.compare[n] }

// Clear resets history, turns and comparison state and starts a new
// conversation id, so turn numbers never repeat under one id. Toggles and
// the credential are kept.
func (s *Session) Clear() {
	s.id = newID()
	s.history = nil
	s.turns = nil
	s.compare = make(map[int]bool)
	s.phase = PhaseIdle
}

func (s *Session) Phase() Phase { return s.phase }

// Transition moves the turn state machine along one edge.
func (s *Session) Transition(next Phase) error {
	for _, p := range validNext[s.phase] {
		if p == next {
			s.phase = next
			return nil
		}
	}
	return ErrInvalidTransition
}

// Close tears the session down: the credential and history are dropped and
// the session must not be used again.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.credential = ""
	s.Clear()
	s.closed = true
}

func (s *Session) Closed() bool { return s.closed }

var newID = func() string {
	return uuid.NewString()
}
