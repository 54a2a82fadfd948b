package domain

import (
	"fmt"
	"time"
)

// Status is the ReasoningSession's state-machine tag. Terminal statuses
// (Completed, Failed, Cancelled) never transition further.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// validTransitions is the session state machine: terminal statuses map to
// an empty transition set.
var validTransitions = map[Status][]Status{
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// ValidateTransition reports an error unless to is a status reachable from
// from in one step.
func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("domain: invalid current status %q", from)
	}
	for _, a := range allowed {
		if a == to {
			return nil
		}
	}
	return fmt.Errorf("domain: invalid status transition %q -> %q", from, to)
}

// Stage names the five pipeline stages, used for error tagging and metrics.
type Stage string

const (
	StageGenerator    Stage = "hypothesis_generator"
	StageConfounder   Stage = "confounder_analyzer"
	StageTester       Stage = "causal_tester"
	StageLeverEstim   Stage = "lever_estimator"
	StageExplanation  Stage = "explanation_generator"
	StageNone         Stage = ""
)

// totalStages is the denominator for CompletenessScore
// (completeness_score = stages_completed / 5).
const totalStages = 5

// ReasoningSession is the root record of one end-to-end analysis run. It is
// created by the orchestrator, mutated by exactly one stage at a time (in
// stage order), and frozen once Status reaches a terminal value.
type ReasoningSession struct {
	ID            string
	OpportunityID string
	Status        Status

	Hypotheses []Hypothesis

	RecommendedLevers []Lever
	ReasoningChain     *ReasoningChain

	ConfidenceScore   float64
	CompletenessScore float64

	ErrorMessage string
	FailedStage  Stage

	StagesCompleted int

	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewReasoningSession creates a fresh in_progress session for an opportunity.
func NewReasoningSession(id, opportunityID, correlationID string) *ReasoningSession {
	now := time.Now()
	return &ReasoningSession{
		ID:            id,
		OpportunityID: opportunityID,
		Status:        StatusInProgress,
		Hypotheses:    make([]Hypothesis, 0, 6),
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HypothesesCount is the derived count kept in lockstep with the hypothesis list.
func (s *ReasoningSession) HypothesesCount() int {
	return len(s.Hypotheses)
}

// ValidatedHypothesesCount counts hypotheses whose Validated is true.
func (s *ReasoningSession) ValidatedHypothesesCount() int {
	n := 0
	for _, h := range s.Hypotheses {
		if h.Validated != nil && *h.Validated {
			n++
		}
	}
	return n
}

// ValidatedCauses returns the deduplicated TrueCause of every validated
// hypothesis, in hypothesis order.
func (s *ReasoningSession) ValidatedCauses() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(s.Hypotheses))
	for _, h := range s.Hypotheses {
		if h.Validated == nil || !*h.Validated || h.CausalStructure == nil {
			continue
		}
		cause := h.CausalStructure.TrueCause
		if cause == "" || seen[cause] {
			continue
		}
		seen[cause] = true
		out = append(out, cause)
	}
	return out
}

// RecomputeDerived stamps UpdatedAt; the derived counts are computed on
// demand by their accessor methods. Called by the tester, estimator and
// explanator stages after they write the session.
func (s *ReasoningSession) RecomputeDerived() {
	s.UpdatedAt = time.Now()
}

// MarkStageCompleted increments the stage counter and refreshes
// CompletenessScore = stages_completed / 5.
func (s *ReasoningSession) MarkStageCompleted() {
	s.StagesCompleted++
	if s.StagesCompleted > totalStages {
		s.StagesCompleted = totalStages
	}
	s.CompletenessScore = float64(s.StagesCompleted) / float64(totalStages)
	s.UpdatedAt = time.Now()
}

// Transition moves the session to a new terminal or non-terminal status,
// validating against the transition table.
func (s *ReasoningSession) Transition(to Status) error {
	if err := ValidateTransition(s.Status, to); err != nil {
		return err
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	return nil
}

// Fail transitions the session to Failed, recording the stage and message.
// It never overwrites an already-terminal session.
func (s *ReasoningSession) Fail(stage Stage, err error) error {
	if transErr := s.Transition(StatusFailed); transErr != nil {
		return transErr
	}
	s.FailedStage = stage
	s.ErrorMessage = err.Error()
	return nil
}

// Complete transitions the session to Completed.
func (s *ReasoningSession) Complete() error {
	return s.Transition(StatusCompleted)
}

// Cancel transitions the session to Cancelled.
func (s *ReasoningSession) Cancel() error {
	return s.Transition(StatusCancelled)
}

// IsTerminal reports whether the session has reached a terminal status.
func (s *ReasoningSession) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCancelled
}

// Snapshot is an immutable point-in-time copy of the session, paired with
// the stage that just completed, for the streaming transport.
type Snapshot struct {
	Stage   Stage
	Session ReasoningSession
}
