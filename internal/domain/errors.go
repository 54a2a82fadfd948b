package domain

import "fmt"

// Error taxonomy. The statistical kernel never throws for
// data-dependent issues — TestInfeasible and MissingColumn are recorded as
// warnings, not returned as errors, except where a stage needs to report a
// per-item drop decision (e.g. the generator dropping a hypothesis).

// DataQualityError is fatal before any hypothesis generation — missing
// outcome column, degenerate outcome, or an empty dataset.
type DataQualityError struct {
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %s", e.Reason)
}

// InsufficientHypothesesError fires when the generator produces fewer than
// two usable hypotheses after filtering.
type InsufficientHypothesesError struct {
	Valid int
}

func (e *InsufficientHypothesesError) Error() string {
	return fmt.Sprintf("insufficient hypotheses: fewer than 2 valid hypotheses remained (got %d)", e.Valid)
}

// LLMSchemaError fires when LLM output could not be parsed or validated
// after the retry budget was exhausted.
type LLMSchemaError struct {
	Attempts int
	Last     error
}

func (e *LLMSchemaError) Error() string {
	return fmt.Sprintf("llm schema validation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *LLMSchemaError) Unwrap() error { return e.Last }

// TestInfeasibleError documents why a declared test method could not run
// against the data profile. Non-fatal: callers fold it into a TestResult
// warning rather than propagating it.
type TestInfeasibleError struct {
	Method TestMethod
	Reason string
}

func (e *TestInfeasibleError) Error() string {
	return fmt.Sprintf("test infeasible: %s: %s", e.Method, e.Reason)
}

// MissingColumnError documents a hypothesis whose cause or effect column is
// absent from the dataset. Non-fatal: the hypothesis is dropped with a
// warning unless it pushes the valid count below two.
type MissingColumnError struct {
	Column string
	Reason string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing column %q: %s", e.Column, e.Reason)
}

// BudgetExceededError fires when a per-test or per-LLM-call budget
// (wall-clock or retry count) is exceeded. Non-fatal at the stage level.
type BudgetExceededError struct {
	Budget string
	Limit  string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s (limit %s)", e.Budget, e.Limit)
}
