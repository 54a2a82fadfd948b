package contracts

// Package contracts defines the gRPC contract types shared between the
// reasoning engine and the out-of-process tester worker.
//
// These types define the inter-process communication interface. In reality,
// these would be in .proto files and generated; this file documents the
// contract, and the transport layer carries each message as a
// structpb.Struct built from the JSON projection of these types.

// TesterWorkerService is the fully qualified gRPC service name.
const TesterWorkerService = "causalreason.v1.TesterWorker"

// RunTestsMethod is the full method path for the single-hypothesis test RPC.
const RunTestsMethod = "/" + TesterWorkerService + "/RunTests"

// ColumnData carries one numeric column of the dataset. Missing cells are
// transported as JSON nulls and restored to NaN on the worker side.
type ColumnData struct {
	Name   string     `json:"name"`
	Values []*float64 `json:"values"`
}

// DatasetPayload is the wire form of the read-only tabular view.
type DatasetPayload struct {
	Columns   []ColumnData `json:"columns"`
	TimeIndex []float64    `json:"time_index,omitempty"`
	RowCount  int          `json:"row_count"`
}

// HypothesisPayload is the wire form of one hypothesis to test.
type HypothesisPayload struct {
	ID          string   `json:"id"`
	SessionID   string   `json:"session_id"`
	Cause       string   `json:"cause"`
	Effect      string   `json:"effect"`
	Mechanism   string   `json:"mechanism"`
	Confounders []string `json:"confounders"`
	Mediators   []string `json:"mediators"`
	Moderators  []string `json:"moderators"`
	TestMethods []string `json:"test_methods"`
}

// RunTestsRequest asks the worker to test one hypothesis against a dataset.
type RunTestsRequest struct {
	Hypothesis HypothesisPayload `json:"hypothesis"`
	Dataset    DatasetPayload    `json:"dataset"`

	// Alpha and PerTestBudgetSeconds mirror the tester's Options; zero
	// values select the worker's defaults.
	Alpha                float64 `json:"alpha,omitempty"`
	PerTestBudgetSeconds float64 `json:"per_test_budget_seconds,omitempty"`
}

// TestResultPayload is the wire form of one TestResult.
type TestResultPayload struct {
	ID              string   `json:"id"`
	HypothesisID    string   `json:"hypothesis_id"`
	Method          string   `json:"method"`
	IsSignificant   bool     `json:"is_significant"`
	PValue          float64  `json:"p_value"`
	EffectSize      float64  `json:"effect_size"`
	PointEstimate   float64  `json:"point_estimate"`
	CILower         float64  `json:"ci_lower"`
	CIUpper         float64  `json:"ci_upper"`
	SampleSize      int      `json:"sample_size"`
	EffectDirection string   `json:"effect_direction"`
	Confidence      string   `json:"confidence"`
	Warnings        []string `json:"warnings"`
}

// CausalStructurePayload is the wire form of the filled effect fields.
type CausalStructurePayload struct {
	DirectEffect        float64 `json:"direct_effect"`
	IndirectEffect      float64 `json:"indirect_effect"`
	TotalEffect         float64 `json:"total_effect"`
	TrueCause           string  `json:"true_cause"`
	ProximateCause      string  `json:"proximate_cause"`
	ActionableLever     string  `json:"actionable_lever"`
	StructureConfidence float64 `json:"structure_confidence"`
}

// RunTestsResponse returns the tested hypothesis's verdict and results.
type RunTestsResponse struct {
	HypothesisID string                 `json:"hypothesis_id"`
	Validated    bool                   `json:"validated"`
	TestResults  []TestResultPayload    `json:"test_results"`
	Structure    CausalStructurePayload `json:"structure"`
	Error        string                 `json:"error,omitempty"`
}
