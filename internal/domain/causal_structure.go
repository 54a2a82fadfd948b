package domain

// DAGEdgeLabel classifies the semantic role of a DAG edge.
type DAGEdgeLabel string

const (
	EdgeConfounderToCause  DAGEdgeLabel = "confounder_to_cause"
	EdgeConfounderToEffect DAGEdgeLabel = "confounder_to_effect"
	EdgeCauseToMediator    DAGEdgeLabel = "cause_to_mediator"
	EdgeMediatorToEffect   DAGEdgeLabel = "mediator_to_effect"
	EdgeCauseToCollider    DAGEdgeLabel = "cause_to_collider"
	EdgeEffectToCollider   DAGEdgeLabel = "effect_to_collider"
)

// DAGNodeRole classifies a node's structural role in the causal graph.
type DAGNodeRole string

const (
	RoleCause      DAGNodeRole = "cause"
	RoleEffect     DAGNodeRole = "effect"
	RoleConfounder DAGNodeRole = "confounder"
	RoleMediator   DAGNodeRole = "mediator"
	RoleCollider   DAGNodeRole = "collider"
)

// DAGNode is one column-backed node in the causal graph.
type DAGNode struct {
	ID     string
	Column string
	Role   DAGNodeRole
}

// DAGEdge references nodes by id, avoiding a pointer graph so the structure
// serializes cleanly for the UI and has no cyclic-ownership problems.
type DAGEdge struct {
	FromID string
	ToID   string
	Label  DAGEdgeLabel
}

// CausalStructure is the post-confounder-analysis summary for one hypothesis.
// It is created (with empty effect fields) by the confounder analyzer and
// filled in by the causal tester.
type CausalStructure struct {
	DirectEffect   float64
	IndirectEffect float64
	TotalEffect    float64

	Mediators   []string
	Confounders []string
	Colliders   []string

	TrueCause       string
	ProximateCause  string
	ActionableLever string

	Nodes []DAGNode
	Edges []DAGEdge

	StructureConfidence float64
}

// HasMediationInsight reports whether the indirect path through a mediator
// dominates the direct effect — the trigger for the explanation generator's
// closing mediation-insight step.
func (cs *CausalStructure) HasMediationInsight() bool {
	return len(cs.Mediators) > 0 && cs.IndirectEffect > cs.DirectEffect
}
