package models

// Decision outcomes
const (
	DecisionApproved       = "APPROVED"
	DecisionRejected       = "REJECTED"
	DecisionMoreInfoNeeded = "MORE_INFO_NEEDED"
)

// SupportingClause cites the policy text a decision relies on.
type SupportingClause struct {
	ClauseReference string `json:"clause_reference"`
	ClauseText      string `json:"clause_text"`
	Relevance       string `json:"relevance"`
}

// Deductions breaks down how the payout was derived.
type Deductions struct {
	Deductible      float64 `json:"deductible"`
	CopayPercentage float64 `json:"copay_percentage"`
	FinalPayout     float64 `json:"final_payout"`
}

// Decision is the structured adjudication result returned for a coverage query.
// The field set is the public API contract; it must pass schema validation
// before it reaches a caller.
type Decision struct {
	Decision          string             `json:"decision"`
	CoverageAmount    float64            `json:"coverage_amount"`
	Currency          string             `json:"currency"`
	ConfidenceScore   float64            `json:"confidence_score"`
	Summary           string             `json:"summary"`
	DecisionFactors   []string           `json:"decision_factors"`
	SupportingClauses []SupportingClause `json:"supporting_clauses"`
	Deductions        Deductions         `json:"deductions"`
	Conditions        []string           `json:"conditions"`
	NextSteps         []string           `json:"next_steps"`
}

// AskRequest is the body accepted by the question endpoint.
type AskRequest struct {
	Question string `json:"question" form:"question" binding:"required"`
	TopK     int    `json:"top_k" form:"top_k"`

	// IncludeSources wraps the decision in an AskResponse with passage metadata.
	IncludeSources bool `json:"include_sources" form:"include_sources"`
}

// AskResponse pairs a decision with the passages it was derived from.
type AskResponse struct {
	Decision *Decision         `json:"decision"`
	Sources  []PassageMetadata `json:"sources"`
}
