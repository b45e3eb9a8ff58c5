package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-adjudicator/models"
)

// scriptedGenerator replays canned responses in order and records prompts.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i >= len(g.responses) {
		return "", errors.New("no scripted response")
	}
	return g.responses[i], nil
}

func (g *scriptedGenerator) Model() string { return "scripted" }

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func validDecisionJSON(t *testing.T, mutate func(map[string]any)) string {
	t.Helper()
	m := map[string]any{
		"decision":         "APPROVED",
		"coverage_amount":  150000,
		"currency":         "INR",
		"confidence_score": 0.89,
		"summary":          "Knee surgery is covered after the waiting period.",
		"decision_factors": []string{"Policy is older than 90 days"},
		"supporting_clauses": []map[string]string{{
			"clause_reference": "Section 4.2.1",
			"clause_text":      "Orthopedic surgeries are covered after 90 days",
			"relevance":        "Covers the requested procedure",
		}},
		"deductions": map[string]any{"deductible": 5000, "copay_percentage": 10, "final_payout": 145000},
		"conditions": []string{"Network hospital only"},
		"next_steps": []string{"Obtain pre-authorization"},
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func newDecisionService(t *testing.T, gen *scriptedGenerator, retries int) *DecisionService {
	t.Helper()
	svc, err := NewDecisionService(gen, 4000, retries)
	require.NoError(t, err)
	return svc
}

var kneePassages = []models.RetrievedPassage{
	{
		Text:     "Orthopedic surgeries including knee replacement are covered after 90 days.",
		Metadata: models.PassageMetadata{ChunkID: "policy-3", Source: "policy.pdf", SourceID: "policy", PageNumber: 4, Score: 0.91},
	},
	{
		Text:     "Claims are settled in INR.",
		Metadata: models.PassageMetadata{ChunkID: "policy-7", Source: "policy.pdf", SourceID: "policy", PageNumber: 9, Score: 0.52},
	},
}

func TestSynthesizeScenarioBNoContext(t *testing.T) {
	gen := &scriptedGenerator{}
	svc := newDecisionService(t, gen, 1)

	d, err := svc.Synthesize(context.Background(), "Is knee surgery covered?", nil)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionMoreInfoNeeded, d.Decision)
	assert.Zero(t, d.CoverageAmount)
	assert.Zero(t, d.ConfidenceScore)
	assert.NotEmpty(t, d.Summary)
	assert.NotEmpty(t, d.NextSteps)
	assert.Zero(t, gen.calls(), "the generative backend must not be called without context")

	// The fallback itself must satisfy the schema.
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	_, verr := svc.Parse(string(raw))
	assert.Nil(t, verr)
}

func TestSynthesizeValidResponse(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"```json\n" + validDecisionJSON(t, nil) + "\n```"}}
	svc := newDecisionService(t, gen, 1)

	d, err := svc.Synthesize(context.Background(), "46M, knee surgery, Pune, 3-month policy", kneePassages)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, d.Decision)
	assert.Equal(t, 150000.0, d.CoverageAmount)
	assert.Equal(t, 0.89, d.ConfidenceScore)
	require.Len(t, d.SupportingClauses, 1)
	assert.Equal(t, "Section 4.2.1", d.SupportingClauses[0].ClauseReference)
	assert.Equal(t, 145000.0, d.Deductions.FinalPayout)
	assert.Equal(t, 1, gen.calls())

	prompt := gen.prompts[0]
	assert.Contains(t, prompt, "46M, knee surgery, Pune, 3-month policy")
	assert.Contains(t, prompt, "[1] Source: policy.pdf, page 4")
	assert.Contains(t, prompt, "Waiting periods")
	assert.Contains(t, prompt, "confidence_score")
}

func TestSynthesizeScenarioCMissingConfidenceNoRetry(t *testing.T) {
	bad := validDecisionJSON(t, func(m map[string]any) { delete(m, "confidence_score") })
	gen := &scriptedGenerator{responses: []string{bad}}
	svc := newDecisionService(t, gen, 0)

	d, err := svc.Synthesize(context.Background(), "Is knee surgery covered?", kneePassages)
	assert.Nil(t, d)
	var verr *models.SchemaValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "confidence_score", verr.Field)
	assert.Equal(t, 1, verr.Attempts)
	assert.False(t, models.IsRetryable(err))
	assert.Equal(t, 1, gen.calls())
}

func TestSynthesizeScenarioCCorrectiveRetry(t *testing.T) {
	bad := validDecisionJSON(t, func(m map[string]any) { delete(m, "confidence_score") })
	gen := &scriptedGenerator{responses: []string{bad, validDecisionJSON(t, nil)}}
	svc := newDecisionService(t, gen, 1)

	d, err := svc.Synthesize(context.Background(), "Is knee surgery covered?", kneePassages)
	require.NoError(t, err)
	assert.Equal(t, 0.89, d.ConfidenceScore)
	require.Equal(t, 2, gen.calls())

	correction := gen.prompts[1]
	assert.Contains(t, correction, "confidence_score")
	assert.Contains(t, correction, bad)
}

func TestSynthesizeGivesUpAfterRetries(t *testing.T) {
	bad := validDecisionJSON(t, func(m map[string]any) { delete(m, "confidence_score") })
	gen := &scriptedGenerator{responses: []string{bad, bad, bad}}
	svc := newDecisionService(t, gen, 1)

	_, err := svc.Synthesize(context.Background(), "Is knee surgery covered?", kneePassages)
	var verr *models.SchemaValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 2, verr.Attempts)
	assert.Equal(t, 2, gen.calls())
}

func TestSynthesizeRejectsOutOfRangeValues(t *testing.T) {
	cases := map[string]struct {
		mutate func(map[string]any)
		field  string
	}{
		"confidence above one": {func(m map[string]any) { m["confidence_score"] = 1.5 }, "confidence_score"},
		"negative coverage":    {func(m map[string]any) { m["coverage_amount"] = -10 }, "coverage_amount"},
		"unknown decision":     {func(m map[string]any) { m["decision"] = "MAYBE" }, "decision"},
		"string confidence":    {func(m map[string]any) { m["confidence_score"] = "high" }, "confidence_score"},
		"extra field":          {func(m map[string]any) { m["notes"] = "x" }, "notes"},
		"clause missing text": {func(m map[string]any) {
			m["supporting_clauses"] = []map[string]string{{"clause_reference": "4.2", "relevance": "r"}}
		}, "supporting_clauses.0.clause_text"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gen := &scriptedGenerator{responses: []string{validDecisionJSON(t, tc.mutate)}}
			svc := newDecisionService(t, gen, 0)

			d, err := svc.Synthesize(context.Background(), "q", kneePassages)
			assert.Nil(t, d, "invalid values are never coerced")
			var verr *models.SchemaValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestSynthesizeNonJSONResponse(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"I think it is covered."}}
	svc := newDecisionService(t, gen, 0)

	_, err := svc.Synthesize(context.Background(), "q", kneePassages)
	var verr *models.SchemaValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "JSON object")
}

func TestSynthesizeWrapsGeneratorErrors(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{errors.New("503 backend overloaded")}}
	svc := newDecisionService(t, gen, 2)

	_, err := svc.Synthesize(context.Background(), "q", kneePassages)
	var gse *models.GenerativeServiceError
	require.True(t, errors.As(err, &gse))
	assert.Equal(t, "scripted", gse.Model)
	assert.True(t, models.IsRetryable(err))
	assert.Equal(t, 1, gen.calls(), "service errors are not retried with a correction prompt")
}

func TestSynthesizeTruncatesContext(t *testing.T) {
	long := strings.Repeat("waiting period clause ", 50)
	passages := []models.RetrievedPassage{
		{Text: "top ranked clause", Metadata: models.PassageMetadata{Source: "a.pdf", PageNumber: 1}},
		{Text: long, Metadata: models.PassageMetadata{Source: "b.pdf", PageNumber: 2}},
	}
	gen := &scriptedGenerator{responses: []string{validDecisionJSON(t, nil)}}
	svc, err := NewDecisionService(gen, 200, 0)
	require.NoError(t, err)

	_, err = svc.Synthesize(context.Background(), "q", passages)
	require.NoError(t, err)
	assert.Contains(t, gen.prompts[0], "top ranked clause")
	assert.NotContains(t, gen.prompts[0], "b.pdf", "lower-ranked passages are dropped first")
}

func TestBuildContext(t *testing.T) {
	passages := []models.RetrievedPassage{
		{Text: "alpha", Metadata: models.PassageMetadata{Source: "a.pdf", PageNumber: 1}},
		{Text: "beta", Metadata: models.PassageMetadata{Source: "b.pdf", PageNumber: 2}},
		{Text: "gamma", Metadata: models.PassageMetadata{Source: "c.pdf", PageNumber: 3}},
	}

	all := buildContext(passages, 0)
	assert.Equal(t, 3, all.Included)
	assert.Equal(t, "[1] Source: a.pdf, page 1\nalpha\n\n[2] Source: b.pdf, page 2\nbeta\n\n[3] Source: c.pdf, page 3\ngamma", all.Text)

	first := len("[1] Source: a.pdf, page 1\nalpha")
	two := buildContext(passages, first+2+len("[2] Source: b.pdf, page 2\nbeta"))
	assert.Equal(t, 2, two.Included)
	assert.NotContains(t, two.Text, "gamma")

	oversized := buildContext(passages, 10)
	assert.Equal(t, 1, oversized.Included)
	assert.Equal(t, "[1] Source", oversized.Text)
}

func TestExtractJSONObject(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
		ok   bool
	}{
		"plain":           {`{"a":1}`, `{"a":1}`, true},
		"fenced":          {"```json\n{\"a\":1}\n```", `{"a":1}`, true},
		"prose around":    {`Here you go: {"a":{"b":2}} thanks`, `{"a":{"b":2}}`, true},
		"brace in string": {`{"s":"a } b"}`, `{"s":"a } b"}`, true},
		"escaped quote":   {`{"s":"say \"}\""}`, `{"s":"say \"}\""}`, true},
		"none":            {"no json", "", false},
		"unterminated":    {`{"a":1`, "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := extractJSONObject(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
