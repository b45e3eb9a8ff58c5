package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"policy-adjudicator/internal/ai"
	"policy-adjudicator/internal/logger"
	"policy-adjudicator/internal/telemetry"
	"policy-adjudicator/models"
)

// DefaultCurrency is reported when no decision could be derived from policy text.
const DefaultCurrency = "INR"

// DecisionService turns a question and retrieved passages into a
// schema-valid Decision using a generative backend.
type DecisionService struct {
	generator       ai.Generator
	schema          *gojsonschema.Schema
	maxContextChars int
	retries         int
}

func NewDecisionService(generator ai.Generator, maxContextChars, retries int) (*DecisionService, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(models.DecisionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile decision schema: %w", err)
	}
	if retries < 0 {
		retries = 0
	}
	return &DecisionService{
		generator:       generator,
		schema:          schema,
		maxContextChars: maxContextChars,
		retries:         retries,
	}, nil
}

// Synthesize asks the backend for a decision. Output that fails schema
// validation gets up to s.retries corrective follow-ups; if none succeeds the
// last SchemaValidationError is returned. Values are never coerced.
func (s *DecisionService) Synthesize(ctx context.Context, question string, passages []models.RetrievedPassage) (*models.Decision, error) {
	ctx, span := otel.Tracer("decision").Start(ctx, "decision.synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("decision.passages", len(passages)))

	if len(passages) == 0 {
		d := NoContextDecision()
		telemetry.Default().RecordDecision(ctx, d.Decision, 0)
		return d, nil
	}

	block := buildContext(passages, s.maxContextChars)
	if block.Included < len(passages) {
		logger.Debug("Dropped low-ranked passages to fit context", "included", block.Included, "retrieved", len(passages))
	}
	span.SetAttributes(attribute.Int("decision.passages_used", block.Included))

	prompt, err := renderDecisionPrompt(question, block.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}

	attempts := 0
	current := prompt
	var lastErr *models.SchemaValidationError
	for attempts <= s.retries {
		attempts++

		raw, err := s.generator.Generate(ctx, current)
		if err != nil {
			return nil, s.wrapGenerateErr(err)
		}

		decision, verr := s.Parse(raw)
		if verr == nil {
			span.SetAttributes(
				attribute.String("decision.outcome", decision.Decision),
				attribute.Int("decision.attempts", attempts),
			)
			telemetry.Default().RecordDecision(ctx, decision.Decision, attempts)
			return decision, nil
		}

		verr.Attempts = attempts
		lastErr = verr
		telemetry.Default().RecordSchemaFailure(ctx, verr.Field)
		logger.Warn("Decision failed schema validation", "attempt", attempts, "field", verr.Field, "reasons", verr.Reasons)

		current, err = renderCorrectionPrompt(prompt, raw, verr.Reasons)
		if err != nil {
			return nil, fmt.Errorf("failed to render correction prompt: %w", err)
		}
	}

	span.RecordError(lastErr)
	return nil, lastErr
}

func (s *DecisionService) wrapGenerateErr(err error) error {
	var gse *models.GenerativeServiceError
	if errors.As(err, &gse) {
		return err
	}
	return &models.GenerativeServiceError{
		Model:   s.generator.Model(),
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// Parse extracts the JSON object from raw model output, validates it against
// the decision schema and decodes it.
func (s *DecisionService) Parse(raw string) (*models.Decision, *models.SchemaValidationError) {
	obj, ok := extractJSONObject(raw)
	if !ok {
		return nil, &models.SchemaValidationError{Reasons: []string{"response does not contain a JSON object"}}
	}

	result, err := s.schema.Validate(gojsonschema.NewStringLoader(obj))
	if err != nil {
		return nil, &models.SchemaValidationError{Reasons: []string{"response is not valid JSON: " + err.Error()}}
	}
	if !result.Valid() {
		verr := &models.SchemaValidationError{}
		for _, re := range result.Errors() {
			field := errorField(re)
			if verr.Field == "" {
				verr.Field = field
			}
			verr.Reasons = append(verr.Reasons, fmt.Sprintf("%s: %s", field, re.Description()))
		}
		return nil, verr
	}

	var d models.Decision
	dec := json.NewDecoder(strings.NewReader(obj))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, &models.SchemaValidationError{Reasons: []string{err.Error()}}
	}
	return &d, nil
}

// errorField names the offending property. Missing and unexpected property
// errors are reported on their parent, so the property name is appended.
func errorField(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == "(root)" {
		field = ""
	}
	if t := re.Type(); t == "required" || t == "additional_property_not_allowed" {
		if p, ok := re.Details()["property"].(string); ok {
			if field == "" {
				return p
			}
			return field + "." + p
		}
	}
	if field == "" {
		return "(root)"
	}
	return field
}

// extractJSONObject strips markdown fences and returns the outermost
// balanced JSON object in s.
func extractJSONObject(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// NoContextDecision is returned when retrieval found nothing to reason over.
func NoContextDecision() *models.Decision {
	return &models.Decision{
		Decision:          models.DecisionMoreInfoNeeded,
		CoverageAmount:    0,
		Currency:          DefaultCurrency,
		ConfidenceScore:   0,
		Summary:           "No relevant policy text was found for this question.",
		DecisionFactors:   []string{"No indexed policy clauses matched the question"},
		SupportingClauses: []models.SupportingClause{},
		Deductions:        models.Deductions{},
		Conditions:        []string{},
		NextSteps: []string{
			"Upload the policy documents that apply to this claim",
			"Include the procedure, age, location and policy duration in the question",
		},
	}
}
