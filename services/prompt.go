package services

import (
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"policy-adjudicator/models"
)

var decisionPrompt = template.Must(template.New("decision").Parse(`You are an expert insurance policy analyst making coverage decisions from policy documents and customer queries.

Context:
{{.Context}}

Question:
{{.Question}}

Analyze the policy text and decide on coverage, approval or claim processing.

Decision criteria to consider:
- Coverage scope: is the procedure or service covered under the policy?
- Waiting periods: has sufficient time passed since policy inception?
- Age restrictions: are there age-related limitations?
- Geographic coverage: is the location covered?
- Pre-existing conditions: are there exclusions related to medical history?
- Policy limits: annual, lifetime or per-incident limits.
- Deductibles: applicable deductibles or co-payments.
- Network restrictions: in-network versus out-of-network providers.

Instructions:
- Use only the context above. If it does not answer the question, decide MORE_INFO_NEEDED.
- Cross-reference the query details with the policy terms.
- Make a clear decision: APPROVED, REJECTED or MORE_INFO_NEEDED.
- Calculate the coverage amount if approved, after deductibles, co-pays and limits. Use 0 otherwise.
- Justify the decision with specific clause references.
- Assign a confidence_score between 0.0 and 1.0 based on how clear the policy terms are.
- List the key factors that influenced the decision.

Respond with a single JSON object and nothing else. Every field is required:
{
  "decision": "APPROVED|REJECTED|MORE_INFO_NEEDED",
  "coverage_amount": 150000,
  "currency": "INR",
  "confidence_score": 0.89,
  "summary": "Brief explanation of the decision",
  "decision_factors": ["Patient age 46 falls within coverage range (18-65)"],
  "supporting_clauses": [
    {
      "clause_reference": "Section 4.2.1",
      "clause_text": "Orthopedic surgeries including knee replacement are covered after 90 days waiting period",
      "relevance": "Directly covers the requested procedure"
    }
  ],
  "deductions": {"deductible": 5000, "copay_percentage": 10, "final_payout": 145000},
  "conditions": ["Treatment must be at network hospital"],
  "next_steps": ["Obtain pre-authorization from network hospital"]
}
`))

var correctionPrompt = template.Must(template.New("correction").Parse(`{{.Original}}
Your previous response was rejected because it does not match the required JSON structure:
{{range .Reasons}}- {{.}}
{{end}}
Previous response:
{{.Previous}}

Return the corrected JSON object only. Do not invent values that are not supported by the context; use MORE_INFO_NEEDED instead.
`))

// contextBlock is the rendered context and how many passages it includes.
type contextBlock struct {
	Text     string
	Included int
}

const passageSeparator = "\n\n"

// buildContext renders passages in rank order until maxChars runes are used.
// Lower-ranked passages are dropped first; a top passage that alone exceeds
// the budget is truncated.
func buildContext(passages []models.RetrievedPassage, maxChars int) contextBlock {
	var sb strings.Builder
	used := 0
	included := 0

	for i, p := range passages {
		block := fmt.Sprintf("[%d] Source: %s, page %d\n%s", i+1, p.Metadata.Source, p.Metadata.PageNumber, p.Text)
		size := utf8.RuneCountInString(block)
		if included > 0 {
			size += len(passageSeparator)
		}

		if maxChars > 0 && used+size > maxChars {
			if included == 0 {
				sb.WriteString(truncateRunes(block, maxChars))
				included = 1
			}
			break
		}

		if included > 0 {
			sb.WriteString(passageSeparator)
		}
		sb.WriteString(block)
		used += size
		included++
	}
	return contextBlock{Text: sb.String(), Included: included}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func renderDecisionPrompt(question, context string) (string, error) {
	var sb strings.Builder
	err := decisionPrompt.Execute(&sb, struct{ Question, Context string }{question, context})
	return sb.String(), err
}

func renderCorrectionPrompt(original, previous string, reasons []string) (string, error) {
	var sb strings.Builder
	err := correctionPrompt.Execute(&sb, struct {
		Original, Previous string
		Reasons            []string
	}{original, previous, reasons})
	return sb.String(), err
}
