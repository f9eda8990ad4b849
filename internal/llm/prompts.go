package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxFullTextChars bounds the paper text embedded into an analysis prompt so
// the request stays within model context limits.
const maxFullTextChars = 24000

// floatRegex extracts the first decimal number from free-form model output.
var floatRegex = regexp.MustCompile(`\d+(?:\.\d+)?`)

// BuildRelevancePrompt asks the model to rate how relevant a paper is to a
// research topic as a single number in [0,1].
func BuildRelevancePrompt(topic, title, abstract string) string {
	var b strings.Builder
	b.WriteString("You assess the relevance of academic papers to a research topic.\n\n")
	fmt.Fprintf(&b, "Research topic: %s\n\n", topic)
	fmt.Fprintf(&b, "Paper title: %s\n\nAbstract:\n%s\n\n", title, abstract)
	b.WriteString("Respond with a single number between 0 and 1 indicating relevance, ")
	b.WriteString("where 0 means unrelated and 1 means directly on-topic. ")
	b.WriteString("Output only the number.")
	return b.String()
}

// BuildAnalysisPrompt asks the model to extract findings and methodology
// from a paper's full text as a JSON object.
func BuildAnalysisPrompt(topic, title, fullText string) string {
	if len(fullText) > maxFullTextChars {
		fullText = fullText[:maxFullTextChars]
	}

	var b strings.Builder
	b.WriteString("You analyze academic papers for a literature review.\n\n")
	fmt.Fprintf(&b, "Research topic: %s\n\n", topic)
	fmt.Fprintf(&b, "Paper title: %s\n\nPaper text:\n%s\n\n", title, fullText)
	b.WriteString(`Respond with a JSON object of the form {"findings": "...", "methodology": "..."} `)
	b.WriteString("summarizing the paper's key findings and its methodology. Output only the JSON.")
	return b.String()
}

// BuildSummaryPrompt asks the model to condense per-paper analyses into one
// topic-level summary.
func BuildSummaryPrompt(topic string, findings []string) string {
	var b strings.Builder
	b.WriteString("You synthesize paper analyses into a literature review summary.\n\n")
	fmt.Fprintf(&b, "Research topic: %s\n\n", topic)
	for i, f := range findings {
		fmt.Fprintf(&b, "Paper analysis %d:\n%s\n\n", i+1, f)
	}
	b.WriteString("Write a concise summary of the state of research on this topic ")
	b.WriteString("based on the analyses above.")
	return b.String()
}

// BuildNewResearchPrompt asks the model to propose a follow-up research
// direction based on the topic summary.
func BuildNewResearchPrompt(topic, summary string) string {
	var b strings.Builder
	b.WriteString("You propose new research directions based on a literature review.\n\n")
	fmt.Fprintf(&b, "Research topic: %s\n\n", topic)
	fmt.Fprintf(&b, "Literature summary:\n%s\n\n", summary)
	b.WriteString("Suggest one promising direction for new research that builds on ")
	b.WriteString("the findings above and addresses a gap they leave open.")
	return b.String()
}

// analysisPayload is the JSON shape requested by BuildAnalysisPrompt.
type analysisPayload struct {
	Findings    string `json:"findings"`
	Methodology string `json:"methodology"`
}

// ParseAnalysis parses the model's analysis response. Models sometimes wrap
// JSON in a fenced code block; the fence is stripped before parsing.
func ParseAnalysis(text string) (findings, methodology string, err error) {
	cleaned := stripCodeFence(text)

	var payload analysisPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return "", "", fmt.Errorf("failed to parse analysis response as JSON: %w", err)
	}
	if payload.Findings == "" {
		return "", "", fmt.Errorf("analysis response contains no findings")
	}
	return payload.Findings, payload.Methodology, nil
}

// ParseRelevanceScore parses the model's relevance response as a float in
// [0,1]. The score is opaque to the orchestration logic; only the configured
// threshold gives it meaning.
func ParseRelevanceScore(text string) (float64, error) {
	trimmed := strings.TrimSpace(stripCodeFence(text))

	score, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		// Fall back to the first number in the output.
		m := floatRegex.FindString(trimmed)
		if m == "" {
			return 0, fmt.Errorf("relevance response contains no number: %q", text)
		}
		score, err = strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse relevance score %q: %w", m, err)
		}
	}

	if score < 0 || score > 1 {
		return 0, fmt.Errorf("relevance score %v outside [0,1]", score)
	}
	return score, nil
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
