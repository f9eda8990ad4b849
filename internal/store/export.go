package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meridianlabs/paperscout/internal/domain"
)

// exportedPaper is the JSON shape of one paper in an export file.
type exportedPaper struct {
	ExternalID string   `json:"external_id"`
	Title      string   `json:"title"`
	Abstract   string   `json:"abstract,omitempty"`
	Score      *float64 `json:"relevance_score,omitempty"`
}

// exportedAnalysis is the JSON shape of one analysis in an export file.
type exportedAnalysis struct {
	PaperID     string    `json:"paper_id"`
	Findings    string    `json:"findings"`
	Methodology string    `json:"methodology,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	TokensUsed  int       `json:"tokens_used,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// exportedFailure is the JSON shape of one recorded failure.
type exportedFailure struct {
	Kind     string `json:"kind"`
	Target   string `json:"target,omitempty"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

// exportedTopic is the JSON document written per topic.
type exportedTopic struct {
	TopicID     string             `json:"topic_id"`
	Query       string             `json:"query"`
	State       string             `json:"state"`
	Summary     string             `json:"summary,omitempty"`
	NewResearch string             `json:"new_research,omitempty"`
	Papers      []exportedPaper    `json:"papers"`
	Analyses    []exportedAnalysis `json:"analyses"`
	Failures    []exportedFailure  `json:"failures,omitempty"`
	ExportedAt  time.Time          `json:"exported_at"`
}

// ExportJSON writes one JSON file per topic result into a timestamped run
// directory under baseDir and returns the run directory path.
func ExportJSON(baseDir string, results []*domain.TopicResult) (string, error) {
	runDir := filepath.Join(baseDir, "run-"+time.Now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}

	used := make(map[string]int)
	for _, result := range results {
		doc := exportedTopic{
			TopicID:     result.Topic.ID.String(),
			Query:       result.Topic.Query,
			State:       string(result.Topic.State),
			Summary:     result.Summary,
			NewResearch: result.NewResearch,
			Papers:      make([]exportedPaper, 0, len(result.Papers)),
			Analyses:    make([]exportedAnalysis, 0, len(result.Analyses)),
			ExportedAt:  time.Now().UTC(),
		}
		for _, paper := range result.Papers {
			doc.Papers = append(doc.Papers, exportedPaper{
				ExternalID: paper.ExternalID,
				Title:      paper.Title,
				Abstract:   paper.Abstract,
				Score:      paper.Score,
			})
		}
		for _, analysis := range result.Analyses {
			doc.Analyses = append(doc.Analyses, exportedAnalysis{
				PaperID:     analysis.PaperID,
				Findings:    analysis.Findings,
				Methodology: analysis.Methodology,
				Provider:    analysis.Provider,
				TokensUsed:  analysis.TokensUsed,
				GeneratedAt: analysis.GeneratedAt,
			})
		}
		for _, failure := range result.Failures {
			doc.Failures = append(doc.Failures, exportedFailure{
				Kind:     string(failure.Kind),
				Target:   failure.Target,
				Attempts: failure.Attempts,
				Reason:   failure.Reason,
			})
		}

		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshaling topic %s: %w", doc.TopicID, err)
		}

		// Distinct queries can sanitize to the same name; suffix repeats so
		// no topic's file overwrites another's.
		name := sanitizeFilename(result.Topic.Query)
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		path := filepath.Join(runDir, name+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
	}

	return runDir, nil
}

// sanitizeFilename turns a topic query into a safe filename: lowercase,
// non-alphanumerics collapsed to single underscores, length capped.
func sanitizeFilename(query string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(query)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "topic"
	}
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}
