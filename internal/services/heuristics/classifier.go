// Package heuristics is the deterministic pre-filter: it classifies every
// enriched document by type and urgency, flags duplicate bodies and scores
// relevance, all from an embedded YAML rule table. No network, no model calls.
package heuristics

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/explico/internal/models"

	_ "embed"
)

//go:embed rules.yaml
var embeddedRules []byte

// ruleClass is one entry of the rule table. Patterns are matched
// case-insensitively against the document type first, then the title.
type ruleClass struct {
	Name     string   `yaml:"name"`
	Priority string   `yaml:"priority"`
	Patterns []string `yaml:"patterns"`
}

type ruleTable struct {
	Classes []ruleClass `yaml:"classes"`
	Default struct {
		Name     string `yaml:"name"`
		Priority string `yaml:"priority"`
	} `yaml:"default"`
}

// Base scores per priority class. Position and size nudges are added on top so
// the candidate order is stable and ties break toward recent documents.
var priorityScore = map[models.DocPriority]float64{
	models.PriorityAlta:  3.0,
	models.PriorityMedia: 2.0,
	models.PriorityBaixa: 1.0,
}

// Classifier applies the rule table to an enriched dump.
type Classifier struct {
	rules  ruleTable
	logger arbor.ILogger
}

// NewClassifier parses the embedded rule table. The table ships inside the
// binary, so a parse failure is a build defect and surfaces at startup.
func NewClassifier(logger arbor.ILogger) (*Classifier, error) {
	var rules ruleTable
	if err := yaml.Unmarshal(embeddedRules, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse classification rules: %w", err)
	}
	if len(rules.Classes) == 0 {
		return nil, fmt.Errorf("classification rule table is empty")
	}
	if rules.Default.Name == "" {
		rules.Default.Name = "documento"
	}
	if rules.Default.Priority == "" {
		rules.Default.Priority = string(models.PriorityMedia)
	}
	return &Classifier{rules: rules, logger: logger}, nil
}

// Classify builds the heuristic report for an enriched dump: one classified
// entry per document in the original order, duplicates flagged by body hash,
// priority totals precomputed for triage.
func (c *Classifier) Classify(dump *models.EnrichedDump) *models.HeuristicReport {
	report := &models.HeuristicReport{
		NUP:         dump.NUP,
		ProcessType: dump.ProcessType,
		Interested:  dump.Interested,
		CurrentUnit: dump.CurrentUnit,
		Documents:   make([]models.ClassifiedDoc, 0, len(dump.Documents)),
		ByPriority:  map[string]int{},
		GeneratedAt: time.Now().UTC(),
	}

	seen := make(map[string]bool, len(dump.Documents))
	for i, doc := range dump.Documents {
		class, priority := c.classifyOne(doc)

		cd := models.ClassifiedDoc{
			Document: doc,
			Class:    class,
			Priority: priority,
		}

		// Identical non-empty bodies after whitespace trim count as duplicates;
		// the first occurrence keeps its score.
		body := strings.TrimSpace(doc.Text)
		if body != "" {
			sum := sha1.Sum([]byte(body))
			key := hex.EncodeToString(sum[:])
			if seen[key] {
				cd.Duplicate = true
				report.Duplicates++
			} else {
				seen[key] = true
			}
		}

		cd.Score = scoreDocument(cd, i, len(dump.Documents))

		report.Documents = append(report.Documents, cd)
		report.TotalChars += doc.Chars
		report.ByPriority[string(priority)]++
	}
	report.DocumentCount = len(report.Documents)

	c.logger.Debug().
		Str("nup", dump.NUP).
		Int("documents", report.DocumentCount).
		Int("duplicates", report.Duplicates).
		Int("total_chars", report.TotalChars).
		Msg("Heuristic classification complete")

	return report
}

// classifyOne matches the document type against each class in table order,
// then the title. The first match wins; no match falls back to the default.
func (c *Classifier) classifyOne(doc models.Document) (string, models.DocPriority) {
	docType := strings.ToLower(doc.DocType)
	title := strings.ToLower(doc.Title)

	for _, field := range []string{docType, title} {
		if field == "" {
			continue
		}
		for _, class := range c.rules.Classes {
			for _, pattern := range class.Patterns {
				if strings.Contains(field, pattern) {
					return class.Name, models.DocPriority(class.Priority)
				}
			}
		}
	}
	return c.rules.Default.Name, models.DocPriority(c.rules.Default.Priority)
}

// scoreDocument computes the relevance score: the priority base, a recency
// nudge favoring documents late in the tree, and a small bonus for substantial
// bodies. Duplicates and empty bodies score zero so triage skips them.
func scoreDocument(doc models.ClassifiedDoc, idx, total int) float64 {
	if doc.Duplicate || doc.Chars == 0 {
		return 0
	}
	score := priorityScore[doc.Priority]
	if score == 0 {
		score = priorityScore[models.PriorityMedia]
	}
	if total > 1 {
		score += 0.5 * float64(idx) / float64(total-1)
	}
	if doc.Chars >= 2000 {
		score += 0.25
	}
	return score
}

// Candidates returns document indices ordered by descending score, duplicates
// and empty bodies excluded. Ties keep the later document first so recency
// wins inside a priority class.
func Candidates(report *models.HeuristicReport) []int {
	idxs := make([]int, 0, len(report.Documents))
	for i, doc := range report.Documents {
		if doc.Duplicate || doc.Chars == 0 {
			continue
		}
		idxs = append(idxs, i)
	}
	sort.SliceStable(idxs, func(a, b int) bool {
		da, db := report.Documents[idxs[a]], report.Documents[idxs[b]]
		if da.Score != db.Score {
			return da.Score > db.Score
		}
		return idxs[a] > idxs[b]
	})
	return idxs
}
