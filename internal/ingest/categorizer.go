package ingest

import (
	"context"
	"strings"

	"github.com/tebstrack-io/tebstrack/internal/models"
)

// Categorizer suggests triage values for a new ticket. Results are
// best effort: an error falls back to the baseline defaults and never
// blocks ingestion.
type Categorizer interface {
	Categorize(ctx context.Context, subject, body, sender string) (category, urgency string, err error)
}

// StaticCategorizer always returns the same pair. The zero value
// returns the baseline defaults.
type StaticCategorizer struct {
	Category string
	Urgency  string
}

func (c StaticCategorizer) Categorize(context.Context, string, string, string) (string, string, error) {
	category, urgency := c.Category, c.Urgency
	if category == "" {
		category = models.DefaultCategory
	}
	if urgency == "" {
		urgency = models.DefaultUrgency
	}
	return category, urgency, nil
}

// KeywordCategorizer picks a category from the first keyword found in
// the subject or body. Urgency escalates on a separate keyword list.
type KeywordCategorizer struct {
	// Categories maps a category name to the keywords that select it.
	// Iterated in the order of CategoryOrder so matches are stable.
	Categories    map[string][]string
	CategoryOrder []string

	// UrgentKeywords escalate urgency to High when present.
	UrgentKeywords []string
}

func (c *KeywordCategorizer) Categorize(_ context.Context, subject, body, _ string) (string, string, error) {
	haystack := strings.ToLower(subject + "\n" + body)

	category := models.DefaultCategory
	for _, name := range c.CategoryOrder {
		if containsAny(haystack, c.Categories[name]) {
			category = name
			break
		}
	}

	urgency := models.DefaultUrgency
	if containsAny(haystack, c.UrgentKeywords) {
		urgency = "High"
	}
	return category, urgency, nil
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if needle != "" && strings.Contains(haystack, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}
