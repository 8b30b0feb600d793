package workflow

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/kettleworks/maestro/cache"
	"github.com/kettleworks/maestro/manager"
	"github.com/kettleworks/maestro/worker"
)

// Graph names as registered on the engine.
const (
	ChatGraphName   = "chat"
	SearchGraphName = "search"
)

// Deps carries everything the workflow nodes call out to.
type Deps struct {
	Manager *manager.Manager
	Cache   *cache.Cache

	// Search lists providers in fallback order.
	Search  []worker.SearchProvider
	Scraper worker.Scraper

	Log zerolog.Logger
}

// Intent labels form a closed set; the classifier must answer with one of
// these or be corrected by the keyword fallback.
const (
	IntentQuestion     = "question"
	IntentCode         = "code"
	IntentSummarize    = "summarize"
	IntentConversation = "conversation"
)

var intentLabels = []string{IntentQuestion, IntentCode, IntentSummarize, IntentConversation}

// intentTask maps a classified intent to the generation task used to answer
// it.
func intentTask(intent string) manager.TaskType {
	switch intent {
	case IntentCode:
		return manager.TaskCode
	case IntentSummarize:
		return manager.TaskSummarize
	default:
		return manager.TaskChat
	}
}

// classifyByKeywords is the deterministic fallback when the model classifier
// fails or answers outside the label set.
func classifyByKeywords(query string) string {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "code") || strings.Contains(q, "function") ||
		strings.Contains(q, "implement") || strings.Contains(q, "bug"):
		return IntentCode
	case strings.Contains(q, "summarize") || strings.Contains(q, "summary") ||
		strings.Contains(q, "tl;dr"):
		return IntentSummarize
	case strings.Contains(q, "?") || strings.HasPrefix(q, "what") ||
		strings.HasPrefix(q, "how") || strings.HasPrefix(q, "why") ||
		strings.HasPrefix(q, "when") || strings.HasPrefix(q, "who"):
		return IntentQuestion
	default:
		return IntentConversation
	}
}

// validIntent reports whether the label is in the closed set.
func validIntent(label string) bool {
	for _, l := range intentLabels {
		if l == label {
			return true
		}
	}
	return false
}

// complexityScore estimates query complexity in [0, 1] from length and
// structural cues. It steers premium-tier escalation and whether search
// results get enhanced.
func complexityScore(query string) float64 {
	words := len(strings.Fields(query))
	score := float64(words) / 50
	if strings.Contains(query, "compare") || strings.Contains(query, "explain") ||
		strings.Contains(query, "analyze") {
		score += 0.2
	}
	if strings.Count(query, "?") > 1 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// violatesContentPolicy screens generated output. The screen is a cheap
// lexical pass; providers run their own server-side filters upstream.
func violatesContentPolicy(text string) bool {
	lowered := strings.ToLower(text)
	for _, marker := range []string{
		"i cannot assist with that",
		"[blocked]",
	} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
