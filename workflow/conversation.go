// Package workflow assembles the production graphs, conversational chat and
// federated search, from nodes that call the model manager, cache, and
// outbound workers.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kettleworks/maestro/cache"
	"github.com/kettleworks/maestro/graph"
)

// historyKeep is how many recent turns ride along to the model verbatim;
// older turns are folded into a summary.
const historyKeep = 10

// conversationLog is the stored form of a session's history.
type conversationLog struct {
	Summary  string          `json:"summary,omitempty"`
	Messages []graph.Message `json:"messages"`
}

// loadConversation reads a session's history from the conversation
// namespace. A missing or unreadable log is an empty one.
func loadConversation(ctx context.Context, c *cache.Cache, sessionID string) conversationLog {
	raw, ok := c.Get(ctx, cache.NSConversation, sessionID)
	if !ok {
		return conversationLog{}
	}
	var log conversationLog
	if err := json.Unmarshal(raw, &log); err != nil {
		return conversationLog{}
	}
	return log
}

// appendConversation adds the exchange to the session log and persists it.
func appendConversation(ctx context.Context, c *cache.Cache, sessionID string, log conversationLog, query, response string, now time.Time) {
	log.Messages = append(log.Messages,
		graph.Message{Role: "user", Content: query, TS: now},
		graph.Message{Role: "assistant", Content: response, TS: now},
	)
	raw, err := json.Marshal(log)
	if err != nil {
		return
	}
	c.Set(ctx, cache.NSConversation, sessionID, raw)
}
