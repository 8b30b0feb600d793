package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kettleworks/maestro/graph"
	"github.com/kettleworks/maestro/manager"
	"github.com/kettleworks/maestro/worker"
)

// NewChatGraph builds the conversational workflow:
//
//	context_loader -> intent_classifier -> response_generator
//	    -> (policy ok)       cache_writer [terminal]
//	    -> (policy rejected) error_handler [terminal]
func NewChatGraph(deps Deps) *graph.Graph {
	n := &chatNodes{deps: deps}
	g := graph.New(ChatGraphName).
		Add("context_loader", graph.NodeFunc(n.loadContext)).
		Add("intent_classifier", graph.NodeFunc(n.classifyIntent),
			graph.WithRetry(graph.DefaultRetryPolicy())).
		Add("response_generator", graph.NodeFunc(n.generateResponse)).
		Add("cache_writer", graph.NodeFunc(n.writeCaches)).
		Add("error_handler", graph.NodeFunc(n.handleError), graph.WithErrorsHandled()).
		StartAt("context_loader").
		Connect("context_loader", "intent_classifier").
		Connect("intent_classifier", "response_generator").
		ConnectCond("response_generator", n.policyRoute,
			[]string{"ok", "rejected"},
			map[string]string{"ok": "cache_writer", "rejected": "error_handler"}).
		Terminal("cache_writer").
		Terminal("error_handler").
		ErrorHandler("error_handler")
	return g
}

type chatNodes struct {
	deps Deps
}

// loadContext pulls the session history and folds turns beyond the keep
// window into a summary so prompt size stays bounded regardless of session
// age.
func (n *chatNodes) loadContext(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	log := loadConversation(ctx, n.deps.Cache, s.SessionID)

	summary := log.Summary
	recent := log.Messages
	var warnings []string
	if len(recent) > historyKeep {
		older := recent[:len(recent)-historyKeep]
		recent = recent[len(recent)-historyKeep:]
		folded, err := n.summarize(ctx, s, summary, older)
		if err != nil {
			// Truncation still bounds the prompt; the summary just goes
			// stale.
			warnings = append(warnings, "history summarization failed: "+err.Error())
		} else {
			summary = folded
		}
	}

	// The trimmed log is what cache_writer persists, so the stored history
	// stays bounded: old turns live on only inside the summary.
	log.Summary = summary
	log.Messages = recent

	return graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"summary": summary,
			"history": recent,
			"log":     log,
		},
		Warnings: warnings,
	}
}

func (n *chatNodes) summarize(ctx context.Context, s *graph.ExecutionState, prior string, turns []graph.Message) (string, error) {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Prior summary:\n" + prior + "\n\n")
	}
	b.WriteString("Turns to fold in:\n")
	for _, m := range turns {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	res, _, err := n.deps.Manager.Generate(ctx, manager.TaskSummarize, graph.QualityMinimal,
		manager.Constraints{Deadline: s.Deadline},
		worker.GenerateRequest{
			System:    "Condense this conversation into a short factual summary. Keep names, decisions, and open questions.",
			Messages:  []worker.ChatMessage{{Role: "user", Content: b.String()}},
			MaxTokens: 256,
		})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}

// classifyIntent asks a cheap model for one label out of the closed set,
// with a keyword fallback when the model fails or freelances.
func (n *chatNodes) classifyIntent(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	complexity := complexityScore(s.OriginalQuery)

	prompt := fmt.Sprintf(
		"Classify the user query into exactly one of: %s.\nAnswer with the label only.\n\nQuery: %s",
		strings.Join(intentLabels, ", "), s.OriginalQuery)

	intent := ""
	confidence := 0.95
	var cost float64
	var workerID string
	res, workerID, err := n.deps.Manager.Generate(ctx, manager.TaskIntent, graph.QualityMinimal,
		manager.Constraints{Deadline: s.Deadline},
		worker.GenerateRequest{
			Messages:  []worker.ChatMessage{{Role: "user", Content: prompt}},
			MaxTokens: 8,
		})
	if err == nil {
		intent = strings.ToLower(strings.TrimSpace(res.Text))
		cost = res.CostUSD
	}
	if !validIntent(intent) {
		intent = classifyByKeywords(s.OriginalQuery)
		confidence = 0.5
	}

	return graph.NodeResult{
		Success:    true,
		Confidence: confidence,
		Cost:       cost,
		WorkerUsed: workerID,
		Data: map[string]any{
			"intent":     intent,
			"complexity": complexity,
		},
	}
}

// generateResponse produces the answer on a worker chosen for the intent's
// task, streaming deltas to the request sink when one is attached.
func (n *chatNodes) generateResponse(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	loaded := s.GetMap("context_loader")
	classified := s.GetMap("intent_classifier")

	intent, _ := classified["intent"].(string)
	complexity, _ := classified["complexity"].(float64)

	tier := s.Quality
	if tier == graph.QualityBalanced && complexity >= 0.7 {
		tier = graph.QualityHigh
	}

	messages := buildChatMessages(loaded, s.OriginalQuery)

	var stream func(string)
	if s.Sink != nil && !s.Shadow {
		sink := s.Sink
		stream = func(delta string) {
			_ = sink.Push(graph.Frame{DeltaText: delta})
		}
	}

	started := time.Now()
	res, workerID, err := n.deps.Manager.Generate(ctx, intentTask(intent), tier,
		manager.Constraints{MaxCostPerCall: remainingBudgetCap(s), Deadline: s.Deadline},
		worker.GenerateRequest{
			System:   chatSystemPrompt,
			Messages: messages,
			Stream:   stream,
		})
	if err != nil {
		if ge, ok := err.(*graph.Error); ok {
			return graph.Fail(ge)
		}
		return graph.Fail(graph.Wrap(graph.KindUnknown, err, "generation failed"))
	}

	policy := "ok"
	if violatesContentPolicy(res.Text) {
		policy = "rejected"
	}

	return graph.NodeResult{
		Success:    true,
		Confidence: 0.9,
		Cost:       res.CostUSD,
		Duration:   time.Since(started),
		WorkerUsed: workerID,
		Data: map[string]any{
			"response":   res.Text,
			"policy":     policy,
			"ttft_ms":    res.TTFT.Milliseconds(),
			"tokens_in":  res.TokensIn,
			"tokens_out": res.TokensOut,
		},
	}
}

const chatSystemPrompt = "You are a helpful assistant. Answer directly and concisely. " +
	"Use the conversation summary and history for context."

func buildChatMessages(loaded map[string]any, query string) []worker.ChatMessage {
	var messages []worker.ChatMessage
	if summary, _ := loaded["summary"].(string); summary != "" {
		messages = append(messages, worker.ChatMessage{
			Role: "system", Content: "Conversation so far: " + summary,
		})
	}
	if history, ok := loaded["history"].([]graph.Message); ok {
		for _, m := range history {
			messages = append(messages, worker.ChatMessage{Role: m.Role, Content: m.Content})
		}
	}
	return append(messages, worker.ChatMessage{Role: "user", Content: query})
}

// remainingBudgetCap converts the request's remaining budget into a
// per-call cost cap. Zero disables the cap when no budget rides the state.
func remainingBudgetCap(s *graph.ExecutionState) float64 {
	if s.BudgetStart <= 0 {
		return 0
	}
	if s.BudgetRemaining <= 0 {
		return 0.0001
	}
	return s.BudgetRemaining
}

func (n *chatNodes) policyRoute(s *graph.ExecutionState) string {
	if policy, _ := s.GetMap("response_generator")["policy"].(string); policy == "rejected" {
		return "rejected"
	}
	return "ok"
}

// writeCaches publishes the answer and appends the exchange to the session
// log. Shadow executions skip every user-visible write.
func (n *chatNodes) writeCaches(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	response, _ := s.GetMap("response_generator")["response"].(string)

	if !s.Shadow {
		log, _ := s.GetMap("context_loader")["log"].(conversationLog)
		appendConversation(ctx, n.deps.Cache, s.SessionID, log, s.OriginalQuery, response, time.Now())
	}

	intent, _ := s.GetMap("intent_classifier")["intent"].(string)
	return graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"final_response": response,
			"response_meta": map[string]any{
				"intent":   intent,
				"workflow": ChatGraphName,
			},
		},
	}
}

// handleError produces a graceful degraded answer instead of surfacing raw
// failure to the user.
func (n *chatNodes) handleError(ctx context.Context, s *graph.ExecutionState) graph.NodeResult {
	kind := graph.KindUnknown
	if policy, _ := s.GetMap("response_generator")["policy"].(string); policy == "rejected" {
		kind = graph.KindContentPolicy
	} else if len(s.Errors) > 0 {
		kind = s.Errors[len(s.Errors)-1].Kind
	}

	var response string
	switch kind {
	case graph.KindBudgetExceeded:
		response = "This request would exceed the current usage budget. Try a simpler question or a lower quality tier."
	case graph.KindContentPolicy:
		response = "The generated answer was withheld by the content policy. Please rephrase the request."
	case graph.KindDeadlineExceeded, graph.KindWorkerTimeout:
		response = "The request took too long to process. Please try again."
	case graph.KindNoEligibleWorker, graph.KindResidentSetBusy:
		response = "No suitable model is available right now. Please retry shortly."
	default:
		response = "Something went wrong while processing the request. Please try again."
	}

	return graph.NodeResult{
		Success: true,
		Data: map[string]any{
			"final_response": response,
			"response_meta": map[string]any{
				"degraded":   true,
				"error_kind": string(kind),
				"workflow":   ChatGraphName,
			},
		},
	}
}
