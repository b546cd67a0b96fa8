// Package agent answers questions about indexed code. Each session is a
// checkpointed conversation thread: history is restored from the saver,
// the question runs through a small message graph, and the updated
// history is persisted as a new checkpoint.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	lg "github.com/tmc/langgraphgo/graph"

	"github.com/codeatlas-dev/codeatlas/internal/checkpoint"
	"github.com/codeatlas-dev/codeatlas/internal/common"
	codegraph "github.com/codeatlas-dev/codeatlas/internal/graph"
	"github.com/codeatlas-dev/codeatlas/internal/llm"
	"github.com/codeatlas-dev/codeatlas/internal/vector"
)

const (
	messagesChannel = "messages"
	historyLimit    = 20
	snippetLimit    = 5
)

type Runner struct {
	provider llm.Provider
	graph    *codegraph.Store
	vectors  vector.Store
	saver    checkpoint.Saver
}

func NewRunner(provider llm.Provider, graphStore *codegraph.Store, vectors vector.Store, saver checkpoint.Saver) *Runner {
	return &Runner{provider: provider, graph: graphStore, vectors: vectors, saver: saver}
}

// Answer is the result of one Ask turn.
type Answer struct {
	SessionID string `json:"session_id"`
	Text      string `json:"answer"`
}

// Ask restores the session history, runs the retrieve/answer graph and
// checkpoints the extended history. The project becomes the checkpoint
// namespace so sessions from different projects never mix.
func (r *Runner) Ask(ctx context.Context, project, sessionID, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("empty question")
	}
	if strings.TrimSpace(sessionID) == "" {
		sessionID = checkpoint.NewCheckpointID()
	}
	logger := common.Logger()

	history, parent, currentVersion, err := r.loadHistory(ctx, project, sessionID)
	if err != nil {
		return Answer{}, err
	}

	state := historyToState(history)
	state = append(state, llms.TextParts(llms.ChatMessageTypeHuman, question))

	runnable, err := r.buildGraph(project)
	if err != nil {
		return Answer{}, err
	}
	result, err := runnable.Invoke(ctx, state)
	if err != nil {
		logger.Error("agent: graph invocation failed", "session", sessionID, "error", err)
		return Answer{}, err
	}
	reply := lastAIText(result)

	history = append(history,
		llm.Message{Role: "user", Content: question},
		llm.Message{Role: "assistant", Content: reply},
	)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	if err := r.saveHistory(ctx, project, sessionID, parent, currentVersion, history); err != nil {
		return Answer{}, err
	}
	logger.Info("agent: turn completed", "session", sessionID, "project", project, "history", len(history))
	return Answer{SessionID: sessionID, Text: reply}, nil
}

// Sessions lists the conversation thread ids for a project.
func (r *Runner) Sessions(ctx context.Context, project string) ([]string, error) {
	return r.saver.ListThreadsNamespace(ctx, project)
}

// DeleteSession removes one thread within the project namespace.
func (r *Runner) DeleteSession(ctx context.Context, project, sessionID string) error {
	return r.saver.DeleteThreadNamespace(ctx, sessionID, project)
}

// buildGraph wires retrieve -> answer -> END. The retrieve node prepends
// a system message carrying graph and vector context for the question.
func (r *Runner) buildGraph(project string) (*lg.Runnable, error) {
	g := lg.NewMessageGraph()
	g.AddNode("retrieve", func(ctx context.Context, state []llms.MessageContent) ([]llms.MessageContent, error) {
		question := lastHumanText(state)
		contextBlock := r.collectContext(ctx, project, question)
		system := "You answer questions about an indexed codebase. Cite file paths and signatures when relevant."
		if contextBlock != "" {
			system += "\n\n" + contextBlock
		}
		return append([]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, system)}, state...), nil
	})
	g.AddNode("answer", func(ctx context.Context, state []llms.MessageContent) ([]llms.MessageContent, error) {
		reply, err := r.provider.Chat(ctx, stateToMessages(state))
		if err != nil {
			return nil, err
		}
		return append(state, llms.TextParts(llms.ChatMessageTypeAI, reply)), nil
	})
	g.AddEdge("retrieve", "answer")
	g.AddEdge("answer", lg.END)
	g.SetEntryPoint("retrieve")
	return g.Compile()
}

// collectContext gathers retrieval snippets and a graph overview. Both
// sources are best effort; a failed lookup degrades to a plain chat.
func (r *Runner) collectContext(ctx context.Context, project, question string) string {
	logger := common.Logger()
	var sections []string
	if r.vectors != nil && r.vectors.Available() && question != "" {
		embeddings, err := r.provider.Embed(ctx, []string{question})
		if err != nil || len(embeddings) == 0 {
			logger.Warn("agent: question embedding failed", "error", err)
		} else {
			results, err := r.vectors.Search(ctx, embeddings[0], project, snippetLimit)
			if err != nil {
				logger.Warn("agent: vector search failed", "error", err)
			}
			for idx, res := range results {
				content, _ := res.Payload["content"].(string)
				if strings.TrimSpace(content) == "" {
					continue
				}
				file, _ := res.Payload["file_path"].(string)
				header := fmt.Sprintf("[Snippet %d] %s", idx+1, res.ID)
				if file != "" {
					header += " | " + file
				}
				sections = append(sections, header+"\n"+content)
			}
		}
	}
	if r.graph != nil {
		overview, err := r.graph.OverviewText(ctx, project, snippetLimit)
		if err != nil {
			logger.Warn("agent: graph overview failed", "error", err)
		} else if strings.TrimSpace(overview) != "" {
			sections = append(sections, "Call graph overview:\n"+overview)
		}
	}
	return strings.Join(sections, "\n\n")
}

func (r *Runner) loadHistory(ctx context.Context, project, sessionID string) ([]llm.Message, *checkpoint.Config, string, error) {
	tuple, err := r.saver.GetTuple(ctx, checkpoint.Config{ThreadID: sessionID, Namespace: project})
	if err != nil {
		return nil, nil, "", err
	}
	if tuple == nil {
		return nil, nil, "", nil
	}
	parent := tuple.Config
	version := tuple.Checkpoint.ChannelVersions[messagesChannel]
	raw, ok := tuple.Checkpoint.ChannelValues[messagesChannel]
	if !ok {
		return nil, &parent, version, nil
	}
	return decodeHistory(raw), &parent, version, nil
}

func (r *Runner) saveHistory(ctx context.Context, project, sessionID string, parent *checkpoint.Config, currentVersion string, history []llm.Message) error {
	encoded := make([]map[string]string, 0, len(history))
	for _, msg := range history {
		encoded = append(encoded, map[string]string{"role": msg.Role, "content": msg.Content})
	}
	config := checkpoint.Config{ThreadID: sessionID, Namespace: project}
	if parent != nil {
		config.CheckpointID = parent.CheckpointID
	}
	nextVersion := checkpoint.NextVersion(currentVersion)
	ckpt := checkpoint.Checkpoint{
		ID:              checkpoint.NewCheckpointID(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		ChannelValues:   map[string]any{messagesChannel: encoded},
		ChannelVersions: map[string]string{messagesChannel: nextVersion},
	}
	metadata := checkpoint.Metadata{"source": "agent", "turns": len(history) / 2}
	_, err := r.saver.Put(ctx, config, ckpt, metadata, map[string]string{messagesChannel: nextVersion})
	return err
}

// decodeHistory tolerates the generic shapes the serde produces when a
// typed slice round-trips through msgpack.
func decodeHistory(raw any) []llm.Message {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	history := make([]llm.Message, 0, len(items))
	for _, item := range items {
		role, content := "", ""
		switch entry := item.(type) {
		case map[string]any:
			role, _ = entry["role"].(string)
			content, _ = entry["content"].(string)
		case map[any]any:
			if v, ok := entry["role"].(string); ok {
				role = v
			}
			if v, ok := entry["content"].(string); ok {
				content = v
			}
		}
		if role == "" && content == "" {
			continue
		}
		history = append(history, llm.Message{Role: role, Content: content})
	}
	return history
}

func historyToState(history []llm.Message) []llms.MessageContent {
	state := make([]llms.MessageContent, 0, len(history))
	for _, msg := range history {
		switch strings.ToLower(msg.Role) {
		case "assistant", "ai":
			state = append(state, llms.TextParts(llms.ChatMessageTypeAI, msg.Content))
		case "system":
			state = append(state, llms.TextParts(llms.ChatMessageTypeSystem, msg.Content))
		default:
			state = append(state, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		}
	}
	return state
}

func stateToMessages(state []llms.MessageContent) []llm.Message {
	messages := make([]llm.Message, 0, len(state))
	for _, msg := range state {
		role := "user"
		switch msg.Role {
		case llms.ChatMessageTypeAI:
			role = "assistant"
		case llms.ChatMessageTypeSystem:
			role = "system"
		}
		messages = append(messages, llm.Message{Role: role, Content: contentText(msg)})
	}
	return messages
}

func lastHumanText(state []llms.MessageContent) string {
	for i := len(state) - 1; i >= 0; i-- {
		if state[i].Role == llms.ChatMessageTypeHuman {
			return contentText(state[i])
		}
	}
	return ""
}

func lastAIText(state []llms.MessageContent) string {
	for i := len(state) - 1; i >= 0; i-- {
		if state[i].Role == llms.ChatMessageTypeAI {
			return contentText(state[i])
		}
	}
	return ""
}

func contentText(msg llms.MessageContent) string {
	var parts []string
	for _, part := range msg.Parts {
		if text, ok := part.(llms.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
