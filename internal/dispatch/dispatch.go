// Package dispatch orchestrates one chat request end to end: resolve the
// account, route the message to an instance, move the conversation if
// responsibility changes, gather context, and generate the reply.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/internal/conversation"
	"github.com/conductorhq/conductor/internal/embeddings"
	"github.com/conductorhq/conductor/internal/intent"
	"github.com/conductorhq/conductor/internal/notify"
	"github.com/conductorhq/conductor/internal/resolver"
	"github.com/conductorhq/conductor/internal/vectorstore"
	"github.com/conductorhq/conductor/pkg/contracts"
	"github.com/conductorhq/conductor/pkg/models"
)

// contextTurns is how many trailing turns go into the prompt.
const contextTurns = 12

// ragTopK is how many similar documents brief the instance.
const ragTopK = 4

// Dispatcher wires the routing pipeline together.
type Dispatcher struct {
	resolver      *resolver.Resolver
	intents       *intent.Router
	conversations *conversation.Manager
	vectors       *vectorstore.Router
	embeddings    *embeddings.Registry
	completion    contracts.CompletionService
	notify        *notify.Service
}

func New(
	res *resolver.Resolver,
	intents *intent.Router,
	conversations *conversation.Manager,
	vectors *vectorstore.Router,
	emb *embeddings.Registry,
	completion contracts.CompletionService,
	notifier *notify.Service,
) *Dispatcher {
	return &Dispatcher{
		resolver:      res,
		intents:       intents,
		conversations: conversations,
		vectors:       vectors,
		embeddings:    emb,
		completion:    completion,
		notify:        notifier,
	}
}

// Chat handles one front-door message. onDelta, when non-nil, receives
// streamed reply chunks; cancellation mid-stream aborts only generation,
// the routing decision and appended turns stand.
func (d *Dispatcher) Chat(ctx context.Context, slug string, req *models.ChatRequest, onDelta func(string) error) (*models.ChatResponse, error) {
	account, err := d.resolver.Resolve(ctx, slug)
	if err != nil {
		return nil, err
	}

	conv, err := d.conversations.Ensure(ctx, account.ID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if _, err := d.conversations.AppendTurn(ctx, conv, "user", "", req.Message); err != nil {
		return nil, err
	}

	res, err := d.intents.Route(ctx, account, conv.ID, req.Message, req.ExplicitAgentType, conv.ActiveType)
	if err != nil {
		return nil, err
	}
	defer res.Handle.Release()
	d.notify.Dispatch(res.Decision)

	inst := res.Handle.Instance
	if err := d.conversations.Assign(ctx, conv, inst.ID, res.Decision.ChosenType); err != nil {
		return nil, err
	}

	cc, err := d.conversations.Context(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	degraded := res.Degraded
	ragContext, err := d.retrieve(ctx, inst, req.Message)
	if err != nil {
		// Retrieval is an enrichment. Answer without it and say so.
		log.Warn().Err(err).Str("instance", inst.ID).Msg("context retrieval failed, degrading")
		degraded = true
	}

	creq := buildPrompt(inst, cc, ragContext, req.Message)
	var resp *contracts.CompletionResponse
	if onDelta != nil {
		resp, err = d.completion.CompleteStream(ctx, creq, onDelta)
	} else {
		resp, err = d.completion.Complete(ctx, creq)
	}
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	if _, err := d.conversations.AppendTurn(ctx, conv, "agent", inst.ID, resp.Content); err != nil {
		return nil, err
	}

	return &models.ChatResponse{
		ConversationID: conv.ID,
		Reply:          resp.Content,
		InstanceID:     inst.ID,
		ChosenType:     res.Decision.ChosenType,
		Confidence:     res.Decision.Confidence,
		UsedFallback:   res.Decision.UsedFallback,
		FallbackReason: res.Decision.FallbackReason,
		Degraded:       degraded,
	}, nil
}

// retrieve embeds the message and pulls the instance's nearest documents.
// Accounts without an embedding provider just skip retrieval.
func (d *Dispatcher) retrieve(ctx context.Context, inst *models.AgentInstance, message string) ([]models.SearchResult, error) {
	driver, err := d.embeddings.Default()
	if err != nil {
		return nil, nil
	}
	vecs, err := driver.Embed(ctx, []string{message})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, nil
	}

	filter := map[string]string{"instance": inst.Name}
	return d.vectors.Query(ctx, inst.Binding, vecs[0], ragTopK, filter)
}

// Index embeds and upserts pre-extracted documents for one instance. This
// is the write path feeding the retrieval above.
func (d *Dispatcher) Index(ctx context.Context, slug string, req *models.IndexRequest) (int, error) {
	account, err := d.resolver.Resolve(ctx, slug)
	if err != nil {
		return 0, err
	}
	if len(req.Documents) == 0 {
		return 0, nil
	}
	driver, err := d.embeddings.Default()
	if err != nil {
		return 0, fmt.Errorf("no embedding provider configured")
	}

	documents := splitOversized(req.Documents)
	texts := make([]string, len(documents))
	for i, doc := range documents {
		texts[i] = doc.Content
	}
	vecs, err := driver.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(documents) {
		return 0, fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(documents), len(vecs))
	}

	docs := make([]models.VectorDoc, len(documents))
	for i, in := range documents {
		metadata := make(map[string]string, len(in.Metadata)+2)
		for k, v := range in.Metadata {
			metadata[k] = v
		}
		if req.InstanceName != "" {
			metadata["instance"] = req.InstanceName
		}
		if req.AgentType != "" {
			metadata["agent_type"] = req.AgentType
		}
		docs[i] = models.VectorDoc{
			ID:        in.ID,
			AccountID: account.ID,
			Content:   in.Content,
			Metadata:  metadata,
			Vector:    vecs[i],
		}
	}
	if err := d.vectors.Upsert(ctx, account, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// buildPrompt assembles the completion request: the instance's system
// prompt, the rolling summary, retrieved documents, the trailing turn
// window, and the new message.
func buildPrompt(inst *models.AgentInstance, cc *models.ConversationContext, ragContext []models.SearchResult, message string) *contracts.CompletionRequest {
	var system strings.Builder
	if sp, ok := inst.Config["system_prompt"].(string); ok && sp != "" {
		system.WriteString(sp)
	} else {
		fmt.Fprintf(&system, "You are a %s agent.", inst.Type)
	}
	if cc.Summary != "" {
		system.WriteString("\n\nConversation so far:\n")
		system.WriteString(cc.Summary)
	}
	if len(ragContext) > 0 {
		system.WriteString("\n\nRelevant documents:\n")
		for _, r := range ragContext {
			system.WriteString("- ")
			system.WriteString(r.Doc.Content)
			system.WriteString("\n")
		}
	}

	messages := []contracts.Message{{Role: "system", Content: system.String()}}
	turns := cc.Turns
	if len(turns) > contextTurns {
		turns = turns[len(turns)-contextTurns:]
	}
	for _, t := range turns {
		role := "assistant"
		if t.Role == "user" {
			role = "user"
		}
		messages = append(messages, contracts.Message{Role: role, Content: t.Content})
	}
	// The user turn was already appended to the log before routing; only
	// add it here if the window missed it.
	if len(messages) == 1 || messages[len(messages)-1].Content != message {
		messages = append(messages, contracts.Message{Role: "user", Content: message})
	}

	model, _ := inst.Config["model"].(string)
	maxTokens := 0
	if v, ok := inst.Config["max_tokens"].(float64); ok {
		maxTokens = int(v)
	}
	temperature, _ := inst.Config["temperature"].(float64)

	return &contracts.CompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}
