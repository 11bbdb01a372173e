package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/pkg/contracts"
	"github.com/conductorhq/conductor/pkg/models"
)

// ErrConversationClosed is returned for any turn or handoff against a
// closed conversation.
var ErrConversationClosed = errors.New("conversation is closed")

// summaryLimit caps the rolling summary handed to a new instance.
const summaryLimit = 2000

// summaryWindow is how many trailing turns feed one summarization pass.
const summaryWindow = 20

// Manager owns the conversation handoff state machine. A conversation is
// Active under exactly one instance, transitions through Handoff while
// responsibility moves, and lands Active under the new instance or stays
// with the old one if the transfer fails. Per-conversation striped locks
// serialize transitions without a global bottleneck.
type Manager struct {
	store      store.Store
	summarizer contracts.Summarizer // nil degrades to turn truncation

	locks [64]sync.Mutex
}

func NewManager(st store.Store, summarizer contracts.Summarizer) *Manager {
	return &Manager{store: st, summarizer: summarizer}
}

func (m *Manager) lock(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &m.locks[h.Sum32()%uint32(len(m.locks))]
}

// Ensure returns the conversation, creating it in the Active state when it
// does not exist yet. A generated ID is used when conversationID is empty.
func (m *Manager) Ensure(ctx context.Context, accountID, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	mu := m.lock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err == nil {
		if conv.AccountID != accountID {
			return nil, &models.NotFoundError{Entity: "conversation", Key: conversationID}
		}
		return conv, nil
	}
	if !models.IsNotFound(err) {
		return nil, err
	}

	conv = &models.Conversation{
		ID:        conversationID,
		AccountID: accountID,
		State:     models.ConversationActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// AppendTurn adds one turn to the ordered log. The store assigns the
// sequence number, so turns are strictly ordered even under concurrent
// senders. Closed conversations reject turns.
func (m *Manager) AppendTurn(ctx context.Context, conv *models.Conversation, role, instanceID, content string) (models.Turn, error) {
	if conv.State == models.ConversationClosed {
		return models.Turn{}, ErrConversationClosed
	}
	return m.store.AppendTurn(ctx, conv.ID, models.Turn{
		Role:       role,
		InstanceID: instanceID,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	})
}

// Context returns the ordered turn log plus the rolling summary.
func (m *Manager) Context(ctx context.Context, conversationID string) (*models.ConversationContext, error) {
	return m.store.GetContext(ctx, conversationID)
}

// Assign points the conversation at an instance, performing a handoff when
// a different instance currently holds it. First assignment adopts the
// instance directly with no handoff transition.
//
// The caller's snapshot predates the lock, so a concurrent request may have
// committed a handoff since it was read. Assign works from the stored state
// and writes it back into conv, so a stale snapshot can never overwrite an
// ownership change that already landed.
func (m *Manager) Assign(ctx context.Context, conv *models.Conversation, instanceID, agentType string) error {
	mu := m.lock(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := m.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return err
	}
	if cur.AccountID != conv.AccountID {
		return &models.NotFoundError{Entity: "conversation", Key: conv.ID}
	}
	defer func() { *conv = *cur }()

	switch cur.State {
	case models.ConversationClosed:
		return ErrConversationClosed
	case models.ConversationHandoff:
		// A previous transfer was interrupted mid-flight. Finish the
		// state machine by landing on the requested instance.
		log.Warn().Str("conversation", cur.ID).Str("stale_to", cur.HandoffTo).
			Msg("recovering interrupted handoff")
	}

	if cur.ActiveInstanceID == instanceID {
		return nil
	}
	if cur.ActiveInstanceID == "" {
		cur.ActiveInstanceID = instanceID
		cur.ActiveType = agentType
		cur.State = models.ConversationActive
		cur.HandoffFrom, cur.HandoffTo = "", ""
		return m.store.UpdateConversation(ctx, cur)
	}
	return m.handoff(ctx, cur, instanceID, agentType)
}

// handoff moves the conversation to a new instance: enter the Handoff
// state, refresh the rolling summary that briefs the new instance, then
// land Active on the target. A summarization failure reverts to the
// previous instance; the conversation is never left stuck in Handoff.
// Caller holds the conversation lock.
func (m *Manager) handoff(ctx context.Context, conv *models.Conversation, toInstanceID, toType string) error {
	prevInstance, prevType := conv.ActiveInstanceID, conv.ActiveType

	conv.State = models.ConversationHandoff
	conv.HandoffFrom = prevInstance
	conv.HandoffTo = toInstanceID
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	revert := func(cause error) error {
		conv.State = models.ConversationActive
		conv.ActiveInstanceID = prevInstance
		conv.ActiveType = prevType
		conv.HandoffFrom, conv.HandoffTo = "", ""
		if uerr := m.store.UpdateConversation(ctx, conv); uerr != nil {
			log.Error().Err(uerr).Str("conversation", conv.ID).Msg("handoff revert failed")
		}
		return fmt.Errorf("handoff to %s: %w", toInstanceID, cause)
	}

	if err := m.refreshSummary(ctx, conv); err != nil {
		return revert(err)
	}

	conv.State = models.ConversationActive
	conv.ActiveInstanceID = toInstanceID
	conv.ActiveType = toType
	conv.HandoffFrom, conv.HandoffTo = "", ""
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		return revert(err)
	}
	log.Info().Str("conversation", conv.ID).Str("from", prevInstance).
		Str("to", toInstanceID).Str("type", toType).Msg("conversation handed off")
	return nil
}

// refreshSummary condenses the trailing turn window into the bounded
// rolling summary. Without a summarizer it degrades to a truncated digest
// of recent turns, which keeps handoffs working in minimal deployments.
func (m *Manager) refreshSummary(ctx context.Context, conv *models.Conversation) error {
	cc, err := m.store.GetContext(ctx, conv.ID)
	if err != nil {
		return err
	}
	turns := cc.Turns
	if len(turns) > summaryWindow {
		turns = turns[len(turns)-summaryWindow:]
	}
	if len(turns) == 0 {
		return nil
	}

	var summary string
	if m.summarizer != nil {
		summary, err = m.summarizer.Summarize(ctx, turns, cc.Summary)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
	} else {
		summary = digest(turns, cc.Summary)
	}
	return m.store.UpdateSummary(ctx, conv.ID, truncateHead(summary, summaryLimit))
}

// Close ends the conversation. Closed is terminal.
func (m *Manager) Close(ctx context.Context, accountID, conversationID string) error {
	mu := m.lock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.AccountID != accountID {
		return &models.NotFoundError{Entity: "conversation", Key: conversationID}
	}
	if conv.State == models.ConversationClosed {
		return nil
	}
	conv.State = models.ConversationClosed
	conv.HandoffFrom, conv.HandoffTo = "", ""
	return m.store.UpdateConversation(ctx, conv)
}

func digest(turns []models.Turn, prior string) string {
	var b strings.Builder
	if prior != "" {
		b.WriteString(prior)
		b.WriteString("\n")
	}
	for _, t := range turns {
		b.WriteString(truncateHead(t.Role+": "+t.Content, 120))
		b.WriteString("\n")
	}
	return truncateTail(b.String(), summaryLimit)
}

// truncateHead keeps at most limit leading bytes of s, never splitting a
// UTF-8 rune at the cut.
func truncateHead(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// truncateTail keeps at most limit trailing bytes of s on a rune boundary.
func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
