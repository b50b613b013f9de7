// Package memory provides conversational memory over the session store:
// append-only message batches per session, a rolling conversation summary,
// a merge-updated context bag, and a response cache for first-turn answers.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/store"
	"github.com/lexatlas/lexrag/pkg/types"
)

const (
	// charsPerToken is the size estimate used for message accounting.
	charsPerToken = 4

	// summaryMinMessages is the history size below which no summary is
	// generated.
	summaryMinMessages = 4

	// summaryRecentMessages caps how much history feeds the summary prompt.
	summaryRecentMessages = 10

	// summaryLoadTokens caps the history loaded for summarization.
	summaryLoadTokens = 50000

	// summaryContentLimit truncates each message inside the summary prompt.
	summaryContentLimit = 500

	metaSummaryKey     = "conversation_summary"
	metaSummaryAtKey   = "summary_generated_at"
	metaContextKey     = "context_metadata"
	metaLastUpdatedKey = "last_updated"

	keyPointsWindow = 20
)

const summaryPrompt = `Eres un asistente que resume conversaciones sobre temas regulatorios.

Genera un resumen estructurado en 3-5 puntos clave que incluya:
1. Tema principal discutido
2. Normativas o regulaciones mencionadas
3. Preguntas clave del usuario
4. Conclusiones o recomendaciones dadas

Formato: Lista con viñetas, máximo 200 palabras.`

// Config holds memory settings.
type Config struct {
	// MaxLoadTokens caps how much history a load returns (default: 100000)
	MaxLoadTokens int

	// Model is the chat model used for summaries
	Model string
}

// DefaultConfig returns production memory settings.
func DefaultConfig() Config {
	return Config{MaxLoadTokens: 100000}
}

// Manager is the conversational memory facade.
type Manager struct {
	sessions store.SessionStore
	chat     llm.ChatModel
	cfg      Config
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a memory Manager.
func NewManager(sessions store.SessionStore, chat llm.ChatModel, cfg Config, log zerolog.Logger) *Manager {
	if cfg.MaxLoadTokens <= 0 {
		cfg.MaxLoadTokens = DefaultConfig().MaxLoadTokens
	}
	return &Manager{
		sessions: sessions,
		chat:     chat,
		cfg:      cfg,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// sessionLock serializes saves per session.
func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// CreateSession opens a new session for the user and returns its id.
func (m *Manager) CreateSession(ctx context.Context, userID string, metadata map[string]interface{}) (string, error) {
	session := &types.ConversationSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	m.log.Info().Str("session", session.ID).Str("user", userID).Msg("session created")
	return session.ID, nil
}

// GetOrCreateSession returns sessionID when it exists, otherwise a fresh
// session for the user.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID, sessionID string) (string, error) {
	if sessionID != "" {
		if _, err := m.sessions.GetSession(ctx, sessionID); err == nil {
			return sessionID, nil
		} else if err != store.ErrNotFound {
			m.log.Warn().Err(err).Str("session", sessionID).Msg("session lookup failed, creating new one")
		}
	}
	return m.CreateSession(ctx, userID, nil)
}

// SessionInfo returns the session record.
func (m *Manager) SessionInfo(ctx context.Context, sessionID string) (*types.ConversationSession, error) {
	return m.sessions.GetSession(ctx, sessionID)
}

// SaveTurn appends one turn's messages to the session history. The token
// estimate is total characters divided by four.
func (m *Manager) SaveTurn(ctx context.Context, sessionID string, messages []llm.Message) error {
	if len(messages) == 0 {
		return nil
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("serializing messages: %w", err)
	}

	tokens := 0
	for _, msg := range messages {
		tokens += len(msg.Content) / charsPerToken
	}

	batch := &types.MessageBatch{
		SessionID:  sessionID,
		Payload:    payload,
		TokenCount: tokens,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.sessions.SaveMessageBatch(ctx, batch); err != nil {
		return fmt.Errorf("saving message batch: %w", err)
	}

	m.log.Debug().
		Str("session", sessionID).
		Int("messages", len(messages)).
		Int("tokens", tokens).
		Msg("turn saved")
	return nil
}

// LoadMessages returns the session history in chronological order, newest
// turns preferred, capped by maxTokens (0 uses the configured default).
// Tool messages are filtered out: they break provider API compatibility
// when replayed without their originating call.
func (m *Manager) LoadMessages(ctx context.Context, sessionID string, maxTokens int) ([]llm.Message, error) {
	if maxTokens <= 0 {
		maxTokens = m.cfg.MaxLoadTokens
	}

	batches, err := m.sessions.LoadMessageBatches(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading message batches: %w", err)
	}

	// Batches arrive most recent first; walk them newest to oldest and
	// accumulate under the cap, then restore chronological order.
	var collected []llm.Message
	total := 0
	for _, batch := range batches {
		var messages []llm.Message
		if err := json.Unmarshal(batch.Payload, &messages); err != nil {
			m.log.Warn().Err(err).Str("session", sessionID).Msg("skipping undecodable message batch")
			continue
		}
		for i := len(messages) - 1; i >= 0; i-- {
			msg := messages[i]
			if msg.Role == llm.RoleTool {
				continue
			}
			tokens := len(msg.Content) / charsPerToken
			if total+tokens > maxTokens {
				return reverseMessages(collected), nil
			}
			collected = append(collected, msg)
			total += tokens
		}
	}
	return reverseMessages(collected), nil
}

func reverseMessages(msgs []llm.Message) []llm.Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

// Summary returns the stored conversation summary, generating and storing a
// fresh one when absent or when forceRefresh is set. Short histories yield
// an empty summary.
func (m *Manager) Summary(ctx context.Context, sessionID string, forceRefresh bool) (string, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if !forceRefresh {
		if s, ok := session.Metadata[metaSummaryKey].(string); ok && s != "" {
			return s, nil
		}
	}

	messages, err := m.LoadMessages(ctx, sessionID, summaryLoadTokens)
	if err != nil {
		return "", err
	}
	if len(messages) < summaryMinMessages {
		return "", nil
	}

	if len(messages) > summaryRecentMessages {
		messages = messages[len(messages)-summaryRecentMessages:]
	}
	var lines []string
	for _, msg := range messages {
		role := "Asistente"
		if msg.Role == llm.RoleUser {
			role = "Usuario"
		}
		content := msg.Content
		if len(content) > summaryContentLimit {
			content = content[:summaryContentLimit]
		}
		lines = append(lines, role+": "+content)
	}

	resp, err := m.chat.Chat(ctx, llm.ChatRequest{
		Model:       m.cfg.Model,
		Temperature: 0.3,
		MaxTokens:   500,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summaryPrompt},
			{Role: llm.RoleUser, Content: "Resume esta conversación:\n\n" + joinLines(lines)},
		},
	})
	if err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("summary generation failed")
		return "", nil
	}

	summary := resp.Content
	metadata := session.Metadata
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata[metaSummaryKey] = summary
	metadata[metaSummaryAtKey] = time.Now().UTC().Format(time.RFC3339)
	if err := m.sessions.UpdateSessionMetadata(ctx, sessionID, metadata); err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("could not persist summary")
	}
	return summary, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n\n"
		}
		out += l
	}
	return out
}

// UpdateContext merges the update into the session's context metadata:
// topics, entities and regulations are de-duplicated sets; key points are a
// rolling window of the most recent twenty.
func (m *Manager) UpdateContext(ctx context.Context, sessionID string, update types.ContextMetadata) error {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	metadata := session.Metadata
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	current := decodeContext(metadata[metaContextKey])
	current.Topics = mergeSet(current.Topics, update.Topics)
	current.Entities = mergeSet(current.Entities, update.Entities)
	current.Regulations = mergeSet(current.Regulations, update.Regulations)
	current.KeyPoints = append(current.KeyPoints, update.KeyPoints...)
	if len(current.KeyPoints) > keyPointsWindow {
		current.KeyPoints = current.KeyPoints[len(current.KeyPoints)-keyPointsWindow:]
	}

	encoded := map[string]interface{}{
		metaLastUpdatedKey: time.Now().UTC().Format(time.RFC3339),
	}
	if len(current.Topics) > 0 {
		encoded["topics"] = current.Topics
	}
	if len(current.Entities) > 0 {
		encoded["entities"] = current.Entities
	}
	if len(current.Regulations) > 0 {
		encoded["regulations"] = current.Regulations
	}
	if len(current.KeyPoints) > 0 {
		encoded["key_points"] = current.KeyPoints
	}
	metadata[metaContextKey] = encoded

	return m.sessions.UpdateSessionMetadata(ctx, sessionID, metadata)
}

// decodeContext tolerates both typed and freshly-unmarshaled metadata.
func decodeContext(v interface{}) types.ContextMetadata {
	if v == nil {
		return types.ContextMetadata{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return types.ContextMetadata{}
	}
	var out types.ContextMetadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.ContextMetadata{}
	}
	return out
}

// mergeSet unions two lists, de-duplicated and sorted for stable storage.
func mergeSet(existing, update []string) []string {
	if len(update) == 0 {
		return existing
	}
	set := make(map[string]bool, len(existing)+len(update))
	for _, s := range existing {
		set[s] = true
	}
	for _, s := range update {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
