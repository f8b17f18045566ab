package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dmbridge/internal/graph"
	"github.com/dmbridge/pkg/models"
)

// GraphAPI is the slice of the Graph client the pipeline needs.
type GraphAPI interface {
	Conversations(ctx context.Context, accessToken string) ([]graph.ConversationRef, error)
	ConversationMessages(ctx context.Context, accessToken, conversationID string) (*graph.ConversationMessageIDs, error)
	Message(ctx context.Context, accessToken, messageID string) (*graph.MessageDetail, error)
}

// Store is the slice of the message store the pipeline needs.
type Store interface {
	UpsertConversations(ctx context.Context, ids []string) error
	UpsertMessages(ctx context.Context, msgs []models.Message) error
	ReconcileStatuses(ctx context.Context, selfUsername string) error
}

// Pipeline runs the linear ingestion flow: list conversations, expand each
// into message ids, fetch full messages, persist, then reconcile statuses.
// It is triggered on demand by an inbound request, never as a loop.
type Pipeline struct {
	graph        GraphAPI
	store        Store
	selfUsername string
	log          zerolog.Logger
}

// NewPipeline wires the pipeline to its collaborators. selfUsername is the
// operating account, used to derive reply statuses after persistence.
func NewPipeline(graphClient GraphAPI, store Store, selfUsername string, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		graph:        graphClient,
		store:        store,
		selfUsername: selfUsername,
		log:          log.With().Str("component", "ingest").Logger(),
	}
}

// FetchConversationIDs lists the account's conversation ids and persists
// them before returning. Persisting here, during a read, means later stages
// can always resolve a conversation even if message ingestion fails midway.
func (p *Pipeline) FetchConversationIDs(ctx context.Context, accessToken string) ([]string, error) {
	refs, err := p.graph.Conversations(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}

	if err := p.store.UpsertConversations(ctx, ids); err != nil {
		return nil, fmt.Errorf("failed to persist conversations: %w", err)
	}
	return ids, nil
}

// ExpandMessageIDs fetches the message-id list of every conversation, one
// concurrent request each. The batch is all-or-nothing: the first failure
// aborts the whole expansion, discarding the other conversations' results.
func (p *Pipeline) ExpandMessageIDs(ctx context.Context, accessToken string, conversationIDs []string) ([]graph.ConversationMessageIDs, error) {
	results := make([]graph.ConversationMessageIDs, len(conversationIDs))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, conversationID := range conversationIDs {
		wg.Add(1)
		go func(i int, conversationID string) {
			defer wg.Done()
			resp, err := p.graph.ConversationMessages(ctx, accessToken, conversationID)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = *resp
		}(i, conversationID)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, fmt.Errorf("failed to fetch conversation messages: %w", firstErr)
	}
	return results, nil
}

// FetchMessages fetches the full body of every message, conversation by
// conversation. Each batch is stamped with its conversation id and an
// initial unread status, persisted, and then reconciled against the
// operating account's send times.
func (p *Pipeline) FetchMessages(ctx context.Context, accessToken string, expanded []graph.ConversationMessageIDs) ([]models.Message, error) {
	var all []models.Message

	for _, conv := range expanded {
		batch := make([]models.Message, len(conv.Messages.Data))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			firstErr error
		)
		for i, ref := range conv.Messages.Data {
			wg.Add(1)
			go func(i int, messageID string) {
				defer wg.Done()
				detail, err := p.graph.Message(ctx, accessToken, messageID)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				batch[i] = toStoredMessage(detail, conv.ID)
			}(i, ref.ID)
		}
		wg.Wait()

		if firstErr != nil {
			return nil, fmt.Errorf("failed to fetch full conversations: %w", firstErr)
		}

		if err := p.store.UpsertMessages(ctx, batch); err != nil {
			return nil, fmt.Errorf("failed to persist messages for conversation %s: %w", conv.ID, err)
		}
		if err := p.store.ReconcileStatuses(ctx, p.selfUsername); err != nil {
			return nil, fmt.Errorf("failed to reconcile statuses: %w", err)
		}

		all = append(all, batch...)
	}
	return all, nil
}

// Run executes the whole pipeline for one inbound request.
func (p *Pipeline) Run(ctx context.Context, accessToken string) error {
	log := p.log.With().Str("run_id", uuid.NewString()).Logger()

	conversationIDs, err := p.FetchConversationIDs(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("conversation fetch stage: %w", err)
	}
	log.Info().Int("conversations", len(conversationIDs)).Msg("fetched conversation ids")

	expanded, err := p.ExpandMessageIDs(ctx, accessToken, conversationIDs)
	if err != nil {
		return fmt.Errorf("message id expansion stage: %w", err)
	}
	log.Info().Int("conversations", len(expanded)).Msg("expanded message ids")

	messages, err := p.FetchMessages(ctx, accessToken, expanded)
	if err != nil {
		return fmt.Errorf("message fetch stage: %w", err)
	}
	log.Info().Int("messages", len(messages)).Msg("ingested messages")

	return nil
}

// toStoredMessage flattens a Graph message into its stored form. Only the
// first recipient is kept, however many the API returns.
func toStoredMessage(detail *graph.MessageDetail, conversationID string) models.Message {
	m := models.Message{
		ID:             detail.ID,
		CreatedTime:    detail.CreatedTime,
		FromID:         detail.From.ID,
		FromUsername:   detail.From.Username,
		Message:        detail.Message,
		Status:         models.StatusUnread,
		ConversationID: conversationID,
	}
	if len(detail.To.Data) > 0 {
		m.ToID = detail.To.Data[0].ID
		m.ToUsername = detail.To.Data[0].Username
	}
	return m
}
