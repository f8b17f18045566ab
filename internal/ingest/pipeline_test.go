package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmbridge/internal/graph"
	"github.com/dmbridge/pkg/models"
)

// fakeGraph serves canned conversation and message data and can be told to
// fail specific calls.
type fakeGraph struct {
	mu sync.Mutex

	conversations []graph.ConversationRef
	messageIDs    map[string][]string
	messages      map[string]*graph.MessageDetail

	failConversations bool
	failExpandFor     string
	failMessage       string
}

func (f *fakeGraph) Conversations(ctx context.Context, token string) ([]graph.ConversationRef, error) {
	if f.failConversations {
		return nil, errors.New("network unreachable")
	}
	return f.conversations, nil
}

func (f *fakeGraph) ConversationMessages(ctx context.Context, token, conversationID string) (*graph.ConversationMessageIDs, error) {
	if conversationID == f.failExpandFor {
		return nil, fmt.Errorf("request failed with status 500 for %s", conversationID)
	}
	resp := &graph.ConversationMessageIDs{ID: conversationID}
	for _, id := range f.messageIDs[conversationID] {
		resp.Messages.Data = append(resp.Messages.Data, struct {
			ID string `json:"id"`
		}{ID: id})
	}
	return resp, nil
}

func (f *fakeGraph) Message(ctx context.Context, token, messageID string) (*graph.MessageDetail, error) {
	if messageID == f.failMessage {
		return nil, fmt.Errorf("request failed with status 500 for %s", messageID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	detail, ok := f.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("unknown message %s", messageID)
	}
	return detail, nil
}

// fakeStore records calls in order.
type fakeStore struct {
	mu sync.Mutex

	conversations []string
	messages      []models.Message
	reconciles    []string
	calls         []string

	failUpsertMessages bool
}

func (f *fakeStore) UpsertConversations(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = append(f.conversations, ids...)
	f.calls = append(f.calls, "upsert_conversations")
	return nil
}

func (f *fakeStore) UpsertMessages(ctx context.Context, msgs []models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsertMessages {
		return errors.New("disk full")
	}
	f.messages = append(f.messages, msgs...)
	f.calls = append(f.calls, "upsert_messages")
	return nil
}

func (f *fakeStore) ReconcileStatuses(ctx context.Context, selfUsername string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles = append(f.reconciles, selfUsername)
	f.calls = append(f.calls, "reconcile")
	return nil
}

func detail(id, created, fromID, fromUser, text string, recipients ...[2]string) *graph.MessageDetail {
	d := &graph.MessageDetail{ID: id, CreatedTime: created, Message: text}
	d.From.ID = fromID
	d.From.Username = fromUser
	for _, r := range recipients {
		d.To.Data = append(d.To.Data, struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		}{ID: r[0], Username: r[1]})
	}
	return d
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		conversations: []graph.ConversationRef{{ID: "conv-1"}, {ID: "conv-2"}},
		messageIDs: map[string][]string{
			"conv-1": {"m1", "m2"},
			"conv-2": {"m3"},
		},
		messages: map[string]*graph.MessageDetail{
			"m1": detail("m1", "2024-05-01T10:00:00+0000", "u1", "customer", "hi", [2]string{"u9", "agent"}),
			"m2": detail("m2", "2024-05-01T10:05:00+0000", "u9", "agent", "hello", [2]string{"u1", "customer"}, [2]string{"u3", "extra"}),
			"m3": detail("m3", "2024-05-01T11:00:00+0000", "u2", "other", "yo", [2]string{"u9", "agent"}),
		},
	}
}

func TestFetchConversationIDsPersistsAndReturnsInOrder(t *testing.T) {
	g := newFakeGraph()
	s := &fakeStore{}
	p := NewPipeline(g, s, "agent", zerolog.Nop())

	ids, err := p.FetchConversationIDs(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1", "conv-2"}, ids)
	assert.Equal(t, []string{"conv-1", "conv-2"}, s.conversations)
}

func TestFetchConversationIDsFailureLeavesStoreUntouched(t *testing.T) {
	g := newFakeGraph()
	g.failConversations = true
	s := &fakeStore{}
	p := NewPipeline(g, s, "agent", zerolog.Nop())

	_, err := p.FetchConversationIDs(context.Background(), "token")
	require.Error(t, err)
	assert.Empty(t, s.conversations)
	assert.Empty(t, s.calls)
}

func TestExpandMessageIDsKeepsInputOrder(t *testing.T) {
	g := newFakeGraph()
	p := NewPipeline(g, &fakeStore{}, "agent", zerolog.Nop())

	expanded, err := p.ExpandMessageIDs(context.Background(), "token", []string{"conv-1", "conv-2"})
	require.NoError(t, err)
	require.Len(t, expanded, 2)
	assert.Equal(t, "conv-1", expanded[0].ID)
	assert.Equal(t, "conv-2", expanded[1].ID)
	assert.Len(t, expanded[0].Messages.Data, 2)
}

func TestExpandMessageIDsFailFast(t *testing.T) {
	g := newFakeGraph()
	g.failExpandFor = "conv-2"
	p := NewPipeline(g, &fakeStore{}, "agent", zerolog.Nop())

	_, err := p.ExpandMessageIDs(context.Background(), "token", []string{"conv-1", "conv-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch conversation messages")
}

func TestFetchMessagesStampsAndPersists(t *testing.T) {
	g := newFakeGraph()
	s := &fakeStore{}
	p := NewPipeline(g, s, "agent", zerolog.Nop())

	expanded, err := p.ExpandMessageIDs(context.Background(), "token", []string{"conv-1", "conv-2"})
	require.NoError(t, err)

	msgs, err := p.FetchMessages(context.Background(), "token", expanded)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	byID := map[string]models.Message{}
	for _, m := range s.messages {
		byID[m.ID] = m
	}

	// Every message carries its owning conversation and starts unread.
	assert.Equal(t, "conv-1", byID["m1"].ConversationID)
	assert.Equal(t, "conv-2", byID["m3"].ConversationID)
	for _, m := range byID {
		assert.Equal(t, models.StatusUnread, m.Status)
	}

	// Only the first recipient survives, however many came back.
	assert.Equal(t, "u1", byID["m2"].ToID)
	assert.Equal(t, "customer", byID["m2"].ToUsername)

	// Reconciliation runs after each conversation's persist, with the
	// operating account's username.
	assert.Equal(t, []string{"agent", "agent"}, s.reconciles)
	assert.Equal(t, []string{"upsert_messages", "reconcile", "upsert_messages", "reconcile"}, s.calls)
}

func TestFetchMessagesProcessesAllConversations(t *testing.T) {
	g := newFakeGraph()
	s := &fakeStore{}
	p := NewPipeline(g, s, "agent", zerolog.Nop())

	expanded, err := p.ExpandMessageIDs(context.Background(), "token", []string{"conv-1", "conv-2"})
	require.NoError(t, err)

	_, err = p.FetchMessages(context.Background(), "token", expanded)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, m := range s.messages {
		seen[m.ConversationID] = true
	}
	assert.True(t, seen["conv-1"])
	assert.True(t, seen["conv-2"])
}

func TestFetchMessagesFailFastSkipsPersist(t *testing.T) {
	g := newFakeGraph()
	g.failMessage = "m2"
	s := &fakeStore{}
	p := NewPipeline(g, s, "agent", zerolog.Nop())

	expanded, err := p.ExpandMessageIDs(context.Background(), "token", []string{"conv-1", "conv-2"})
	require.NoError(t, err)

	_, err = p.FetchMessages(context.Background(), "token", expanded)
	require.Error(t, err)
	assert.Empty(t, s.messages)
	assert.Empty(t, s.reconciles)
}

func TestRunWrapsStageNames(t *testing.T) {
	g := newFakeGraph()
	g.failConversations = true
	p := NewPipeline(g, &fakeStore{}, "agent", zerolog.Nop())

	err := p.Run(context.Background(), "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation fetch stage")
}

func TestRunHappyPath(t *testing.T) {
	g := newFakeGraph()
	s := &fakeStore{}
	p := NewPipeline(g, s, "agent", zerolog.Nop())

	require.NoError(t, p.Run(context.Background(), "token"))
	assert.Len(t, s.messages, 3)
	assert.Equal(t, []string{"conv-1", "conv-2"}, s.conversations)
}
