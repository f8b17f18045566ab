package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dmbridge/pkg/models"
)

// graphTimeLayout is the timestamp format the Graph API returns, e.g.
// "2024-05-21T10:15:00+0000". RFC3339 is accepted as a fallback.
const graphTimeLayout = "2006-01-02T15:04:05-0700"

// ReconcileStatuses re-derives message statuses for every conversation.
// Within a conversation, messages are walked chronologically while tracking
// the time of the last message sent by the operating account; any message
// strictly after that time is marked replied. A conversation with no self
// message has every message marked replied, since the last-self time is
// treated as the earliest possible instant.
//
// Note the marking applies to inbound messages too: "replied" here means
// "the account has already responded to everything up to this point", not
// that this specific message received a reply.
func (s *MessageStore) ReconcileStatuses(ctx context.Context, selfUsername string) error {
	msgs, err := s.GetAllMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load messages for reconciliation: %w", err)
	}

	for conversationID, conv := range GroupByConversation(msgs) {
		for _, id := range repliedIDs(conv, selfUsername) {
			// Best effort: one bad row must not block the rest of the scan.
			if err := s.UpdateMessageStatus(ctx, id, models.StatusReplied); err != nil {
				s.log.Error().
					Err(err).
					Str("conversation_id", conversationID).
					Str("message_id", id).
					Msg("failed to mark message replied")
			}
		}
	}
	return nil
}

// repliedIDs returns the ids of messages in one conversation (already in
// chronological order) whose timestamp is strictly after the last message
// sent by selfUsername. A self message first moves the last-self marker and
// is then compared against it, so it never marks itself.
func repliedIDs(conv []models.Message, selfUsername string) []string {
	var ids []string
	var lastSelf *time.Time
	lastSelfInvalid := false

	for _, m := range conv {
		if m.FromUsername == selfUsername {
			if t, ok := parseMessageTime(m.CreatedTime); ok {
				lastSelf = &t
				lastSelfInvalid = false
			} else {
				// An unparseable self timestamp poisons every later
				// comparison in this conversation.
				lastSelf = nil
				lastSelfInvalid = true
			}
		}

		if lastSelfInvalid {
			continue
		}
		t, ok := parseMessageTime(m.CreatedTime)
		if !ok {
			continue
		}
		if lastSelf == nil || t.After(*lastSelf) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func parseMessageTime(value string) (time.Time, bool) {
	if t, err := time.Parse(graphTimeLayout, value); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}
