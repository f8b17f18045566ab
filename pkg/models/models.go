package models

// Message status values. The remote read-receipt webhook writes "Read" with
// its historical capitalization; changing it would break stored rows.
const (
	StatusUnread  = "unread"
	StatusRead    = "Read"
	StatusReplied = "replied"
)

// Conversation is a thread between the operating account and one external
// party, identified by the opaque id the Graph API assigns.
type Conversation struct {
	ID string `json:"id" db:"id"`
}

// Message is one inbound or outbound text exchange inside a conversation.
// CreatedTime keeps the Graph API's string form; it sorts chronologically
// within a conversation.
type Message struct {
	ID             string `json:"id" db:"id"`
	CreatedTime    string `json:"created_time" db:"created_time"`
	FromID         string `json:"from_id" db:"from_id"`
	FromUsername   string `json:"from_username" db:"from_username"`
	ToID           string `json:"to_id" db:"to_id"`
	ToUsername     string `json:"to_username" db:"to_username"`
	Message        string `json:"message" db:"message"`
	Status         string `json:"status" db:"status"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`
}
