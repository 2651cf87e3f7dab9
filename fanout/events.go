package fanout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meow-io/go-sealed/bencode"
	"github.com/meow-io/go-sealed/messaging"
)

// Event names. Status and content updates are named apart from message-sent so that a client acknowledging
// new rows never acknowledges its own acknowledgement.
const (
	EventMessageSent          = "message-sent"
	EventMessageStatusUpdated = "message-status-updated"
	EventMessageUpdated       = "message-updated"
	EventConversationUpdated  = "conversation-updated"
)

func ConversationChannel(conversationID int64) string {
	return fmt.Sprintf("conversation.%d", conversationID)
}

func UserChannel(userID int64) string {
	return fmt.Sprintf("user.%d.conversations", userID)
}

type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelConversation
	ChannelUser
)

// ParseChannel is the inverse of ConversationChannel and UserChannel.
func ParseChannel(channel string) (ChannelKind, int64) {
	parts := strings.Split(channel, ".")
	switch {
	case len(parts) == 2 && parts[0] == "conversation":
		if id, ok := parseID(parts[1]); ok {
			return ChannelConversation, id
		}
	case len(parts) == 3 && parts[0] == "user" && parts[2] == "conversations":
		if id, ok := parseID(parts[1]); ok {
			return ChannelUser, id
		}
	}
	return ChannelUnknown, 0
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != s {
		return 0, false
	}
	return id, true
}

type RowPayload struct {
	ID             int64  `bencode:"id"`
	ConversationID int64  `bencode:"cid"`
	SenderID       int64  `bencode:"sid"`
	RecipientKeyID int64  `bencode:"kid"`
	BatchID        int64  `bencode:"bid"`
	Ciphertext     []byte `bencode:"c"`
	Status         uint8  `bencode:"st"`
	CreatedAtMs    uint64 `bencode:"ca"`
	UpdatedAtMs    uint64 `bencode:"ua"`
}

func payloadFor(r *messaging.Row) RowPayload {
	return RowPayload{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		RecipientKeyID: r.RecipientKeyID,
		BatchID:        r.BatchID,
		Ciphertext:     r.Ciphertext,
		Status:         uint8(r.Status),
		CreatedAtMs:    r.CreatedAtMs,
		UpdatedAtMs:    r.UpdatedAtMs,
	}
}

func (p RowPayload) Row() *messaging.Row {
	return &messaging.Row{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		RecipientKeyID: p.RecipientKeyID,
		BatchID:        p.BatchID,
		Ciphertext:     p.Ciphertext,
		Status:         messaging.Status(p.Status),
		CreatedAtMs:    p.CreatedAtMs,
		UpdatedAtMs:    p.UpdatedAtMs,
	}
}

type RowCreated struct {
	Row RowPayload `bencode:"r"`
}

type RowStatusChanged struct {
	RowID          int64  `bencode:"id"`
	ConversationID int64  `bencode:"cid"`
	RecipientKeyID int64  `bencode:"kid"`
	BatchID        int64  `bencode:"bid"`
	Status         uint8  `bencode:"st"`
	UpdatedAtMs    uint64 `bencode:"ua"`
}

type RowUpdated struct {
	Row RowPayload `bencode:"r"`
}

// ConversationSummary is what a member's conversation list needs: the newest rows addressed to that member's
// keys and the member's unread count.
type ConversationSummary struct {
	ConversationID int64        `bencode:"cid"`
	UserID         int64        `bencode:"uid"`
	Rows           []RowPayload `bencode:"r"`
	UnreadCount    int64        `bencode:"u"`
}

func encode(v interface{}) ([]byte, error) {
	return bencode.Serialize(v)
}

func decodeInto(name string, body []byte, v interface{}) error {
	if err := bencode.Deserialize(body, v); err != nil {
		return fmt.Errorf("fanout: error decoding %s: %w", name, err)
	}
	return nil
}
