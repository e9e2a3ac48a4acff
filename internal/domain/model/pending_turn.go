package model

import "time"

// PendingTurn is a completed chat turn whose reply reached the client but
// whose messages could not be written to the conversation log.
type PendingTurn struct {
	TurnID         string    `json:"turn_id"`
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Messages       []Message `json:"messages"`
	Attempts       int       `json:"attempts"`
	FailedAt       time.Time `json:"failed_at"`
}

// TurnMessages returns the messages stamped with the turn id, which is not
// part of the message JSON encoding.
func (p *PendingTurn) TurnMessages() []Message {
	msgs := make([]Message, len(p.Messages))
	for i, m := range p.Messages {
		m.TurnID = p.TurnID
		msgs[i] = m
	}
	return msgs
}
