package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is an append-only side-channel message.
type ChatMessage struct {
	ID         uuid.UUID `json:"id"`
	Sender     string    `json:"sender"`
	SenderRole Role      `json:"senderRole"`
	Message    string    `json:"message"`
	SocketID   string    `json:"socketId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
