package msglog

import (
	"fmt"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

// Message is one chat line. It is immutable once built and stored by value.
type Message struct {
	SenderID   int64
	SenderName string
	Room       string
	Content    string
	Timestamp  time.Time
}

// NewMessage stamps a message with the current local time.
func NewMessage(senderID int64, senderName, room, content string) Message {
	return Message{
		SenderID:   senderID,
		SenderName: senderName,
		Room:       room,
		Content:    content,
		Timestamp:  time.Now(),
	}
}

// String renders the persisted form: [timestamp] [#room] sender: content
func (m Message) String() string {
	return fmt.Sprintf("[%s] [#%s] %s: %s",
		m.Timestamp.Local().Format(timestampLayout), m.Room, m.SenderName, m.Content)
}
