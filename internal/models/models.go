package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// User is a durable identity known to the user directory. Sessions are
// ephemeral; usernames are what messages and file records reference.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"createdAt"` // Unix timestamp (milliseconds)
}

// ChatMessage is one accepted send, persisted before delivery.
// Receiver empty means broadcast. Immutable after creation.
type ChatMessage struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // Unix timestamp (milliseconds)
}

// FileRecord is the metadata of an uploaded file. The routing engine only
// announces these; it never touches the file bytes.
type FileRecord struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	StoragePath string `json:"filePath"`
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver,omitempty"`
	Timestamp   int64  `json:"timestamp"` // Unix timestamp (milliseconds)
}

// VisibleTo reports whether a message is part of username's history:
// broadcast, sent by them, or addressed to them.
func (m ChatMessage) VisibleTo(username string) bool {
	return m.Receiver == "" || m.Sender == username || m.Receiver == username
}

// VisibleTo reports whether a file record belongs in username's file list.
func (f FileRecord) VisibleTo(username string) bool {
	return f.Receiver == "" || f.Sender == username || f.Receiver == username
}

type FrameType string

const (
	FrameTypeLogin            FrameType = "login"
	FrameTypeRegister         FrameType = "register"
	FrameTypeMessage          FrameType = "message"
	FrameTypeHistory          FrameType = "history"
	FrameTypeUserList         FrameType = "userList"
	FrameTypeUserStatusUpdate FrameType = "userStatusUpdate"
	FrameTypeFileList         FrameType = "fileList"
	FrameTypeError            FrameType = "error"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ServerFrame is a message to the client. One struct covers all outbound
// shapes; omitempty keeps each frame down to its own fields. Messages is
// omitzero rather than omitempty: a history frame carries an explicit
// empty list for an out-of-range page, while every other frame type
// leaves the field nil and off the wire.
type ServerFrame struct {
	Type      FrameType                 `json:"type"`
	Status    string                    `json:"status,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Sender    string                    `json:"sender,omitempty"`
	Receiver  string                    `json:"receiver,omitempty"`
	Content   string                    `json:"content,omitempty"`
	Timestamp int64                     `json:"timestamp,omitempty"`
	Users     map[string]PresenceStatus `json:"users,omitempty"`
	Messages  []ChatMessage             `json:"messages,omitzero"`
	Files     []FileRecord              `json:"files,omitempty"`
}

// MessageFrame is the delivery shape for a single chat message, used both
// for real-time fan-out and for login-time history replay.
func MessageFrame(m ChatMessage) ServerFrame {
	return ServerFrame{
		Type:      FrameTypeMessage,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

func ErrorFrame(message string) ServerFrame {
	return ServerFrame{Type: FrameTypeError, Message: message}
}
