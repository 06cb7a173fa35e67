package ws

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame    = errors.New("invalid message format")
	ErrMissingPagination = errors.New("missing pagination parameters")
)

// UnsupportedTypeError is returned for a well-formed frame whose type is
// not one of the recognized request kinds.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported message type: %q", e.Type)
}

// Request is the closed set of inbound protocol requests. Every frame a
// client sends decodes to exactly one of the four kinds below or fails
// with a typed decode error.
type Request interface {
	isRequest()
}

type LoginRequest struct {
	Username string
	Password string
}

type RegisterRequest struct {
	Username string
	Password string
}

// SendRequest carries one chat message. An empty Receiver means broadcast.
type SendRequest struct {
	Receiver string
	Content  string
}

type HistoryRequest struct {
	Page int
	Size int
}

func (LoginRequest) isRequest()    {}
func (RegisterRequest) isRequest() {}
func (SendRequest) isRequest()     {}
func (HistoryRequest) isRequest()  {}

// clientFrame is the superset of fields a frame may carry. Page and Size
// are pointers so a history request with absent pagination is
// distinguishable from page 0.
type clientFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
	Page     *int   `json:"page"`
	Size     *int   `json:"size"`
}

// DecodeRequest parses one inbound text frame into its request kind.
func DecodeRequest(data []byte) (Request, error) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrMalformedFrame
	}

	switch frame.Type {
	case "login":
		return LoginRequest{Username: frame.Username, Password: frame.Password}, nil
	case "register":
		return RegisterRequest{Username: frame.Username, Password: frame.Password}, nil
	case "message":
		return SendRequest{Receiver: frame.Receiver, Content: frame.Content}, nil
	case "history":
		if frame.Page == nil || frame.Size == nil {
			return nil, ErrMissingPagination
		}
		return HistoryRequest{Page: *frame.Page, Size: *frame.Size}, nil
	default:
		return nil, &UnsupportedTypeError{Type: frame.Type}
	}
}
