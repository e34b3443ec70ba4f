package types

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Compiled once; used on every inbound event.
var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUsername checks if a username meets format requirements
func IsValidUsername(username string) bool {
	if len(username) < 1 || len(username) > 50 {
		return false
	}
	return usernameRegex.MatchString(username)
}

// Validate checks a sendMessage payload. maxBytes <= 0 disables the size check.
func (r *SendMessageRequest) Validate(maxBytes int) error {
	if !IsValidUsername(r.To) {
		return ErrInvalidRecipient
	}

	hasFile := r.FileURL != nil && *r.FileURL != ""
	if strings.TrimSpace(r.Message) == "" && !hasFile {
		return ErrEmptyMessage
	}
	if hasFile && (r.FileType == nil || *r.FileType == "") {
		return ErrIncompleteFileInfo
	}

	if maxBytes > 0 && len(r.Message) > maxBytes {
		return ErrMessageTooLarge
	}
	return nil
}

// Validate checks an editMessage payload
func (r *EditMessageRequest) Validate(maxBytes int) error {
	if r.MessageID == "" {
		return ErrMissingMessageID
	}
	if strings.TrimSpace(r.NewMessage) == "" {
		return ErrEmptyMessage
	}
	if maxBytes > 0 && len(r.NewMessage) > maxBytes {
		return ErrMessageTooLarge
	}
	return nil
}

// NormalizeCallType defaults an empty call type to audio
func NormalizeCallType(callType string) (string, error) {
	switch callType {
	case "":
		return CallTypeAudio, nil
	case CallTypeAudio, CallTypeVideo:
		return callType, nil
	default:
		return "", ErrInvalidCallType
	}
}

// DecodeEnvelope parses one inbound websocket frame
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidPayload
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}

// DecodeLogin accepts both {"username": "..."} and a bare "username" string.
func DecodeLogin(data json.RawMessage) (*LoginRequest, error) {
	var username string
	if err := json.Unmarshal(data, &username); err == nil {
		return &LoginRequest{Username: username}, nil
	}

	var req LoginRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, ErrInvalidPayload
	}
	return &req, nil
}

// DecodePayload unmarshals an event payload into v
func DecodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}
