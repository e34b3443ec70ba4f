package types

import (
	"encoding/json"
	"time"
)

// Inbound event names (client -> server)
const (
	EventLogin            = "login"
	EventSendMessage      = "sendMessage"
	EventEditMessage      = "editMessage"
	EventTyping           = "typing"
	EventCallInitiate     = "call-initiate"
	EventCallAnswer       = "call-answer"
	EventCallReject       = "call-reject"
	EventCallEnd          = "call-end"
	EventCallOffer        = "call-offer"
	EventCallAnswerWebRTC = "call-answer-webrtc"
	EventICECandidate     = "ice-candidate"
)

// Outbound event names (server -> client). Typing and the three opaque
// signaling relays reuse their inbound names.
const (
	EventUserStatus      = "userStatus"
	EventReceiveMessage  = "receiveMessage"
	EventMessageEdited   = "messageEdited"
	EventMessageHistory  = "messageHistory"
	EventIncomingCall    = "incoming-call"
	EventCallAnswered    = "call-answered"
	EventCallRejected    = "call-rejected"
	EventCallEnded       = "call-ended"
	EventError           = "error"
	EventSessionReplaced = "sessionReplaced"
)

// Presence values carried by userStatus
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Call types accepted on call-initiate
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// Envelope is the websocket frame shape in both directions.
// Data stays raw until the hub knows which payload type the event carries.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEnvelope is the frame written to clients.
type OutboundEnvelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ChatMessage is the stored and relayed chat record.
// The store assigns ID and Timestamp; clients never do.
type ChatMessage struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Message   string     `json:"message"`
	FileURL   *string    `json:"fileUrl,omitempty"`
	FileType  *string    `json:"fileType,omitempty"`
	FileName  *string    `json:"fileName,omitempty"`
	ReplyToID *string    `json:"replyToId,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	IsEdited  bool       `json:"isEdited"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// LoginRequest is the login payload. A bare JSON string is also accepted,
// see DecodeLogin.
type LoginRequest struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// SendMessageRequest is the sendMessage payload. From is informational;
// the relay always uses the username bound to the sending connection.
type SendMessageRequest struct {
	From      string  `json:"from,omitempty"`
	To        string  `json:"to"`
	Message   string  `json:"message"`
	FileURL   *string `json:"fileUrl,omitempty"`
	FileType  *string `json:"fileType,omitempty"`
	FileName  *string `json:"fileName,omitempty"`
	ReplyToID *string `json:"replyToId,omitempty"`
}

type EditMessageRequest struct {
	MessageID  string `json:"messageId"`
	NewMessage string `json:"newMessage"`
}

type TypingRequest struct {
	To       string `json:"to"`
	IsTyping bool   `json:"isTyping"`
}

type TypingEvent struct {
	From     string `json:"from"`
	IsTyping bool   `json:"isTyping"`
}

// CallRequest covers call-initiate, call-answer, call-reject and call-end.
type CallRequest struct {
	To       string `json:"to"`
	CallType string `json:"callType,omitempty"`
}

type IncomingCallEvent struct {
	From     string `json:"from"`
	CallType string `json:"callType"`
}

// CallEvent covers call-answered, call-rejected and call-ended.
type CallEvent struct {
	From string `json:"from"`
}

// SignalRequest covers call-offer, call-answer-webrtc and ice-candidate.
// Only To is interpreted; the payload fields are forwarded verbatim.
type SignalRequest struct {
	To        string          `json:"to"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type SignalEvent struct {
	From      string          `json:"from"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type UserStatusEvent struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type SessionReplacedEvent struct {
	Username string `json:"username"`
}

// UserInfo is returned by the user directory endpoints
type UserInfo struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
}

// UploadResult describes a stored upload as referenced by chat messages
type UploadResult struct {
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
	FileName string `json:"fileName"`
}
