package relay

import "errors"

var (
	ErrRecipientOffline  = errors.New("recipient is offline")
	ErrUnknownRecipient  = errors.New("recipient is not a known user")
	ErrPersistenceFailed = errors.New("failed to persist message")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNotAuthor         = errors.New("only the author may edit a message")
	ErrInvalidReply      = errors.New("reply target is not part of this conversation")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
