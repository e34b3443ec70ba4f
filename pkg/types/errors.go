package types

import "errors"

var (
	ErrInvalidUsername    = errors.New("username must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRecipient   = errors.New("recipient must be a valid username")
	ErrEmptyMessage       = errors.New("message must carry text or a file")
	ErrMessageTooLarge    = errors.New("message body exceeds size limit")
	ErrMissingMessageID   = errors.New("message id is required")
	ErrInvalidPayload     = errors.New("invalid event payload")
	ErrMissingEvent       = errors.New("event name is required")
	ErrInvalidCallType    = errors.New("call type must be 'audio' or 'video'")
	ErrIncompleteFileInfo = errors.New("file messages require fileUrl and fileType")
)
