// Package common contains shared constants and sentinel errors used across
// federation components.
package common

import "errors"

var (

	// repository specific errors
	ErrNotFound = errors.New("not found")

	// inbound validation errors
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrContactNotAllowed  = errors.New("contact not allowed")
	ErrParentNotFound     = errors.New("parent not found")

	// ErrDuplicateMessage is a short-circuit, not a failure: the message was
	// already processed for this (uid, guid) pair.
	ErrDuplicateMessage = errors.New("duplicate message")

	// outbound errors
	ErrTransportFailure    = errors.New("transport failure")
	ErrKeyResolutionFailed = errors.New("key resolution failed")
)
