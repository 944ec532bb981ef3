package settlement

import "errors"

var (
	// ErrInvalidSignature: the notification could not be authenticated.
	// Nothing was written.
	ErrInvalidSignature = errors.New("settlement: invalid signature")
	// ErrMalformedNotification: a required field is missing or unparsable.
	// Nothing was written.
	ErrMalformedNotification = errors.New("settlement: malformed notification")
	ErrUnknownPack           = errors.New("settlement: unknown credit pack")
	ErrSessionMismatch       = errors.New("settlement: checkout session belongs to another account")
	ErrProcessorDisabled     = errors.New("settlement: payment processor not configured")
)
