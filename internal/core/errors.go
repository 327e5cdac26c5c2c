package core

import "errors"

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSourceExhausted   = errors.New("source exhausted")
	ErrNegotiation       = errors.New("negotiation failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSubscriberClosed  = errors.New("subscriber closed")
)
