package app

import "github.com/dkeye/Cast/internal/core"

type StateAction int

const (
	NoAction StateAction = iota
	CloseSession
)

// Policy decides what a connectivity change means for the session.
type Policy interface {
	OnStateChange(sid core.SessionID, from, to core.ConnectionState) StateAction
}

// SimplePolicy closes a session when its transport fails. Disconnected sessions are
// left alone: ICE may recover, otherwise the client renegotiates.
type SimplePolicy struct{}

func (SimplePolicy) OnStateChange(_ core.SessionID, _, to core.ConnectionState) StateAction {
	if to == core.StateFailed {
		return CloseSession
	}
	return NoAction
}
