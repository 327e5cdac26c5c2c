package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is one transport session to a remote peer.
type MediaConnection interface {
	// AddVideoTrack attaches a send-only video track with the given codec.
	AddVideoTrack(mimeType, streamID string) error
	// Negotiate applies the remote offer and returns the local answer once
	// candidate gathering completed or ctx is done.
	Negotiate(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// WriteFrame sends one frame on the video track.
	WriteFrame(f *Frame) error
	// States delivers connectivity changes. It is closed after Close.
	States() <-chan ConnectionState
	// Close releases all transport resources. Idempotent.
	Close()
}

// TransportFactory builds a MediaConnection per session.
type TransportFactory interface {
	NewConnection(sid SessionID) (MediaConnection, error)
}
