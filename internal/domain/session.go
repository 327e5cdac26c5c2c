// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
)

var (
	ErrSDPEmpty     = errors.New("sdp empty")
	ErrNotAnOffer   = errors.New("description is not an offer")
	ErrSDPMalformed = errors.New("sdp malformed")
	ErrNoVideo      = errors.New("offer has no video section")
)

// SessionDescription is the JSON payload exchanged at the signaling boundary.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// ValidateOffer checks that d is a well formed offer carrying a video section.
func (d SessionDescription) ValidateOffer() error {
	if d.SDP == "" {
		return ErrSDPEmpty
	}
	if d.Type != TypeOffer {
		return fmt.Errorf("%w: type %q", ErrNotAnOffer, d.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("%w: %v", ErrSDPMalformed, err)
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "video" {
			return nil
		}
	}
	return ErrNoVideo
}

// SessionInfo is a read-only view of a live session for APIs.
type SessionInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
}
