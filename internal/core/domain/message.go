package domain

import (
	"github.com/pion/webrtc/v3"
)

// MessageType marks every signaling message produced by this subsystem.
const MessageType = "media"

// ModeTest marks messages and engine resources belonging to anonymous
// mic/cam self-test connections.
const ModeTest = "test"

// Message is the wire shape for inbound and outbound signaling messages.
// ID carries the command name; the remaining fields are command-specific.
type Message struct {
	Type      string                   `json:"type"`
	ID        string                   `json:"id"`
	Mode      string                   `json:"mode,omitempty"`
	UID       string                   `json:"uid,omitempty"`
	LUID      string                   `json:"luid,omitempty"`
	Sender    string                   `json:"sender,omitempty"`
	SDPOffer  string                   `json:"sdpOffer,omitempty"`
	SDPAnswer string                   `json:"sdpAnswer,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Activity  Activity                 `json:"activity,omitempty"`
	Audio     *bool                    `json:"audio,omitempty"`
	Video     *bool                    `json:"video,omitempty"`
	Stream    *StreamDesc              `json:"stream,omitempty"`
	IceSrv    []TurnCredential         `json:"iceServers,omitempty"`
	Text      string                   `json:"message,omitempty"`
}

// NewMessage builds an outbound message for the given command.
func NewMessage(id string) Message {
	return Message{Type: MessageType, ID: id}
}

// NewTestMessage builds an outbound message for a test-mode connection.
func NewTestMessage(id string) Message {
	return Message{Type: MessageType, Mode: ModeTest, ID: id}
}

// NewErrorMessage builds the structured error pushed back to the connection
// that issued a failing command.
func NewErrorMessage(text string) Message {
	return Message{Type: MessageType, ID: "error", Text: text}
}

// TurnCredential is an ephemeral relay authorization; never stored,
// recomputed per request.
type TurnCredential struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}
