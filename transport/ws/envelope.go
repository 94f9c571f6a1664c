package ws

import (
	"log/slog"

	"github.com/ghettovoice/sipcall/call"
)

// Message types of the signaling envelope.
const (
	msgRegister     = "register"
	msgUnregister   = "unregister"
	msgRegistration = "registration"
	msgInvite       = "invite"
	msgAnswer       = "answer"
	msgBye          = "bye"
	msgReject       = "reject"
	msgProgress     = "progress"
	msgAccepted     = "accepted"
	msgConfirmed    = "confirmed"
	msgEnded        = "ended"
	msgFailed       = "failed"
)

const (
	mediaAudio = "audio"
	mediaVideo = "video"
)

// envelope is the JSON frame exchanged with the gateway.
type envelope struct {
	Type        string   `json:"type"`
	CallID      string   `json:"call_id,omitempty"`
	URI         string   `json:"uri,omitempty"`
	Password    string   `json:"password,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Target      string   `json:"target,omitempty"`
	SDP         string   `json:"sdp,omitempty"`
	Media       []string `json:"media,omitempty"`
	Status      int      `json:"status,omitempty"`
	State       string   `json:"state,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

func (e envelope) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 5)
	attrs = append(attrs, slog.String("type", e.Type))
	if e.CallID != "" {
		attrs = append(attrs, slog.String("call_id", e.CallID))
	}
	if e.URI != "" {
		attrs = append(attrs, slog.String("uri", e.URI))
	}
	if e.State != "" {
		attrs = append(attrs, slog.String("state", e.State))
	}
	if e.Status != 0 {
		attrs = append(attrs, slog.Int("status", e.Status))
	}
	return slog.GroupValue(attrs...)
}

func mediaOf(c call.Constraints) []string {
	var m []string
	if c.Audio {
		m = append(m, mediaAudio)
	}
	if c.Video {
		m = append(m, mediaVideo)
	}
	return m
}

var inboundTypes = map[string]call.SignalingEventType{
	msgRegistration: call.SignalingEventRegistration,
	msgInvite:       call.SignalingEventInvite,
	msgProgress:     call.SignalingEventProgress,
	msgAccepted:     call.SignalingEventAccepted,
	msgConfirmed:    call.SignalingEventConfirmed,
	msgEnded:        call.SignalingEventEnded,
	msgFailed:       call.SignalingEventFailed,
}

// event converts an inbound envelope to a signaling event.
func (e envelope) event() (call.SignalingEvent, bool) {
	typ, ok := inboundTypes[e.Type]
	if !ok {
		return call.SignalingEvent{}, false
	}
	evt := call.SignalingEvent{
		Type:   typ,
		CallID: e.CallID,
		SDP:    e.SDP,
		Status: e.Status,
		Reason: e.Reason,
	}
	switch typ {
	case call.SignalingEventInvite:
		evt.From = e.URI
	case call.SignalingEventRegistration:
		evt.RegistrationState = call.RegistrationState(e.State)
	}
	return evt, true
}
