package sync

import (
	"encoding/json"

	"watchparty/internal/party"
)

// Viewer-originated event names.
const (
	EventJoinParty     = "join_party"
	EventLeaveParty    = "leave_party"
	EventSelectVideo   = "select_video"
	EventStopVideo     = "stop_video"
	EventPlay          = "play"
	EventPause         = "pause"
	EventSeek          = "seek"
	EventChangeStreams = "change_streams"
	EventChatMessage   = "chat_message"
	EventVideoEnded    = "video_ended"
	EventToggleLibrary = "toggle_library"
)

// Server-emitted event names.
const (
	EventConnected      = "connected"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventSyncState      = "sync_state"
	EventVideoSelected  = "video_selected"
	EventStreamsChanged = "streams_changed"
	EventForcePauseSeek = "force_pause_before_seek"
	EventVideoStopped   = "video_stopped"
	EventError          = "error"
)

// Inbound is one decoded frame from a viewer connection. Data stays raw until
// the router dispatches on the event name.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Envelope is one frame sent to a viewer connection.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Command payloads sent by viewers. party_id is accepted in any case and
// normalized server-side.

type JoinPayload struct {
	PartyID  string `json:"party_id"`
	Username string `json:"username"`
}

type PartyPayload struct {
	PartyID string `json:"party_id"`
}

type SelectVideoPayload struct {
	PartyID       string `json:"party_id"`
	ItemID        string `json:"item_id"`
	ItemName      string `json:"item_name"`
	ItemOverview  string `json:"item_overview"`
	AudioIndex    *int   `json:"audio_index"`
	SubtitleIndex *int   `json:"subtitle_index"`
}

type ChangeStreamsPayload struct {
	PartyID       string `json:"party_id"`
	AudioIndex    *int   `json:"audio_index"`
	SubtitleIndex *int   `json:"subtitle_index"`
}

type PlaybackPayload struct {
	PartyID string  `json:"party_id"`
	Time    float64 `json:"time"`
}

type ChatPayload struct {
	PartyID string `json:"party_id"`
	Message string `json:"message"`
}

type ToggleLibraryPayload struct {
	PartyID string `json:"party_id"`
	Show    bool   `json:"show"`
}

// Server-emitted payloads.

type ConnectedPayload struct {
	SID string `json:"sid"`
}

type PresencePayload struct {
	Username string   `json:"username"`
	Users    []string `json:"users"`
}

type VideoPayload struct {
	ItemID        string `json:"item_id"`
	Title         string `json:"title"`
	Overview      string `json:"overview"`
	StreamURL     string `json:"stream_url"`
	AudioIndex    *int   `json:"audio_index"`
	SubtitleIndex *int   `json:"subtitle_index"`
	MediaSourceID string `json:"media_source_id"`
}

type SyncStatePayload struct {
	CurrentVideo  *VideoPayload       `json:"current_video"`
	PlaybackState party.PlaybackState `json:"playback_state"`
}

type VideoSelectedPayload struct {
	Video VideoPayload `json:"video"`
}

type StreamsChangedPayload struct {
	Video       VideoPayload `json:"video"`
	CurrentTime float64      `json:"current_time"`
}

type TimePayload struct {
	Time float64 `json:"time"`
}

type SeekPayload struct {
	Time    float64 `json:"time"`
	Playing bool    `json:"playing"`
	// BufferDelayMS is a fixed client-side delay before resuming after a
	// seek, so all viewers absorb re-buffering uniformly.
	BufferDelayMS int `json:"buffer_delay,omitempty"`
}

type VideoStoppedPayload struct {
	Message   string `json:"message"`
	StoppedBy string `json:"stopped_by"`
}

type ChatMessagePayload struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type VideoEndedPayload struct {
	PartyID   string `json:"party_id"`
	Timestamp string `json:"timestamp"`
}

type LibraryStatePayload struct {
	Show bool `json:"show"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
