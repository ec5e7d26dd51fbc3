package party

import "time"

// VideoDescriptor describes the media currently selected in a room.
// StreamURLBase carries all resolved backend parameters but no access token;
// per-viewer tokens are attached at send time so viewers never see each
// other's credentials.
type VideoDescriptor struct {
	ItemID        string `json:"item_id"`
	Title         string `json:"title"`
	Overview      string `json:"overview"`
	StreamURLBase string `json:"-"`
	AudioIndex    *int   `json:"audio_index"`
	SubtitleIndex *int   `json:"subtitle_index"`
	MediaSourceID string `json:"media_source_id"`

	// SelectedBy is the connection id of the viewer who selected the video.
	// It is the authorization anchor for stop requests and never leaves the server.
	SelectedBy string `json:"-"`
}

// Clone returns a deep copy so callers can hand descriptors across goroutines
// without aliasing room state.
func (v *VideoDescriptor) Clone() *VideoDescriptor {
	if v == nil {
		return nil
	}
	c := *v
	if v.AudioIndex != nil {
		a := *v.AudioIndex
		c.AudioIndex = &a
	}
	if v.SubtitleIndex != nil {
		s := *v.SubtitleIndex
		c.SubtitleIndex = &s
	}
	return &c
}

// PlaybackState is a snapshot: Position is only meaningful relative to
// UpdatedAt. Readers must derive the live position with PositionAt while
// Playing is true.
type PlaybackState struct {
	Playing   bool      `json:"playing"`
	Position  float64   `json:"time"`
	UpdatedAt time.Time `json:"last_update"`
}

// PositionAt derives the playback position as of now: the stored position
// advanced by wall-clock time elapsed since the last update, if and only if
// the room is playing. This is how late joiners reconcile drift without a
// continuous clock feed.
func (p PlaybackState) PositionAt(now time.Time) float64 {
	if !p.Playing {
		return p.Position
	}
	return p.Position + now.Sub(p.UpdatedAt).Seconds()
}

// Advanced returns a copy of the state with Position rolled forward to now.
func (p PlaybackState) Advanced(now time.Time) PlaybackState {
	p.Position = p.PositionAt(now)
	p.UpdatedAt = now
	return p
}
