package emby

import (
	"encoding/json"
	"strings"
)

// Stream types as reported by the backend.
const (
	StreamTypeAudio    = "Audio"
	StreamTypeSubtitle = "Subtitle"
)

// PlaybackInfo is the subset of the backend's PlaybackInfo response the
// server needs to build a stream URL.
type PlaybackInfo struct {
	MediaSources  []MediaSource `json:"MediaSources"`
	PlaySessionID string        `json:"PlaySessionId"`
}

// MediaSource describes one playable source of an item.
type MediaSource struct {
	ID           string        `json:"Id"`
	MediaStreams []MediaStream `json:"MediaStreams"`
}

// MediaStream describes one audio or subtitle stream inside a media source.
type MediaStream struct {
	Index                int    `json:"Index"`
	Type                 string `json:"Type"`
	Codec                string `json:"Codec"`
	Language             string `json:"Language"`
	DisplayLanguage      string `json:"DisplayLanguage"`
	DisplayTitle         string `json:"DisplayTitle"`
	Title                string `json:"Title"`
	Channels             int    `json:"Channels"`
	IsDefault            bool   `json:"IsDefault"`
	IsForced             bool   `json:"IsForced"`
	IsExternal           bool   `json:"IsExternal"`
	IsTextSubtitleStream bool   `json:"IsTextSubtitleStream"`
}

// Intro is one entry from the backend's intro-detection plugin: the
// skippable range of an item in ticks (100-nanosecond units). The backend
// reports item ids as numbers or strings depending on version.
type Intro struct {
	ID    json.Number `json:"Id"`
	Start int64       `json:"Start"`
	End   int64       `json:"End"`
}

// Image-based subtitle codec families that players cannot render as a text
// overlay; these must be burned into the video server-side.
var imageSubtitleCodecs = map[string]bool{
	"pgssub":       true,
	"pgs":          true,
	"dvd_subtitle": true,
	"dvdsub":       true,
	"vobsub":       true,
}

// IsImageBased reports whether this subtitle stream requires server-side
// burn-in rather than client-side overlay rendering.
func (s MediaStream) IsImageBased() bool {
	return imageSubtitleCodecs[strings.ToLower(s.Codec)]
}

// DefaultAudioIndex returns the index of the source's default audio stream,
// falling back to the first audio stream if none is marked default. Returns
// nil if the source has no audio streams at all.
func (m MediaSource) DefaultAudioIndex() *int {
	var first *int
	for i := range m.MediaStreams {
		s := m.MediaStreams[i]
		if s.Type != StreamTypeAudio {
			continue
		}
		if s.IsDefault {
			idx := s.Index
			return &idx
		}
		if first == nil {
			idx := s.Index
			first = &idx
		}
	}
	return first
}

// SubtitleStream returns the subtitle stream with the given index, if any.
func (m MediaSource) SubtitleStream(index int) (MediaStream, bool) {
	for _, s := range m.MediaStreams {
		if s.Type == StreamTypeSubtitle && s.Index == index {
			return s, true
		}
	}
	return MediaStream{}, false
}

// DisplayName returns the best human-readable label for a stream.
func (s MediaStream) DisplayName() string {
	lang := s.Language
	if s.DisplayLanguage != "" {
		lang = s.DisplayLanguage
	} else if s.DisplayTitle != "" {
		lang = s.DisplayTitle
	}
	if lang == "" || lang == "und" {
		return "Unknown"
	}
	return lang
}
