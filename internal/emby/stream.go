package emby

import (
	"net/url"
	"strconv"
)

// SubtitleNone is the client-side sentinel for "no subtitle selected".
const SubtitleNone = -1

// HasSubtitle reports whether a subtitle index selection is an actual track.
// Subtitles are never auto-defaulted: nil and SubtitleNone both mean none.
func HasSubtitle(index *int) bool {
	return index != nil && *index != SubtitleNone
}

// StreamQuery builds the backend query parameters for an item's HLS manifest:
// codec and channel constraints for broad player compatibility, the selected
// audio track, and subtitle burn-in for image-based tracks only. Text
// subtitles are left out entirely so the client can load them as a separate
// WebVTT overlay. The backend API key is deliberately absent; the proxy
// injects it as a header on fetch.
func (c *Client) StreamQuery(src MediaSource, playSessionID string, audioIndex, subtitleIndex *int) url.Values {
	q := url.Values{}
	q.Set("MediaSourceId", src.ID)
	q.Set("PlaySessionId", playSessionID)
	q.Set("DeviceId", c.deviceID)
	q.Set("SegmentContainer", "ts")
	q.Set("TranscodingMaxAudioChannels", "2")
	q.Set("AudioCodec", "aac,mp3")
	q.Set("BreakOnNonKeyFrames", "True")
	q.Set("VideoCodec", "h264")
	q.Set("MaxAudioChannels", "2")

	if audioIndex != nil {
		q.Set("AudioStreamIndex", strconv.Itoa(*audioIndex))
	}

	if HasSubtitle(subtitleIndex) {
		if s, ok := src.SubtitleStream(*subtitleIndex); ok && s.IsImageBased() {
			q.Set("SubtitleStreamIndex", strconv.Itoa(*subtitleIndex))
			q.Set("SubtitleMethod", "Encode")
		}
	}

	return q
}
