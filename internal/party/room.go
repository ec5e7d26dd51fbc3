package party

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRoomFull is returned when a join would exceed the configured
	// maximum occupancy.
	ErrRoomFull = errors.New("party is full")

	// ErrNoVideo is returned when an operation needs a current video and
	// the room has none.
	ErrNoVideo = errors.New("no video is currently playing")

	// ErrNotSelector is returned when a viewer other than the one who
	// selected the current video tries to stop it.
	ErrNotSelector = errors.New("only the viewer who selected the video can stop it")
)

// Room owns the set of connected viewers, the currently selected video and
// the playback state of one watch party. All mutation goes through methods
// that hold the room mutex, so a single room's transitions are totally
// ordered while unrelated rooms proceed in parallel.
type Room struct {
	id         string
	createdAt  time.Time
	persistent bool

	mu       sync.RWMutex
	viewers  map[string]string // connection id -> display name
	video    *VideoDescriptor
	playback PlaybackState
}

func newRoom(id string, persistent bool, now time.Time) *Room {
	return &Room{
		id:         id,
		createdAt:  now,
		persistent: persistent,
		viewers:    make(map[string]string),
		playback:   PlaybackState{UpdatedAt: now},
	}
}

// ID returns the room's normalized (uppercase) code.
func (r *Room) ID() string { return r.id }

// CreatedAt returns the room creation timestamp.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Persistent reports whether this room survives being emptied.
func (r *Room) Persistent() bool { return r.persistent }

// AddViewer adds a viewer to the room. maxViewers <= 0 means unlimited.
func (r *Room) AddViewer(connID, name string, maxViewers int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxViewers > 0 && len(r.viewers) >= maxViewers {
		if _, ok := r.viewers[connID]; !ok {
			return ErrRoomFull
		}
	}
	r.viewers[connID] = name
	return nil
}

// RemoveViewer removes a viewer and reports its display name, whether it was
// a member, and whether the room is now empty.
func (r *Room) RemoveViewer(connID string) (name string, wasMember, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, wasMember = r.viewers[connID]
	if wasMember {
		delete(r.viewers, connID)
	}
	return name, wasMember, len(r.viewers) == 0
}

// HasViewer reports whether the connection is currently a member.
func (r *Room) HasViewer(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.viewers[connID]
	return ok
}

// ViewerName returns the display name for a connection, if it is a member.
func (r *Room) ViewerName(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.viewers[connID]
	return name, ok
}

// ViewerNames returns the display names of all current members.
func (r *Room) ViewerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.viewers))
	for _, n := range r.viewers {
		names = append(names, n)
	}
	return names
}

// ViewerIDs returns the connection ids of all current members. The returned
// slice is a snapshot; fan-out over it never races with membership changes.
func (r *Room) ViewerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.viewers))
	for id := range r.viewers {
		ids = append(ids, id)
	}
	return ids
}

// ViewerCount returns the number of current members.
func (r *Room) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// SetVideo replaces the video descriptor wholesale and resets playback to
// paused at zero.
func (r *Room) SetVideo(v *VideoDescriptor, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video = v.Clone()
	r.playback = PlaybackState{UpdatedAt: now}
}

// UpdateVideoStreams rebuilds the manifest URL and track selection of the
// current video, preserving title, overview and selector. Playback position
// is not touched. Returns the updated descriptor, or false if no video is set.
func (r *Room) UpdateVideoStreams(urlBase, mediaSourceID string, audioIndex, subtitleIndex *int) (*VideoDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.video == nil {
		return nil, false
	}
	r.video.StreamURLBase = urlBase
	r.video.MediaSourceID = mediaSourceID
	r.video.AudioIndex = audioIndex
	r.video.SubtitleIndex = subtitleIndex
	return r.video.Clone(), true
}

// Video returns a copy of the current video descriptor, or nil.
func (r *Room) Video() *VideoDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.video.Clone()
}

// ClearVideo clears the video descriptor and resets playback. Only the
// connection recorded as the selector may clear it. Returns the cleared
// descriptor for logging.
func (r *Room) ClearVideo(connID string, now time.Time) (*VideoDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.video == nil {
		return nil, ErrNoVideo
	}
	if r.video.SelectedBy != connID {
		return nil, ErrNotSelector
	}
	cleared := r.video
	r.video = nil
	r.playback = PlaybackState{UpdatedAt: now}
	return cleared, nil
}

// SetPlayback overwrites the playing flag and position with a fresh timestamp.
func (r *Room) SetPlayback(playing bool, position float64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback = PlaybackState{Playing: playing, Position: position, UpdatedAt: now}
}

// Seek overwrites position and timestamp while preserving the playing flag,
// and reports whether the room was playing at the moment of the seek.
func (r *Room) Seek(position float64, now time.Time) (wasPlaying bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasPlaying = r.playback.Playing
	r.playback.Position = position
	r.playback.UpdatedAt = now
	return wasPlaying
}

// ResetPlayback returns playback to paused at zero, e.g. when the video ends.
func (r *Room) ResetPlayback(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback = PlaybackState{UpdatedAt: now}
}

// Playback returns the raw playback snapshot.
func (r *Room) Playback() PlaybackState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.playback
}

// SyncSnapshot returns the current video and a playback snapshot whose
// position has been advanced to now, for bringing a late joiner in sync.
func (r *Room) SyncSnapshot(now time.Time) (*VideoDescriptor, PlaybackState) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.video.Clone(), r.playback.Advanced(now)
}
