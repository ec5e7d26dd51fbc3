// Package sync is the event-driven core of the watch party server. The
// Router receives viewer connect/disconnect/command events, mutates rooms
// through their operations, and decides what to broadcast to which viewers.
// Command handling is serialized per room, so a single room's transitions
// and broadcasts are totally ordered while unrelated rooms proceed in
// parallel.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	"watchparty/internal/emby"
	"watchparty/internal/party"
	"watchparty/internal/platform/metrics"
	"watchparty/internal/token"
)

// seekBufferDelayMS is the fixed client-side delay carried in the resume
// event after a seek while playing.
const seekBufferDelayMS = 1500

// Backend is the slice of the media backend the router depends on:
// resolving playable parameters and releasing transcode sessions.
type Backend interface {
	GetPlaybackInfo(ctx context.Context, itemID string) (*emby.PlaybackInfo, error)
	StreamQuery(src emby.MediaSource, playSessionID string, audioIndex, subtitleIndex *int) url.Values
	StopActiveEncodings(ctx context.Context)
}

// Config carries the router's tunables.
type Config struct {
	// MaxViewersPerParty caps room occupancy; 0 means unlimited.
	MaxViewersPerParty int
	// StreamPathPrefix is the proxy's external prefix, e.g. "/hls".
	StreamPathPrefix string
}

// Router wires the room registry, token authority and media backend together
// and implements every viewer-originated operation.
type Router struct {
	registry   *party.Registry
	tokens     *token.Authority
	backend    Backend
	met        *metrics.Metrics
	log        *slog.Logger
	maxViewers int
	pathPrefix string
	now        func() time.Time

	mu       gosync.RWMutex
	sessions map[string]*Session

	lockMu    gosync.Mutex
	roomLocks map[string]*gosync.Mutex
}

// NewRouter returns a Router. Metrics may be nil to disable recording.
func NewRouter(reg *party.Registry, tokens *token.Authority, backend Backend, met *metrics.Metrics, log *slog.Logger, cfg Config) *Router {
	prefix := cfg.StreamPathPrefix
	if prefix == "" {
		prefix = "/hls"
	}
	return &Router{
		registry:   reg,
		tokens:     tokens,
		backend:    backend,
		met:        met,
		log:        log,
		maxViewers: cfg.MaxViewersPerParty,
		pathPrefix: prefix,
		now:        time.Now,
		sessions:   make(map[string]*Session),
		roomLocks:  make(map[string]*gosync.Mutex),
	}
}

// Register attaches a new viewer connection and confirms it privately.
func (rt *Router) Register(sess *Session) {
	rt.mu.Lock()
	rt.sessions[sess.ID] = sess
	rt.mu.Unlock()

	rt.log.Info("client connected", "sid", sess.ID)
	sess.Enqueue(Envelope{Event: EventConnected, Data: ConnectedPayload{SID: sess.ID}})
}

// Unregister detaches a connection, removing it from every room it belongs
// to. Remaining members are told; the departing connection hears nothing.
func (rt *Router) Unregister(sess *Session) {
	// Snapshot the rooms before mutating any of them; the sweep must not
	// iterate live shared state.
	for _, room := range rt.registry.Rooms() {
		rt.removeFromRoom(room, sess)
	}

	rt.mu.Lock()
	delete(rt.sessions, sess.ID)
	rt.mu.Unlock()

	sess.Close()
	rt.log.Info("client disconnected", "sid", sess.ID)
}

// SessionCount returns the number of attached connections. Used for metrics.
func (rt *Router) SessionCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.sessions)
}

// HandleEvent dispatches one decoded viewer frame. Validation failures are
// reported privately to the originating session only and never mutate
// shared state.
func (rt *Router) HandleEvent(ctx context.Context, sess *Session, in Inbound) {
	if rt.met != nil {
		rt.met.IncEvent(in.Event)
	}

	var err error
	switch in.Event {
	case EventJoinParty:
		var p JoinPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.Join(sess, p.PartyID, p.Username)
		}
	case EventLeaveParty:
		var p PartyPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			rt.Leave(sess, p.PartyID)
		}
	case EventSelectVideo:
		var p SelectVideoPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.SelectVideo(ctx, sess, p)
		}
	case EventChangeStreams:
		var p ChangeStreamsPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.ChangeStreams(ctx, sess, p)
		}
	case EventStopVideo:
		var p PartyPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.StopVideo(ctx, sess, p.PartyID)
		}
	case EventPlay:
		var p PlaybackPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.Play(sess, p.PartyID, p.Time)
		}
	case EventPause:
		var p PlaybackPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.Pause(sess, p.PartyID, p.Time)
		}
	case EventSeek:
		var p PlaybackPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.Seek(sess, p.PartyID, p.Time)
		}
	case EventChatMessage:
		var p ChatPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.Chat(sess, p.PartyID, p.Message)
		}
	case EventVideoEnded:
		var p PartyPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.VideoEnded(sess, p.PartyID)
		}
	case EventToggleLibrary:
		var p ToggleLibraryPayload
		if err = json.Unmarshal(in.Data, &p); err == nil {
			err = rt.ToggleLibrary(sess, p.PartyID, p.Show)
		}
	default:
		rt.log.Debug("ignoring unknown event", "event", in.Event, "sid", sess.ID)
		return
	}

	if err != nil {
		rt.log.Debug("event rejected", "event", in.Event, "sid", sess.ID, "error", err)
		sess.Enqueue(Envelope{Event: EventError, Data: ErrorPayload{Message: err.Error()}})
	}
}

// Join adds the session to a room. An empty display name is synthesized.
// On success the whole room (including the joiner) learns about the new
// viewer, and the joiner alone receives a sync snapshot with its own stream
// credential and a drift-reconciled playback position.
func (rt *Router) Join(sess *Session, roomID, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		username = party.RandomName()
		rt.log.Info("generated viewer name", "name", username, "sid", sess.ID)
	}

	room, unlock, ok := rt.lockLiveRoom(roomID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	if err := room.AddViewer(sess.ID, username, rt.maxViewers); err != nil {
		if errors.Is(err, party.ErrRoomFull) {
			return fmt.Errorf("party is full (max %d users)", rt.maxViewers)
		}
		return err
	}

	rt.broadcast(room, Envelope{
		Event: EventUserJoined,
		Data:  PresencePayload{Username: username, Users: room.ViewerNames()},
	})

	video, playback := room.SyncSnapshot(rt.now())
	state := SyncStatePayload{PlaybackState: playback}
	if video != nil {
		vp := rt.videoPayload(room.ID(), sess.ID, video)
		state.CurrentVideo = &vp
	}
	sess.Enqueue(Envelope{Event: EventSyncState, Data: state})

	rt.log.Info("viewer joined", "party", room.ID(), "name", username, "sid", sess.ID)
	return nil
}

// Leave removes the session from the room, if it is a member.
func (rt *Router) Leave(sess *Session, roomID string) {
	if room, ok := rt.registry.Get(roomID); ok {
		rt.removeFromRoom(room, sess)
	}
}

// SelectVideo resolves playable parameters from the backend, replaces the
// room's video descriptor, resets playback to paused at zero, and sends each
// viewer its own privately tokenized stream URL.
func (rt *Router) SelectVideo(ctx context.Context, sess *Session, p SelectVideoPayload) error {
	room, unlock, ok := rt.lockLiveRoom(p.PartyID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	urlBase, audio, srcID, err := rt.resolveStream(ctx, p.ItemID, p.AudioIndex, p.SubtitleIndex)
	if err != nil {
		rt.log.Error("could not resolve playback info", "item", p.ItemID, "error", err)
		return errors.New("failed to load video")
	}

	// Release the previous transcode session before switching, best-effort.
	if room.Video() != nil {
		rt.backend.StopActiveEncodings(ctx)
	}

	desc := &party.VideoDescriptor{
		ItemID:        p.ItemID,
		Title:         p.ItemName,
		Overview:      p.ItemOverview,
		StreamURLBase: urlBase,
		AudioIndex:    audio,
		SubtitleIndex: p.SubtitleIndex,
		MediaSourceID: srcID,
		SelectedBy:    sess.ID,
	}
	room.SetVideo(desc, rt.now())

	// Per-viewer fan-out: each viewer gets its own credential, never
	// another viewer's.
	for _, viewerID := range room.ViewerIDs() {
		rt.sendTo(viewerID, Envelope{
			Event: EventVideoSelected,
			Data:  VideoSelectedPayload{Video: rt.videoPayload(room.ID(), viewerID, desc)},
		})
	}

	rt.log.Info("video selected", "party", room.ID(), "item", p.ItemID, "title", p.ItemName)
	return nil
}

// ChangeStreams rebuilds the manifest URL for new audio/subtitle selections,
// preserving title, overview and playback position, and fans the new URL out
// per viewer like SelectVideo.
func (rt *Router) ChangeStreams(ctx context.Context, sess *Session, p ChangeStreamsPayload) error {
	room, unlock, ok := rt.lockLiveRoom(p.PartyID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	current := room.Video()
	if current == nil {
		return party.ErrNoVideo
	}

	urlBase, _, srcID, err := rt.resolveStream(ctx, current.ItemID, p.AudioIndex, p.SubtitleIndex)
	if err != nil {
		rt.log.Error("could not resolve playback info", "item", current.ItemID, "error", err)
		return errors.New("failed to change streams")
	}

	desc, ok := room.UpdateVideoStreams(urlBase, srcID, p.AudioIndex, p.SubtitleIndex)
	if !ok {
		return party.ErrNoVideo
	}

	currentTime := room.Playback().Position
	for _, viewerID := range room.ViewerIDs() {
		rt.sendTo(viewerID, Envelope{
			Event: EventStreamsChanged,
			Data: StreamsChangedPayload{
				Video:       rt.videoPayload(room.ID(), viewerID, desc),
				CurrentTime: currentTime,
			},
		})
	}

	rt.log.Info("streams changed", "party", room.ID(), "item", current.ItemID)
	return nil
}

// Play overwrites playback state and tells every other viewer; the
// originator already applied the change locally.
func (rt *Router) Play(sess *Session, roomID string, position float64) error {
	return rt.setPlayback(sess, roomID, EventPlay, true, position)
}

// Pause overwrites playback state and tells every other viewer.
func (rt *Router) Pause(sess *Session, roomID string, position float64) error {
	return rt.setPlayback(sess, roomID, EventPause, false, position)
}

func (rt *Router) setPlayback(sess *Session, roomID, event string, playing bool, position float64) error {
	room, unlock, ok := rt.lockLiveRoom(roomID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	room.SetPlayback(playing, position, rt.now())
	rt.broadcast(room, Envelope{Event: event, Data: TimePayload{Time: position}}, sess.ID)
	return nil
}

// Seek overwrites position while preserving the playing flag. A seek during
// playback forces a synchronized pause on every viewer, the seeker included,
// immediately followed by a resume carrying a fixed buffering delay, so all
// players absorb re-buffering at the same moment instead of drifting apart.
func (rt *Router) Seek(sess *Session, roomID string, position float64) error {
	room, unlock, ok := rt.lockLiveRoom(roomID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	wasPlaying := room.Seek(position, rt.now())
	if wasPlaying {
		rt.broadcast(room, Envelope{Event: EventForcePauseSeek, Data: TimePayload{Time: position}})
		rt.broadcast(room, Envelope{Event: EventSeek, Data: SeekPayload{
			Time:          position,
			Playing:       true,
			BufferDelayMS: seekBufferDelayMS,
		}})
	} else {
		rt.broadcast(room, Envelope{Event: EventSeek, Data: SeekPayload{Time: position, Playing: false}})
	}
	return nil
}

// StopVideo clears the current video. Only the viewer who selected it may
// stop it; anyone else gets a private error and no state changes.
func (rt *Router) StopVideo(ctx context.Context, sess *Session, roomID string) error {
	room, unlock, ok := rt.lockLiveRoom(roomID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	cleared, err := room.ClearVideo(sess.ID, rt.now())
	if err != nil {
		return err
	}

	rt.backend.StopActiveEncodings(ctx)

	name, _ := room.ViewerName(sess.ID)
	rt.broadcast(room, Envelope{Event: EventVideoStopped, Data: VideoStoppedPayload{
		Message:   name + " stopped the video",
		StoppedBy: name,
	}})

	rt.log.Info("video stopped", "party", room.ID(), "title", cleared.Title, "by", name)
	return nil
}

// Chat broadcasts a message to the whole room, sender included, so everyone
// shares one echo ordering.
func (rt *Router) Chat(sess *Session, roomID, message string) error {
	room, unlock, ok := rt.lockLiveRoom(roomID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	// Membership is checked under the room lock so a concurrent leave
	// cannot slip between the check and the broadcast.
	name, member := room.ViewerName(sess.ID)
	if !member {
		return errors.New("not a member of this party")
	}

	rt.broadcast(room, Envelope{Event: EventChatMessage, Data: ChatMessagePayload{
		Username:  name,
		Message:   message,
		Timestamp: rt.now().Format(time.RFC3339),
	}})
	return nil
}

// VideoEnded resets playback to paused at zero so the position does not
// carry over to the next video, and tells the room.
func (rt *Router) VideoEnded(sess *Session, roomID string) error {
	room, unlock, ok := rt.lockLiveRoom(roomID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	room.ResetPlayback(rt.now())
	rt.broadcast(room, Envelope{Event: EventVideoEnded, Data: VideoEndedPayload{
		PartyID:   room.ID(),
		Timestamp: rt.now().Format(time.RFC3339),
	}})
	return nil
}

// ToggleLibrary mirrors one viewer's library sidebar visibility to the whole
// room, sender included, so every client shows or hides it together.
func (rt *Router) ToggleLibrary(sess *Session, roomID string, show bool) error {
	room, unlock, ok := rt.lockLiveRoom(roomID)
	if !ok {
		return party.ErrRoomNotFound
	}
	defer unlock()

	rt.broadcast(room, Envelope{Event: EventToggleLibrary, Data: LibraryStatePayload{Show: show}})
	rt.log.Debug("library toggled", "party", room.ID(), "show", show)
	return nil
}

// removeFromRoom drops the session from one room and notifies the remaining
// members. Empties the room from the registry unless it is persistent.
func (rt *Router) removeFromRoom(room *party.Room, sess *Session) {
	unlock := rt.lockRoom(room.ID())
	defer unlock()

	name, wasMember, empty := room.RemoveViewer(sess.ID)
	if !wasMember {
		return
	}

	rt.broadcast(room, Envelope{
		Event: EventUserLeft,
		Data:  PresencePayload{Username: name, Users: room.ViewerNames()},
	}, sess.ID)

	if empty && !room.Persistent() {
		rt.registry.Remove(room.ID())
		rt.dropRoomLock(room.ID())
		rt.log.Info("removed empty party", "party", room.ID())
	}
}

// resolveStream fetches playback info and builds the tokenless manifest URL
// base. The audio track defaults to the backend's marked default (first
// audio stream if none marked); subtitles are never auto-defaulted.
func (rt *Router) resolveStream(ctx context.Context, itemID string, audioIndex, subtitleIndex *int) (urlBase string, audio *int, mediaSourceID string, err error) {
	info, err := rt.backend.GetPlaybackInfo(ctx, itemID)
	if err != nil {
		return "", nil, "", err
	}
	src := info.MediaSources[0]

	audio = audioIndex
	if audio == nil {
		audio = src.DefaultAudioIndex()
	}

	q := rt.backend.StreamQuery(src, info.PlaySessionID, audio, subtitleIndex)
	urlBase = rt.pathPrefix + "/" + itemID + "/master.m3u8?" + q.Encode()
	return urlBase, audio, src.ID, nil
}

// videoPayload attaches the viewer's own credential to the base URL. Reuses
// a live token when one exists so repeated fan-outs do not grow the table.
// A nil authority means token gating is disabled and the base URL is shared.
func (rt *Router) videoPayload(roomID, viewerID string, v *party.VideoDescriptor) VideoPayload {
	streamURL := v.StreamURLBase
	if rt.tokens != nil {
		streamURL += "&token=" + rt.tokens.GetOrIssue(roomID, viewerID)
	}
	return VideoPayload{
		ItemID:        v.ItemID,
		Title:         v.Title,
		Overview:      v.Overview,
		StreamURL:     streamURL,
		AudioIndex:    v.AudioIndex,
		SubtitleIndex: v.SubtitleIndex,
		MediaSourceID: v.MediaSourceID,
	}
}

// broadcast fans an envelope out to every member of the room except the
// listed connection ids. Delivery per viewer is independent and best-effort.
func (rt *Router) broadcast(room *party.Room, env Envelope, skip ...string) {
	if rt.met != nil {
		rt.met.IncBroadcasts()
	}
	skipSet := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipSet[id] = true
	}
	for _, viewerID := range room.ViewerIDs() {
		if skipSet[viewerID] {
			continue
		}
		rt.sendTo(viewerID, env)
	}
}

func (rt *Router) sendTo(viewerID string, env Envelope) {
	rt.mu.RLock()
	sess, ok := rt.sessions[viewerID]
	rt.mu.RUnlock()
	if !ok {
		return
	}
	if !sess.Enqueue(env) {
		if rt.met != nil {
			rt.met.IncDroppedDeliveries()
		}
		rt.log.Debug("dropped delivery to slow viewer", "sid", viewerID, "event", env.Event)
	}
}

// lockLiveRoom resolves a room and serializes command handling on it. The
// registration is re-checked once the lock is held: a concurrent last-member
// disconnect may remove the room between lookup and lock, and a command must
// never operate on a room the registry no longer knows.
func (rt *Router) lockLiveRoom(roomID string) (room *party.Room, unlock func(), ok bool) {
	room, ok = rt.registry.Get(roomID)
	if !ok {
		return nil, nil, false
	}
	unlock = rt.lockRoom(room.ID())
	if cur, live := rt.registry.Get(room.ID()); !live || cur != room {
		unlock()
		return nil, nil, false
	}
	return room, unlock, true
}

// lockRoom serializes command handling for one room: the state change and
// its broadcasts happen atomically with respect to other commands on the
// same room.
func (rt *Router) lockRoom(roomID string) (unlock func()) {
	rt.lockMu.Lock()
	l, ok := rt.roomLocks[roomID]
	if !ok {
		l = &gosync.Mutex{}
		rt.roomLocks[roomID] = l
	}
	rt.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (rt *Router) dropRoomLock(roomID string) {
	rt.lockMu.Lock()
	delete(rt.roomLocks, roomID)
	rt.lockMu.Unlock()
}

