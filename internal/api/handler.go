// Package api exposes the REST surface used by the browser client: library
// browsing proxied from the media backend, stream track listings, and party
// lifecycle endpoints.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"watchparty/internal/emby"
	"watchparty/internal/party"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the REST endpoints using go-chi.
type Handler struct {
	backend  *emby.Client
	registry *party.Registry
	log      *slog.Logger
}

// NewHandler returns a Handler over the given backend client and registry.
func NewHandler(backend *emby.Client, registry *party.Registry, log *slog.Logger) *Handler {
	return &Handler{backend: backend, registry: registry, log: log}
}

// Routes mounts the REST endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/libraries", h.GetLibraries)
	r.Get("/api/items", h.GetItems)
	r.Get("/api/search", h.Search)
	r.Get("/api/item/{itemID}", h.GetItem)
	r.Get("/api/item/{itemID}/streams", h.GetItemStreams)
	r.Get("/api/intro/{itemID}", h.GetIntro)
	r.Get("/api/image/{itemID}", h.GetImage)
	r.Get("/api/subtitles/{itemID}/{sourceID}/{index}", h.GetSubtitles)
	r.Post("/api/party/create", h.CreateParty)
	r.Get("/api/party/{partyID}/info", h.GetPartyInfo)
}

// GetLibraries handles GET /api/libraries, returning the backend's media
// folders verbatim.
func (h *Handler) GetLibraries(w http.ResponseWriter, r *http.Request) {
	raw, err := h.backend.GetLibraries(r.Context())
	if err != nil {
		h.upstreamError(w, "list libraries", err)
		return
	}
	writeRawJSON(w, raw)
}

// GetItems handles GET /api/items?parent_id=&type=&recursive=.
func (h *Handler) GetItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recursive, _ := strconv.ParseBool(q.Get("recursive"))
	raw, err := h.backend.GetItems(r.Context(), q.Get("parent_id"), q.Get("type"), recursive)
	if err != nil {
		h.upstreamError(w, "list items", err)
		return
	}
	writeRawJSON(w, raw)
}

// Search handles GET /api/search?q=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, `{"error":"missing query"}`, http.StatusBadRequest)
		return
	}
	raw, err := h.backend.SearchItems(r.Context(), query)
	if err != nil {
		h.upstreamError(w, "search items", err)
		return
	}
	writeRawJSON(w, raw)
}

// GetItem handles GET /api/item/{itemID}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	raw, err := h.backend.GetItemDetails(r.Context(), itemID)
	if err != nil {
		h.upstreamError(w, "item details", err)
		return
	}
	writeRawJSON(w, raw)
}

// StreamOption is one selectable audio or subtitle track.
type StreamOption struct {
	Index       int    `json:"index"`
	Language    string `json:"language"`
	Codec       string `json:"codec"`
	DisplayName string `json:"display_name"`
	Channels    int    `json:"channels,omitempty"`
	IsDefault   bool   `json:"is_default"`
	IsForced    bool   `json:"is_forced,omitempty"`
	IsExternal  bool   `json:"is_external,omitempty"`
	IsPGS       bool   `json:"is_pgs,omitempty"`
}

// StreamListing is the response of GET /api/item/{itemID}/streams.
type StreamListing struct {
	MediaSourceID   string         `json:"media_source_id"`
	AudioStreams    []StreamOption `json:"audio_streams"`
	SubtitleStreams []StreamOption `json:"subtitle_streams"`
}

// GetItemStreams handles GET /api/item/{itemID}/streams, classifying the
// item's tracks for the client's audio and subtitle pickers. Image-based
// subtitles are flagged so the client knows selecting one restarts the
// transcode with burn-in.
func (h *Handler) GetItemStreams(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	info, err := h.backend.GetPlaybackInfo(r.Context(), itemID)
	if err != nil {
		h.upstreamError(w, "playback info", err)
		return
	}

	src := info.MediaSources[0]
	listing := StreamListing{
		MediaSourceID:   src.ID,
		AudioStreams:    []StreamOption{},
		SubtitleStreams: []StreamOption{},
	}
	for _, s := range src.MediaStreams {
		opt := StreamOption{
			Index:       s.Index,
			Language:    s.Language,
			Codec:       s.Codec,
			DisplayName: s.DisplayName(),
			IsDefault:   s.IsDefault,
		}
		switch s.Type {
		case emby.StreamTypeAudio:
			opt.Channels = s.Channels
			listing.AudioStreams = append(listing.AudioStreams, opt)
		case emby.StreamTypeSubtitle:
			opt.IsForced = s.IsForced
			opt.IsExternal = s.IsExternal
			opt.IsPGS = s.IsImageBased()
			listing.SubtitleStreams = append(listing.SubtitleStreams, opt)
		}
	}

	writeJSON(w, listing)
}

// ticksPerSecond converts the backend's 100-nanosecond tick unit to seconds.
const ticksPerSecond = 10_000_000

// IntroInfo is the response of GET /api/intro/{itemID}. Times are seconds.
// Start, End and Duration are only meaningful when HasIntro is true; an
// intro may legitimately start at 0.0, so the fields are always emitted.
type IntroInfo struct {
	HasIntro bool    `json:"hasIntro"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// GetIntro handles GET /api/intro/{itemID}, reporting the item's skippable
// intro range if the backend's intro plugin knows it. Lookup failures degrade
// to "no intro" rather than an error so playback never blocks on the plugin.
func (h *Handler) GetIntro(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	intros, err := h.backend.GetIntros(r.Context())
	if err != nil {
		h.log.Debug("intro lookup failed", slog.String("item_id", itemID), slog.String("error", err.Error()))
		writeJSON(w, IntroInfo{HasIntro: false})
		return
	}

	for _, intro := range intros {
		if intro.ID.String() != itemID {
			continue
		}
		start := float64(intro.Start) / ticksPerSecond
		end := float64(intro.End) / ticksPerSecond
		writeJSON(w, IntroInfo{HasIntro: true, Start: start, End: end, Duration: end - start})
		return
	}
	writeJSON(w, IntroInfo{HasIntro: false})
}

// GetImage handles GET /api/image/{itemID}?type=, defaulting to the primary
// image. Bytes and content type pass through from the backend.
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	imageType := r.URL.Query().Get("type")
	if imageType == "" {
		imageType = "Primary"
	}

	resp, err := h.backend.FetchImage(r.Context(), itemID, imageType)
	if err != nil {
		h.log.Debug("image fetch failed", slog.String("item_id", itemID), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, resp.Body)
}

// GetSubtitles handles GET /api/subtitles/{itemID}/{sourceID}/{index},
// returning the text subtitle stream converted to WebVTT.
func (h *Handler) GetSubtitles(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	sourceID := chi.URLParam(r, "sourceID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, `{"error":"invalid stream index"}`, http.StatusBadRequest)
		return
	}

	resp, err := h.backend.FetchSubtitles(r.Context(), itemID, sourceID, index)
	if err != nil {
		h.upstreamError(w, "subtitles", err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/vtt")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, resp.Body)
}

// PartyCreated is the response of POST /api/party/create.
type PartyCreated struct {
	PartyID string `json:"party_id"`
	URL     string `json:"url"`
}

// CreateParty handles POST /api/party/create, registering a new party under
// a fresh short code.
func (h *Handler) CreateParty(w http.ResponseWriter, r *http.Request) {
	room := h.registry.Create()
	h.log.Info("party created", slog.String("party_id", room.ID()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(PartyCreated{
		PartyID: room.ID(),
		URL:     "/party/" + room.ID(),
	})
}

// PartyInfo is the response of GET /api/party/{partyID}/info.
type PartyInfo struct {
	PartyID    string   `json:"party_id"`
	UserCount  int      `json:"user_count"`
	Users      []string `json:"users"`
	HasVideo   bool     `json:"has_video"`
	VideoTitle string   `json:"video_title,omitempty"`
}

// GetPartyInfo handles GET /api/party/{partyID}/info. The code is matched
// case-insensitively.
func (h *Handler) GetPartyInfo(w http.ResponseWriter, r *http.Request) {
	room, ok := h.registry.Get(chi.URLParam(r, "partyID"))
	if !ok {
		http.Error(w, `{"error":"party not found"}`, http.StatusNotFound)
		return
	}

	info := PartyInfo{
		PartyID:   room.ID(),
		UserCount: room.ViewerCount(),
		Users:     room.ViewerNames(),
	}
	if v := room.Video(); v != nil {
		info.HasVideo = true
		info.VideoTitle = v.Title
	}
	writeJSON(w, info)
}

func (h *Handler) upstreamError(w http.ResponseWriter, op string, err error) {
	h.log.Error("backend request failed", slog.String("op", op), slog.String("error", err.Error()))
	http.Error(w, `{"error":"media backend unavailable"}`, http.StatusBadGateway)
}

func writeRawJSON(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

