// Package proxy serves the token-gated HLS streaming path. Viewers fetch
// manifests and segments from here; the proxy validates their token, fetches
// from the media backend with server-side credentials, rewrites playlist
// references back through itself, and streams segment bytes unmodified.
package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"watchparty/internal/emby"
	"watchparty/internal/hls"
	"watchparty/internal/platform/metrics"
	"watchparty/internal/token"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// segmentChunkSize is the copy buffer for streaming segment bytes.
	segmentChunkSize = 8192
)

// Validator checks a stream access token for an item's room context.
// A nil Validator on the Handler disables gating entirely.
type Validator interface {
	Validate(tok string, members token.Membership) bool
}

// Handler exposes the /hls streaming endpoints using go-chi.
type Handler struct {
	backend  *emby.Client
	rewriter hls.Rewriter
	tokens   Validator
	members  token.Membership
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a streaming proxy handler. tokens may be nil to disable
// token gating; metrics may be nil to disable metric recording.
func NewHandler(backend *emby.Client, tokens Validator, members token.Membership, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		backend: backend,
		rewriter: hls.Rewriter{
			BackendBase: backend.BaseURL(),
			ProxyPrefix: "/hls",
		},
		tokens:  tokens,
		members: members,
		log:     log,
		metrics: m,
	}
}

// Routes mounts the streaming endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/hls/{itemID}/master.m3u8", h.ServeStream)
	r.Get("/hls/{itemID}/*", h.ServeStream)
	r.Options("/hls/{itemID}/*", h.preflight)
	r.Options("/hls/{itemID}/master.m3u8", h.preflight)
}

// ServeStream handles GET /hls/{itemID}/{subpath}. Manifests are rewritten;
// everything else is streamed through in chunks.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if itemID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	subpath := chi.URLParam(r, "*")
	if subpath == "" {
		subpath = "master.m3u8"
	}

	// The subpath is concatenated into the backend URL under this item's
	// video path. Dot segments would let a caller escape that prefix and
	// reach arbitrary backend endpoints with the server's credentials.
	if !safePath(itemID) || !safePath(subpath) {
		h.log.Warn("rejected traversal in stream path",
			slog.String("item_id", itemID),
			slog.String("path", subpath),
			slog.String("remote", r.RemoteAddr))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	tok := query.Get("token")
	query.Del("token")

	if h.tokens != nil {
		if !h.tokens.Validate(tok, h.members) {
			if h.metrics != nil {
				h.metrics.IncTokenRejections()
			}
			h.log.Debug("rejected stream request", slog.String("item_id", itemID), slog.String("path", subpath))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	isPlaylist := hls.IsPlaylist(subpath)
	if h.metrics != nil {
		if isPlaylist {
			h.metrics.IncProxyRequests("manifest")
		} else {
			h.metrics.IncProxyRequests("segment")
		}
	}

	resp, err := h.backend.FetchVideo(r.Context(), itemID, subpath, query)
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncUpstreamFailures()
		}
		h.log.Error("backend fetch failed",
			slog.String("item_id", itemID),
			slog.String("path", subpath),
			slog.String("error", err.Error()))
		if errors.Is(err, emby.ErrUpstream) {
			w.WriteHeader(http.StatusBadGateway)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	defer resp.Body.Close()

	h.corsHeaders(w)

	if isPlaylist {
		h.servePlaylist(w, resp, itemID, tok)
		return
	}
	h.serveSegment(w, resp)
}

func (h *Handler) servePlaylist(w http.ResponseWriter, resp *http.Response, itemID, tok string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.log.Error("reading backend manifest failed", slog.String("item_id", itemID), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	rewritten := h.rewriter.Rewrite(string(body), itemID, tok)

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(rewritten))
}

func (h *Handler) serveSegment(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, segmentChunkSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		// The viewer seeking or closing the player aborts segment reads
		// mid-flight; this is routine.
		h.log.Debug("segment copy ended early", slog.String("error", err.Error()))
	}
}

func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) {
	h.corsHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Range")
}

// safePath reports whether every segment of p names a plain path element.
// Dot segments and empty segments are refused so the forwarded path can
// never resolve outside the item's video prefix on the backend.
func safePath(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
