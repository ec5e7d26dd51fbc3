package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"watchparty/internal/emby"
	"watchparty/internal/token"

	"github.com/go-chi/chi/v5"
)

const backendManifest = "#EXTM3U\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=2000000\n" +
	"/emby/Videos/item1/main.m3u8?MediaSourceId=src1\n"

type memberSet map[string]bool

func (m memberSet) IsMember(roomID, connID string) bool { return m[roomID+"/"+connID] }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newBackendServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/emby/Videos/item1/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("token") {
			t.Error("viewer token must not be forwarded to the backend")
		}
		if r.Header.Get("X-Emby-Token") != "secret" {
			t.Error("backend request missing api key header")
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, backendManifest)
	})
	mux.HandleFunc("/emby/Videos/item1/seg-001.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("segmentbytes"))
	})
	return httptest.NewServer(mux)
}

func testHandler(t *testing.T, backendURL string, tokens Validator, members token.Membership) http.Handler {
	t.Helper()
	client := emby.New(backendURL, "secret", time.Second, testLogger())
	h := NewHandler(client, tokens, members, testLogger(), nil)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestServeStream_RewritesManifest(t *testing.T) {
	backend := newBackendServer(t)
	defer backend.Close()

	members := memberSet{"ROOM1/conn1": true}
	auth := token.NewAuthority(time.Hour)
	tok := auth.Issue("ROOM1", "conn1")

	srv := testHandler(t, backend.URL, auth, members)

	req := httptest.NewRequest(http.MethodGet, "/hls/item1/master.m3u8?MediaSourceId=src1&token="+tok, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "/emby/Videos/") {
		t.Error("manifest still references the backend directly")
	}
	if !strings.Contains(body, "/hls/item1/main.m3u8?MediaSourceId=src1&token="+tok) {
		t.Errorf("nested playlist not rewritten with token:\n%s", body)
	}
	if got := rec.Header().Get("Content-Type"); got != playlistContentType {
		t.Errorf("content type = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestServeStream_SegmentPassthrough(t *testing.T) {
	backend := newBackendServer(t)
	defer backend.Close()

	members := memberSet{"ROOM1/conn1": true}
	auth := token.NewAuthority(time.Hour)
	tok := auth.Issue("ROOM1", "conn1")

	srv := testHandler(t, backend.URL, auth, members)

	req := httptest.NewRequest(http.MethodGet, "/hls/item1/seg-001.ts?token="+tok, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "segmentbytes" {
		t.Errorf("segment body = %q, want verbatim bytes", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp2t" {
		t.Errorf("content type = %q, want forwarded", got)
	}
}

func TestServeStream_RejectsBadTokens(t *testing.T) {
	backend := newBackendServer(t)
	defer backend.Close()

	members := memberSet{"ROOM1/conn1": true}
	auth := token.NewAuthority(time.Hour)
	tok := auth.Issue("ROOM1", "conn1")

	srv := testHandler(t, backend.URL, auth, members)

	for name, target := range map[string]string{
		"missing token": "/hls/item1/master.m3u8",
		"bogus token":   "/hls/item1/master.m3u8?token=forged",
	} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
	}

	// Valid token loses access once the viewer leaves the party.
	delete(members, "ROOM1/conn1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/item1/master.m3u8?token="+tok, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("departed member: status = %d, want 401", rec.Code)
	}
}

func TestServeStream_GatingDisabled(t *testing.T) {
	backend := newBackendServer(t)
	defer backend.Close()

	srv := testHandler(t, backend.URL, nil, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/item1/master.m3u8", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with gating disabled", rec.Code)
	}
	// No token to append, but backend references are still hidden.
	if strings.Contains(rec.Body.String(), "/emby/Videos/") {
		t.Error("manifest still references the backend directly")
	}
}

func TestServeStream_BackendDown(t *testing.T) {
	members := memberSet{"ROOM1/conn1": true}
	auth := token.NewAuthority(time.Hour)
	tok := auth.Issue("ROOM1", "conn1")

	srv := testHandler(t, "http://127.0.0.1:0", auth, members)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/item1/master.m3u8?token="+tok, nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 when backend unreachable", rec.Code)
	}
}

func TestServeStream_RejectsDotSegments(t *testing.T) {
	var backendHits int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits++
	}))
	defer backend.Close()

	members := memberSet{"ROOM1/conn1": true}
	auth := token.NewAuthority(time.Hour)
	tok := auth.Issue("ROOM1", "conn1")

	srv := testHandler(t, backend.URL, auth, members)

	// A valid token must not open a path out of the item's video prefix;
	// the backend normalizes dot segments, so forwarding them verbatim
	// would expose arbitrary endpoints under the server's credentials.
	for name, target := range map[string]string{
		"parent escape":  "/hls/item1/../../Users?token=" + tok,
		"encoded escape": "/hls/item1/%2e%2e/%2e%2e/Users?token=" + tok,
		"nested escape":  "/hls/item1/sub/../../../Users?token=" + tok,
		"dot segment":    "/hls/item1/./master.m3u8?token=" + tok,
	} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
	if backendHits != 0 {
		t.Errorf("backend saw %d traversal requests, want 0", backendHits)
	}

	// Dots inside a segment name are ordinary and still served.
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hls/item1/seg-001.ts?token="+tok, nil))
	if rec.Code == http.StatusBadRequest {
		t.Error("plain segment name rejected")
	}
}

func TestServeStream_Preflight(t *testing.T) {
	backend := newBackendServer(t)
	defer backend.Close()

	srv := testHandler(t, backend.URL, nil, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/hls/item1/seg-001.ts", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight missing CORS method header")
	}
}
