// Package hls rewrites backend playlist text so that every variant and
// segment reference resolves through the stream proxy instead of exposing
// the media backend directly.
package hls

import "strings"

// Rewriter transforms manifest text for one backend. It is stateless and
// safe for concurrent use.
type Rewriter struct {
	// BackendBase is the media backend's base URL without trailing slash,
	// e.g. "http://emby:8096".
	BackendBase string

	// ProxyPrefix is the externally visible proxy path prefix, e.g. "/hls".
	ProxyPrefix string
}

// Rewrite replaces backend references to itemID with proxy references and,
// when token is non-empty, appends it as a query parameter to every playlist
// or segment reference that does not already carry one. Comments, directives
// and blank lines pass through verbatim; line order is preserved. Applying
// Rewrite to already-rewritten output is a no-op.
func (rw Rewriter) Rewrite(manifest, itemID, token string) string {
	backendPath := "/emby/Videos/" + itemID + "/"
	proxyPath := rw.ProxyPrefix + "/" + itemID + "/"

	lines := strings.Split(manifest, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		// Backends are inconsistent about absolute versus relative
		// references, so both forms are handled.
		line = strings.ReplaceAll(line, rw.BackendBase+backendPath, proxyPath)
		line = strings.ReplaceAll(line, backendPath, proxyPath)

		if token != "" && isMediaReference(line) && !strings.Contains(line, "token=") {
			sep := "?"
			if strings.Contains(line, "?") {
				sep = "&"
			}
			line += sep + "token=" + token
		}

		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// IsPlaylist reports whether the given sub-path names a nested playlist
// (which must be rewritten) rather than a media segment (which is streamed
// through unmodified).
func IsPlaylist(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".m3u8")
}

// isMediaReference reports whether a non-comment line references a nested
// playlist or media segment that should carry an access token.
func isMediaReference(line string) bool {
	return strings.Contains(line, ".m3u8") || strings.Contains(line, ".ts")
}
