package party

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Room codes use uppercase letters and digits without visually ambiguous
// characters (0/O, 1/I/L), e.g. A3B7K.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	codeLength = 5

	// DefaultCodeAttempts bounds short-code collision retries before
	// falling back to a longer random identifier.
	DefaultCodeAttempts = 100
)

// ErrRoomNotFound is returned when a room id does not resolve to a live room.
var ErrRoomNotFound = errors.New("watch party not found")

// Registry owns the mapping of room code to Room. It creates rooms with
// unique short codes, resolves case-insensitive lookups and removes rooms
// once emptied, except for the optional persistent room.
type Registry struct {
	codeAttempts int

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry returns an empty registry. codeAttempts <= 0 selects
// DefaultCodeAttempts.
func NewRegistry(codeAttempts int) *Registry {
	if codeAttempts <= 0 {
		codeAttempts = DefaultCodeAttempts
	}
	return &Registry{
		codeAttempts: codeAttempts,
		rooms:        make(map[string]*Room),
	}
}

// Normalize converts a user-typed room code to its canonical form.
func Normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Create registers a new room under a fresh unique code and returns it.
func (g *Registry) Create() *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	code := g.uniqueCodeLocked()
	room := newRoom(code, false, time.Now())
	g.rooms[code] = room
	return room
}

// EnsurePersistent returns the persistent room with the given code, creating
// it if it does not exist yet. The code is normalized first.
func (g *Registry) EnsurePersistent(code string) *Room {
	code = Normalize(code)
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[code]; ok {
		return room
	}
	room := newRoom(code, true, time.Now())
	g.rooms[code] = room
	return room
}

// Get resolves a room by code, case-insensitively.
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[Normalize(id)]
	return room, ok
}

// Remove deletes the room if it exists and is not persistent.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id = Normalize(id)
	if room, ok := g.rooms[id]; ok && !room.persistent {
		delete(g.rooms, id)
	}
}

// Rooms returns a snapshot of all live rooms. Callers iterate the snapshot,
// never the registry's internal map, so sweeps cannot race with concurrent
// create/remove.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Count returns the number of live rooms. Used for metrics.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// IsMember reports whether the connection is currently a member of the room.
// This satisfies the membership check performed on every token validation.
func (g *Registry) IsMember(roomID, connID string) bool {
	room, ok := g.Get(roomID)
	if !ok {
		return false
	}
	return room.HasViewer(connID)
}

// uniqueCodeLocked generates a short code not held by any live room, retrying
// up to the configured bound and then falling back to a longer random
// identifier. Caller must hold g.mu.
func (g *Registry) uniqueCodeLocked() string {
	for i := 0; i < g.codeAttempts; i++ {
		code := randomCode(codeLength)
		if _, taken := g.rooms[code]; !taken {
			return code
		}
	}
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return Normalize(base64.RawURLEncoding.EncodeToString(b))
}

func randomCode(n int) string {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand never fails on supported platforms; fall back
			// to the first character rather than panic.
			b[i] = codeAlphabet[0]
			continue
		}
		b[i] = codeAlphabet[idx.Int64()]
	}
	return string(b)
}
