package party

import (
	"strings"
	"testing"
)

func TestRegistry_CreateCode(t *testing.T) {
	g := NewRegistry(0)
	room := g.Create()

	if len(room.ID()) != codeLength {
		t.Fatalf("code length = %d, want %d", len(room.ID()), codeLength)
	}
	for _, c := range room.ID() {
		if !strings.ContainsRune(codeAlphabet, c) {
			t.Errorf("code %q contains character %q outside the alphabet", room.ID(), c)
		}
	}
}

func TestRegistry_GetCaseInsensitive(t *testing.T) {
	g := NewRegistry(0)
	room := g.Create()

	got, ok := g.Get(strings.ToLower(room.ID()))
	if !ok || got != room {
		t.Errorf("lowercase lookup failed for %q", room.ID())
	}
	if _, ok := g.Get("ZZZZ9"); ok {
		t.Error("lookup of unknown code should fail")
	}
}

func TestRegistry_Remove(t *testing.T) {
	g := NewRegistry(0)
	room := g.Create()

	g.Remove(room.ID())
	if _, ok := g.Get(room.ID()); ok {
		t.Error("room should be gone after Remove")
	}
}

func TestRegistry_PersistentSurvivesRemove(t *testing.T) {
	g := NewRegistry(0)
	room := g.EnsurePersistent("lobby")

	if room.ID() != "LOBBY" {
		t.Errorf("persistent code = %q, want normalized LOBBY", room.ID())
	}
	g.Remove("LOBBY")
	if _, ok := g.Get("lobby"); !ok {
		t.Error("persistent room must survive Remove")
	}
	if again := g.EnsurePersistent("LOBBY"); again != room {
		t.Error("EnsurePersistent must return the existing room")
	}
}

func TestRegistry_IsMember(t *testing.T) {
	g := NewRegistry(0)
	room := g.Create()
	if err := room.AddViewer("c1", "Alice", 0); err != nil {
		t.Fatal(err)
	}

	if !g.IsMember(room.ID(), "c1") {
		t.Error("c1 should be a member")
	}
	if g.IsMember(room.ID(), "c2") {
		t.Error("c2 should not be a member")
	}
	if g.IsMember("NOSUCH", "c1") {
		t.Error("membership in an unknown room should be false")
	}

	room.RemoveViewer("c1")
	if g.IsMember(room.ID(), "c1") {
		t.Error("membership must be re-checked live, not cached")
	}
}

func TestRandomName_pattern(t *testing.T) {
	for i := 0; i < 20; i++ {
		name := RandomName()
		// Expect at least one trailing digit and a leading uppercase word.
		if len(name) < 3 {
			t.Fatalf("name too short: %q", name)
		}
		last := name[len(name)-1]
		if last < '0' || last > '9' {
			t.Errorf("name %q does not end with a number", name)
		}
		if name[0] < 'A' || name[0] > 'Z' {
			t.Errorf("name %q does not start with an uppercase word", name)
		}
	}
}
