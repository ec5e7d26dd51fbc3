package party

import (
	"errors"
	"sort"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestRoom_AddRemoveViewers(t *testing.T) {
	r := newRoom("A3B7K", false, time.Now())

	if err := r.AddViewer("c1", "Alice", 0); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if err := r.AddViewer("c2", "Bob", 0); err != nil {
		t.Fatalf("add c2: %v", err)
	}

	names := r.ViewerNames()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "Alice" || names[1] != "Bob" {
		t.Errorf("expected [Alice Bob], got %v", names)
	}

	name, wasMember, empty := r.RemoveViewer("c1")
	if !wasMember || name != "Alice" || empty {
		t.Errorf("remove c1: name=%q wasMember=%v empty=%v", name, wasMember, empty)
	}
	_, _, empty = r.RemoveViewer("c2")
	if !empty {
		t.Error("expected room to be empty after removing both viewers")
	}
}

func TestRoom_AddViewer_full(t *testing.T) {
	r := newRoom("A3B7K", false, time.Now())
	if err := r.AddViewer("c1", "Alice", 1); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if err := r.AddViewer("c2", "Bob", 1); !errors.Is(err, ErrRoomFull) {
		t.Errorf("expected ErrRoomFull, got %v", err)
	}
	// Re-adding an existing member never trips the capacity check.
	if err := r.AddViewer("c1", "Alice", 1); err != nil {
		t.Errorf("re-add c1: %v", err)
	}
}

func TestRoom_SetVideo_resetsPlayback(t *testing.T) {
	now := time.Now()
	r := newRoom("A3B7K", false, now)
	r.SetPlayback(true, 300, now)

	r.SetVideo(&VideoDescriptor{ItemID: "63359", Title: "Movie", SelectedBy: "c1"}, now)

	pb := r.Playback()
	if pb.Playing || pb.Position != 0 {
		t.Errorf("expected paused at zero after select, got playing=%v pos=%v", pb.Playing, pb.Position)
	}
	v := r.Video()
	if v == nil || v.ItemID != "63359" {
		t.Fatalf("unexpected video %+v", v)
	}
	// Returned descriptor is a copy; mutating it must not touch room state.
	v.Title = "changed"
	if r.Video().Title != "Movie" {
		t.Error("Video() exposed internal descriptor")
	}
}

func TestRoom_ClearVideo_selectorOnly(t *testing.T) {
	now := time.Now()
	r := newRoom("A3B7K", false, now)
	r.SetVideo(&VideoDescriptor{ItemID: "1", SelectedBy: "c1"}, now)

	if _, err := r.ClearVideo("c2", now); !errors.Is(err, ErrNotSelector) {
		t.Fatalf("expected ErrNotSelector, got %v", err)
	}
	if r.Video() == nil {
		t.Fatal("video must be unchanged after unauthorized stop")
	}

	cleared, err := r.ClearVideo("c1", now)
	if err != nil {
		t.Fatalf("selector stop: %v", err)
	}
	if cleared.ItemID != "1" {
		t.Errorf("cleared descriptor item = %q", cleared.ItemID)
	}
	if r.Video() != nil {
		t.Error("video descriptor should be nil after stop")
	}
	if _, err := r.ClearVideo("c1", now); !errors.Is(err, ErrNoVideo) {
		t.Errorf("expected ErrNoVideo on second stop, got %v", err)
	}
}

func TestRoom_Seek_preservesPlayingFlag(t *testing.T) {
	now := time.Now()
	r := newRoom("A3B7K", false, now)

	r.SetPlayback(true, 100, now)
	if wasPlaying := r.Seek(200, now); !wasPlaying {
		t.Error("expected wasPlaying=true")
	}
	pb := r.Playback()
	if !pb.Playing || pb.Position != 200 {
		t.Errorf("after seek: playing=%v pos=%v", pb.Playing, pb.Position)
	}

	r.SetPlayback(false, 50, now)
	if wasPlaying := r.Seek(60, now); wasPlaying {
		t.Error("expected wasPlaying=false")
	}
	if pb := r.Playback(); pb.Playing {
		t.Error("seek must not resume a paused room")
	}
}

func TestPlaybackState_PositionAt(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	playing := PlaybackState{Playing: true, Position: 100, UpdatedAt: base}
	if got := playing.PositionAt(base.Add(5 * time.Second)); got != 105 {
		t.Errorf("playing position = %v, want 105", got)
	}

	paused := PlaybackState{Playing: false, Position: 100, UpdatedAt: base}
	if got := paused.PositionAt(base.Add(5 * time.Second)); got != 100 {
		t.Errorf("paused position = %v, want 100", got)
	}
}

func TestRoom_SyncSnapshot_advancesWhilePlaying(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newRoom("A3B7K", false, base)
	r.SetPlayback(true, 100, base)

	_, pb := r.SyncSnapshot(base.Add(5 * time.Second))
	if pb.Position != 105 {
		t.Errorf("late joiner position = %v, want 105", pb.Position)
	}
	if !pb.Playing {
		t.Error("snapshot must preserve the playing flag")
	}
}

func TestRoom_PlayIdempotent(t *testing.T) {
	now := time.Now()
	r := newRoom("A3B7K", false, now)

	r.SetPlayback(true, 42.5, now)
	first := r.Playback()
	r.SetPlayback(true, 42.5, now)
	second := r.Playback()

	if first.Playing != second.Playing || first.Position != second.Position {
		t.Errorf("repeated play diverged: %+v vs %+v", first, second)
	}
}

func TestVideoDescriptor_Clone(t *testing.T) {
	var nilDesc *VideoDescriptor
	if nilDesc.Clone() != nil {
		t.Error("nil clone should be nil")
	}

	v := &VideoDescriptor{ItemID: "1", AudioIndex: intPtr(2), SubtitleIndex: intPtr(5)}
	c := v.Clone()
	*c.AudioIndex = 9
	if *v.AudioIndex != 2 {
		t.Error("clone shares AudioIndex pointer")
	}
}
