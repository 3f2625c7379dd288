package room

import (
	"testing"
	"time"
)

func TestHasCapabilities(t *testing.T) {
	r := &Room{Capabilities: []string{"reasoning", "web_search"}}

	if !r.HasCapabilities(nil) {
		t.Error("empty requirement always satisfied")
	}
	if !r.HasCapabilities([]string{"reasoning"}) {
		t.Error("subset should match")
	}
	if r.HasCapabilities([]string{"reasoning", "vision"}) {
		t.Error("missing capability should not match")
	}
}

func TestStale(t *testing.T) {
	now := time.Now()
	r := &Room{RoomID: "ios-1", LastSeenAt: now.Add(-3 * time.Minute)}
	if !r.Stale(now, 120*time.Second) {
		t.Error("room unseen for 3m should be stale at 120s")
	}

	server := &Room{RoomID: ServerRoomID, LastSeenAt: now.Add(-time.Hour)}
	if server.Stale(now, 120*time.Second) {
		t.Error("server room never goes stale")
	}
}

func TestSelect(t *testing.T) {
	rooms := []*Room{
		{RoomID: "remote-b", RoomType: TypeIOS, Status: StatusOnline, Load: 0.1,
			Capabilities: []string{"reasoning", "web_search"}},
		{RoomID: "remote-a", RoomType: TypeIOS, Status: StatusOnline, Load: 0.1,
			Capabilities: []string{"reasoning", "web_search"}},
		{RoomID: "server", RoomType: TypeServer, Status: StatusOnline, Load: 0.5,
			Capabilities: []string{"reasoning", "web_search"}},
		{RoomID: "offline", RoomType: TypeIOS, Status: StatusOffline, Load: 0.0,
			Capabilities: []string{"reasoning", "web_search"}},
	}

	// Locality wins even with higher load.
	got := Select(rooms, Selection{RequiredCapabilities: []string{"reasoning"}})
	if got == nil || got.RoomID != "server" {
		t.Fatalf("expected server (local) to win, got %+v", got)
	}

	// Without the server, lower load then lexicographic id.
	remoteOnly := rooms[:2]
	got = Select(remoteOnly, Selection{RequiredCapabilities: []string{"reasoning"}})
	if got == nil || got.RoomID != "remote-a" {
		t.Fatalf("expected remote-a by lexicographic tie-break, got %+v", got)
	}

	// Capability filter.
	got = Select(rooms, Selection{RequiredCapabilities: []string{"vision"}})
	if got != nil {
		t.Fatalf("no room has vision, got %+v", got)
	}

	// Locality requirement excludes remote rooms.
	got = Select(remoteOnly, Selection{RequiredCapabilities: []string{"reasoning"}, RequireLocality: true})
	if got != nil {
		t.Fatalf("locality requirement should exclude remote rooms, got %+v", got)
	}
}

func TestValidate(t *testing.T) {
	r := &Room{RoomID: "ios-1", RoomType: TypeIOS}
	if err := r.Validate(); err == nil {
		t.Error("non-server room without URL should be rejected")
	}

	r.URL = "http://10.0.0.2:8000"
	if err := r.Validate(); err != nil {
		t.Errorf("valid room rejected: %v", err)
	}

	s := &Room{RoomID: ServerRoomID, RoomType: TypeServer}
	if err := s.Validate(); err != nil {
		t.Errorf("server room should not need a URL: %v", err)
	}
}
