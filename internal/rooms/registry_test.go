package rooms

import (
	"testing"

	"streamxr/pkg/protocol"
)

func TestAddAssignsPaletteColour(t *testing.T) {
	r := NewRegistry("default")
	room, peers, color := r.Add("c1")

	if room != "default" {
		t.Fatalf("expected the default room, got %q", room)
	}
	if len(peers) != 0 {
		t.Fatalf("first member should see no peers, got %v", peers)
	}

	found := false
	for _, c := range palette {
		if c == color {
			found = true
		}
	}
	if !found {
		t.Fatalf("colour %q is not from the palette", color)
	}
}

func TestAddReturnsExistingPeers(t *testing.T) {
	r := NewRegistry("default")
	_, _, c1Color := r.Add("c1")
	_, peers, _ := r.Add("c2")

	if len(peers) != 1 || peers[0].ID != "c1" || peers[0].Color != c1Color {
		t.Fatalf("second member should see c1 with its colour, got %v", peers)
	}
}

func TestConfiguredRoomName(t *testing.T) {
	r := NewRegistry("lobby")
	room, _, _ := r.Add("c1")
	if room != "lobby" {
		t.Fatalf("expected lobby, got %q", room)
	}
}

func TestRemoveDropsEmptyRoom(t *testing.T) {
	r := NewRegistry("default")
	r.Add("c1")
	r.Add("c2")

	room, ok := r.Remove("c1")
	if !ok || room != "default" {
		t.Fatalf("remove: room=%q ok=%v", room, ok)
	}
	if got := r.Members("default"); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("expected only c2 left, got %v", got)
	}

	r.Remove("c2")
	if got := r.Members("default"); len(got) != 0 {
		t.Fatalf("expected empty membership, got %v", got)
	}
	if _, ok := r.Remove("c2"); ok {
		t.Fatal("double remove must report unknown")
	}
}

func TestPoseSnapshot(t *testing.T) {
	r := NewRegistry("default")
	r.Add("c1")
	r.Add("c2")

	pose := protocol.Pose{Position: [3]float64{1, 2, 3}, FOV: 90}
	if !r.UpdatePose("c1", pose) {
		t.Fatal("pose update for a member must succeed")
	}
	if r.UpdatePose("ghost", pose) {
		t.Fatal("pose update for an unknown client must be ignored")
	}

	got, ok := r.Pose("c1")
	if !ok || got.Position != pose.Position {
		t.Fatalf("pose lookup: ok=%v got=%+v", ok, got)
	}
	if _, ok := r.Pose("c2"); ok {
		t.Fatal("c2 never reported a pose")
	}

	snap := r.Snapshot("default")
	if len(snap) != 1 {
		t.Fatalf("snapshot should carry only posed members, got %v", snap)
	}
	if snap["c1"].Position != pose.Position {
		t.Fatalf("snapshot pose mismatch: %+v", snap["c1"])
	}
}

func TestPeersOfExcludesSelf(t *testing.T) {
	r := NewRegistry("default")
	r.Add("c1")
	r.Add("c2")
	r.Add("c3")

	peers, ok := r.PeersOf("c2")
	if !ok {
		t.Fatal("c2 is a member")
	}
	if len(peers) != 2 || peers[0] != "c1" || peers[1] != "c3" {
		t.Fatalf("unexpected peer list: %v", peers)
	}

	if _, ok := r.PeersOf("ghost"); ok {
		t.Fatal("unknown client must have no peer list")
	}
}
