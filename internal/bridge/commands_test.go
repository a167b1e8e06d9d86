package bridge

import (
	"strings"
	"testing"

	"github.com/gitterbridge/gitterbridge/internal/gitter"
)

func TestCmdListSortedWithBridgedMarker(t *testing.T) {
	b, fm, fg, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")

	fg.rooms = []gitter.Room{
		{ID: "R2", Name: "zeta/room"},
		{ID: "R1", Name: "alpha/room"},
	}

	if err := st.InsertBridgedRoom(user.MatrixUsername, "!m:example.org", "zeta/room", "R2"); err != nil {
		t.Fatalf("insert bridged room: %v", err)
	}
	b.addLink(b.newRoomLink(user, "!m:example.org", "zeta/room", "R2"))

	b.runCommand(user, "!priv:example.org", "list")

	msg, ok := fm.lastSent()
	if !ok {
		t.Fatal("no reply sent")
	}
	want := " - alpha/room\n - zeta/room *"
	if msg.Text != want {
		t.Fatalf("list reply = %q, want %q", msg.Text, want)
	}
}

func TestCmdListEmpty(t *testing.T) {
	b, fm, _, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")

	b.runCommand(user, "!priv:example.org", "list")

	msg, _ := fm.lastSent()
	if msg.Text != "You are in no Gitter rooms." {
		t.Fatalf("reply = %q", msg.Text)
	}
}

func TestCmdGitterJoin(t *testing.T) {
	b, fm, fg, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")
	fg.lookup["org/room"] = gitter.Room{ID: "R1", Name: "org/room"}

	b.runCommand(user, "!priv:example.org", "gjoin org/room")

	if len(fg.joined) != 1 || fg.joined[0] != "R1" {
		t.Fatalf("gitter joins = %v", fg.joined)
	}
	msg, _ := fm.lastSent()
	if msg.Text != "You joined org/room on Gitter." {
		t.Fatalf("reply = %q", msg.Text)
	}
}

func TestCmdGitterJoinUnknownRoom(t *testing.T) {
	b, fm, _, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")

	b.runCommand(user, "!priv:example.org", "gjoin org/nope")

	msg, _ := fm.lastSent()
	if msg.Text != "Could not find Gitter room org/nope." {
		t.Fatalf("reply = %q", msg.Text)
	}
}

func TestCmdInviteBridgesRoom(t *testing.T) {
	b, fm, fg, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")
	fg.lookup["matrix-org/matrix-js-sdk"] = gitter.Room{ID: "R1", Name: "matrix-org/matrix-js-sdk"}
	fm.nextRoomIDs = []string{"!m:example.org"}

	b.runCommand(user, "!priv:example.org", "invite matrix-org/matrix-js-sdk")

	calls := fm.snapshot()
	if len(calls.createdNames) != 1 || calls.createdNames[0] != "matrix-org/matrix-js-sdk (Gitter)" {
		t.Fatalf("created rooms = %v", calls.createdNames)
	}
	if len(calls.invites) != 1 || calls.invites[0] != [2]string{"!m:example.org", "@alice:example.org"} {
		t.Fatalf("invites = %v", calls.invites)
	}

	rooms, err := st.ListBridgedRooms()
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("bridged rooms = %+v", rooms)
	}
	r := rooms[0]
	if r.User != "@alice:example.org" || r.MatrixRoom != "!m:example.org" ||
		r.GitterRoomName != "matrix-org/matrix-js-sdk" || r.GitterRoomID != "R1" {
		t.Fatalf("bridged room = %+v", r)
	}

	if b.linkForMatrixRoom("!m:example.org") == nil {
		t.Fatal("room link not indexed")
	}
}

func TestCmdInviteTwiceCreatesOneRoom(t *testing.T) {
	b, fm, fg, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")
	fg.lookup["org/room"] = gitter.Room{ID: "R1", Name: "org/room"}
	fm.nextRoomIDs = []string{"!m:example.org"}

	b.runCommand(user, "!priv:example.org", "invite org/room")
	b.runCommand(user, "!priv:example.org", "invite org/room")

	calls := fm.snapshot()
	if len(calls.createdNames) != 1 {
		t.Fatalf("created %d rooms, want 1", len(calls.createdNames))
	}
	// The second invite re-invites the user to the existing room.
	if len(calls.invites) != 2 {
		t.Fatalf("invites = %v", calls.invites)
	}

	msg, _ := fm.lastSent()
	if msg.Text != "You are already on room !m:example.org." {
		t.Fatalf("reply = %q", msg.Text)
	}

	rooms, err := st.ListBridgedRooms()
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected a single bridged room, got %+v", rooms)
	}
}

func TestCmdGitterPartDestroysBridgedRoom(t *testing.T) {
	b, fm, fg, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")

	if err := st.InsertBridgedRoom(user.MatrixUsername, "!m:example.org", "org/room", "R1"); err != nil {
		t.Fatalf("insert bridged room: %v", err)
	}
	b.addLink(b.newRoomLink(user, "!m:example.org", "org/room", "R1"))

	b.runCommand(user, "!priv:example.org", "gpart org/room")

	calls := fm.snapshot()
	if len(calls.leaves) != 1 || calls.leaves[0] != "!m:example.org" {
		t.Fatalf("leaves = %v", calls.leaves)
	}
	if len(calls.forgets) != 1 {
		t.Fatalf("forgets = %v", calls.forgets)
	}
	if len(fg.left) != 1 || fg.left[0] != "org/room" {
		t.Fatalf("gitter leaves = %v", fg.left)
	}

	if b.linkForMatrixRoom("!m:example.org") != nil {
		t.Fatal("link still indexed")
	}
	rooms, err := st.ListBridgedRooms()
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("bridged rooms = %+v", rooms)
	}

	msg, _ := fm.lastSent()
	if msg.Text != "You left org/room on Gitter." {
		t.Fatalf("reply = %q", msg.Text)
	}
}

func TestCmdLogout(t *testing.T) {
	b, fm, _, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")

	for _, r := range []struct{ matrixRoom, name, id string }{
		{"!a:example.org", "org/a", "RA"},
		{"!b:example.org", "org/b", "RB"},
	} {
		if err := st.InsertBridgedRoom(user.MatrixUsername, r.matrixRoom, r.name, r.id); err != nil {
			t.Fatalf("insert bridged room: %v", err)
		}
		b.addLink(b.newRoomLink(user, r.matrixRoom, r.name, r.id))
	}

	b.runCommand(user, "!priv:example.org", "logout")

	rooms, err := st.ListBridgedRooms()
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("bridged rooms survived logout: %+v", rooms)
	}

	u, err := st.GetUserByMatrix(user.MatrixUsername)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Authenticated() {
		t.Fatal("credentials survived logout")
	}
	if u.MatrixPrivateRoom != "" {
		t.Fatalf("private room survived logout: %q", u.MatrixPrivateRoom)
	}

	calls := fm.snapshot()
	found := false
	for _, msg := range calls.sent {
		if msg.Text == "You have been logged out." {
			found = true
		}
	}
	if !found {
		t.Fatalf("no logout confirmation in %v", calls.sent)
	}

	// Both bridged rooms and the private room are left.
	if len(calls.leaves) != 3 {
		t.Fatalf("leaves = %v", calls.leaves)
	}
}

func TestUnknownCommand(t *testing.T) {
	b, fm, _, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")

	b.runCommand(user, "!priv:example.org", "frobnicate the widget")

	msg, _ := fm.lastSent()
	if msg.Text != "Invalid command!" {
		t.Fatalf("reply = %q", msg.Text)
	}
}

func TestCommandCaseInsensitive(t *testing.T) {
	b, fm, _, st := newTestBridge(t)
	user := authedUser(t, st, "@alice:example.org", "!priv:example.org")

	b.runCommand(user, "!priv:example.org", "HELP")

	msg, _ := fm.lastSent()
	if !strings.Contains(msg.Text, "Available commands") {
		t.Fatalf("reply = %q", msg.Text)
	}
}
