package bridge

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/gitterbridge/gitterbridge/internal/store"
)

const helpText = `Available commands:
 - list: list your Gitter rooms
 - gjoin <room>: join a room on Gitter
 - gpart <room>: leave a room on Gitter, removing the bridged Matrix room if any
 - invite <room>: bridge a Gitter room into a new Matrix room
 - logout: disconnect from Gitter and remove all bridged rooms
 - help: show this message`

// runCommand interprets one message typed into a private control room by an
// authenticated user.
func (b *Bridge) runCommand(user *store.User, room, body string) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return
	}

	command := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(body), fields[0]))

	log.Printf("[bridge] command %q from %s", command, user.MatrixUsername)

	switch command {
	case "list":
		b.cmdList(user, room)
	case "gjoin":
		b.cmdGitterJoin(user, room, rest)
	case "gpart":
		b.cmdGitterPart(user, room, rest)
	case "invite":
		b.cmdInvite(user, room, rest)
	case "logout":
		b.cmdLogout(user, room)
	case "help":
		b.reply(room, helpText)
	default:
		b.reply(room, "Invalid command!")
	}
}

// cmdList shows the user's Gitter rooms, marking the ones already bridged.
func (b *Bridge) cmdList(user *store.User, room string) {
	rooms, err := b.gitter.ListRooms(context.Background(), user)
	if err != nil {
		log.Printf("[bridge] list rooms for %s: %v", user.MatrixUsername, err)
		b.reply(room, "Could not get your Gitter rooms.")
		return
	}

	bridged, err := b.store.ListBridgedRoomIDsForUser(user.MatrixUsername)
	if err != nil {
		log.Printf("[bridge] list bridged rooms for %s: %v", user.MatrixUsername, err)
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })

	var lines []string
	for _, r := range rooms {
		line := " - " + r.Name
		if _, ok := bridged[r.ID]; ok {
			line += " *"
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		b.reply(room, "You are in no Gitter rooms.")
		return
	}
	b.reply(room, strings.Join(lines, "\n"))
}

func (b *Bridge) cmdGitterJoin(user *store.User, room, name string) {
	if name == "" {
		b.reply(room, "Usage: gjoin <room>")
		return
	}

	ctx := context.Background()

	gitterRoom, err := b.gitter.LookupRoom(ctx, user, name)
	if err != nil {
		log.Printf("[bridge] lookup %s for %s: %v", name, user.MatrixUsername, err)
		b.reply(room, "Could not find Gitter room "+name+".")
		return
	}

	if err := b.gitter.JoinRoom(ctx, user, gitterRoom.ID); err != nil {
		log.Printf("[bridge] gitter join %s for %s: %v", name, user.MatrixUsername, err)
		b.reply(room, "Could not join "+gitterRoom.Name+" on Gitter.")
		return
	}

	b.reply(room, "You joined "+gitterRoom.Name+" on Gitter.")
}

func (b *Bridge) cmdGitterPart(user *store.User, room, name string) {
	if name == "" {
		b.reply(room, "Usage: gpart <room>")
		return
	}

	// Tear down the bridged Matrix room first, if there is one.
	if link := b.linkForUserAndRoomName(user.MatrixUsername, name); link != nil {
		b.leaveAndForget(link.matrixRoom)
		link.Destroy()
	}

	if err := b.gitter.LeaveRoom(context.Background(), user, name); err != nil {
		log.Printf("[bridge] gitter leave %s for %s: %v", name, user.MatrixUsername, err)
		b.reply(room, "Could not leave "+name+" on Gitter.")
		return
	}

	b.reply(room, "You left "+name+" on Gitter.")
}

// cmdInvite bridges a Gitter room: a fresh private Matrix room is created,
// the link persisted and brought live, and the user invited into it.
// Asking again for an already bridged room only re-invites.
func (b *Bridge) cmdInvite(user *store.User, room, name string) {
	if name == "" {
		b.reply(room, "Usage: invite <room>")
		return
	}

	ctx := context.Background()

	if link := b.linkForUserAndRoomName(user.MatrixUsername, name); link != nil {
		if err := b.matrix.Invite(ctx, link.matrixRoom, user.MatrixUsername); err != nil {
			log.Printf("[bridge] re-invite %s to %s: %v", user.MatrixUsername, link.matrixRoom, err)
		}
		b.reply(room, "You are already on room "+link.matrixRoom+".")
		return
	}

	gitterRoom, err := b.gitter.LookupRoom(ctx, user, name)
	if err != nil {
		log.Printf("[bridge] lookup %s for %s: %v", name, user.MatrixUsername, err)
		b.reply(room, "Could not find Gitter room "+name+".")
		return
	}

	matrixRoom, err := b.matrix.CreateRoom(ctx, gitterRoom.Name+" (Gitter)", nil)
	if err != nil {
		log.Printf("[bridge] create room for %s: %v", gitterRoom.Name, err)
		b.reply(room, "Could not create a Matrix room for "+gitterRoom.Name+".")
		return
	}

	if err := b.store.InsertBridgedRoom(user.MatrixUsername, matrixRoom, gitterRoom.Name, gitterRoom.ID); err != nil {
		log.Printf("[bridge] persist bridged room %s: %v", matrixRoom, err)
		b.reply(room, "Could not bridge "+gitterRoom.Name+".")
		return
	}

	b.addLink(b.newRoomLink(user, matrixRoom, gitterRoom.Name, gitterRoom.ID))

	if err := b.matrix.Invite(ctx, matrixRoom, user.MatrixUsername); err != nil {
		log.Printf("[bridge] invite %s to %s: %v", user.MatrixUsername, matrixRoom, err)
	}

	b.reply(room, "You have been invited to "+gitterRoom.Name+" (Gitter).")
}

// cmdLogout removes every trace of the user's Gitter session: the room
// links, the stored credentials, and finally the private room itself.
func (b *Bridge) cmdLogout(user *store.User, room string) {
	for _, link := range b.linksForUser(user.MatrixUsername) {
		b.leaveAndForget(link.matrixRoom)
		link.Destroy()
	}

	if err := b.store.ClearGitterInfo(user.MatrixUsername); err != nil {
		log.Printf("[bridge] clear gitter info for %s: %v", user.MatrixUsername, err)
	}

	b.reply(room, "You have been logged out.")

	b.leaveAndForget(room)
	if err := b.store.ClearPrivateRoomByValue(room); err != nil {
		log.Printf("[bridge] clear private room %s: %v", room, err)
	}
}
