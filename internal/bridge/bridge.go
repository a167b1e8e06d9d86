// Package bridge coordinates the two sides of the Matrix-Gitter bridge: it
// owns the registry, the live room links, and the event-dispatch state
// machine that classifies Matrix rooms and drives user onboarding.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/globekeeper/gomatrix"

	"github.com/gitterbridge/gitterbridge/internal/gitter"
	"github.com/gitterbridge/gitterbridge/internal/ratelimit"
	"github.com/gitterbridge/gitterbridge/internal/store"
)

// GitterAPI is the slice of the Gitter client the bridge consumes.
type GitterAPI interface {
	Whoami(ctx context.Context, accessToken string) (gitter.UserInfo, error)
	ListRooms(ctx context.Context, user *store.User) ([]gitter.Room, error)
	LookupRoom(ctx context.Context, user *store.User, name string) (gitter.Room, error)
	JoinRoom(ctx context.Context, user *store.User, gitterRoomID string) error
	LeaveRoom(ctx context.Context, user *store.User, name string) error
	PostMessage(ctx context.Context, user *store.User, gitterRoomID, text string) error
	OpenStream(ctx context.Context, user *store.User, gitterRoomID string) (io.ReadCloser, error)
}

// MatrixAPI is the slice of the Matrix client the bridge consumes.
type MatrixAPI interface {
	BotFullname() string
	Domain() string
	CreateRoom(ctx context.Context, name string, invite []string) (string, error)
	Invite(ctx context.Context, room, userID string) error
	BotJoin(ctx context.Context, room string) error
	JoinAs(ctx context.Context, userID, room string) error
	Leave(ctx context.Context, room string) error
	Forget(ctx context.Context, room string) error
	JoinedMembers(ctx context.Context, room string) ([]string, error)
	SendText(ctx context.Context, room, text string) error
	SendTextAs(ctx context.Context, userID, room, text string) error
	RegisterVirtualUser(ctx context.Context, localpart string) error
	SetDisplayNameAs(ctx context.Context, userID, displayName string) error
}

// Bridge is the central coordinator. All index mutations go through its
// mutex; the observable behavior is single-writer even though outbound
// calls run on their own goroutines.
type Bridge struct {
	store   *store.Store
	matrix  MatrixAPI
	gitter  GitterAPI
	limiter *ratelimit.Limiter

	// authLink renders the OAuth link a user must visit to authenticate.
	authLink func(matrixUser string) string

	botFullname string
	domain      string
	debug       bool

	mu                   sync.Mutex
	byMatrixRoom         map[string]*RoomLink
	byUserThenGitterName map[string]map[string]*RoomLink
}

func New(st *store.Store, matrixAPI MatrixAPI, gitterAPI GitterAPI, limiter *ratelimit.Limiter, authLink func(string) string, debug bool) *Bridge {
	return &Bridge{
		store:                st,
		matrix:               matrixAPI,
		gitter:               gitterAPI,
		limiter:              limiter,
		authLink:             authLink,
		botFullname:          matrixAPI.BotFullname(),
		domain:               matrixAPI.Domain(),
		debug:                debug,
		byMatrixRoom:         make(map[string]*RoomLink),
		byUserThenGitterName: make(map[string]map[string]*RoomLink),
	}
}

// Start rebuilds the live room links from the registry. Each link schedules
// its first stream attempt through the shared limiter.
func (b *Bridge) Start() error {
	rooms, err := b.store.ListBridgedRooms()
	if err != nil {
		return fmt.Errorf("rebuild room links: %w", err)
	}

	for _, room := range rooms {
		user, err := b.store.GetUserByMatrix(room.User)
		if err != nil {
			return fmt.Errorf("rebuild room links: %w", err)
		}
		if user == nil || !user.Authenticated() {
			log.Printf("[bridge] skipping bridged room %s: owner %s is not authenticated",
				room.MatrixRoom, room.User)
			continue
		}

		b.addLink(b.newRoomLink(user, room.MatrixRoom, room.GitterRoomName, room.GitterRoomID))
	}

	log.Printf("[bridge] %d bridged room(s) restored", len(b.byMatrixRoom))
	return nil
}

// Stop shuts down stream scheduling. Links are left in place; the process
// is exiting.
func (b *Bridge) Stop() {
	b.limiter.Stop()
}

// index management

func (b *Bridge) addLink(l *RoomLink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byMatrixRoom[l.matrixRoom] = l

	perUser := b.byUserThenGitterName[l.user.MatrixUsername]
	if perUser == nil {
		perUser = make(map[string]*RoomLink)
		b.byUserThenGitterName[l.user.MatrixUsername] = perUser
	}
	perUser[l.gitterRoomName] = l
}

func (b *Bridge) removeLink(l *RoomLink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.byMatrixRoom, l.matrixRoom)
	if perUser := b.byUserThenGitterName[l.user.MatrixUsername]; perUser != nil {
		delete(perUser, l.gitterRoomName)
		if len(perUser) == 0 {
			delete(b.byUserThenGitterName, l.user.MatrixUsername)
		}
	}
}

func (b *Bridge) linkForMatrixRoom(room string) *RoomLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byMatrixRoom[room]
}

func (b *Bridge) linkForUserAndRoomName(matrixUser, gitterRoomName string) *RoomLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byUserThenGitterName[matrixUser][gitterRoomName]
}

func (b *Bridge) linksForUser(matrixUser string) []*RoomLink {
	b.mu.Lock()
	defer b.mu.Unlock()

	var links []*RoomLink
	for _, l := range b.byUserThenGitterName[matrixUser] {
		links = append(links, l)
	}
	return links
}

// HandleEvent dispatches one event pushed by the homeserver. The event is
// examined on the caller's goroutine, and a bridged-room departure is torn
// down there; work that needs an outbound API call (the member probe that
// classifies a freshly joined room, commands, forwarding) runs on its own
// goroutine.
func (b *Bridge) HandleEvent(ev *gomatrix.Event) {
	if b.debug {
		log.Printf("[bridge] event %s from %s in %s", ev.Type, ev.Sender, ev.RoomID)
	}

	switch ev.Type {
	case "m.room.member":
		b.handleMembership(ev)
	case "m.room.message":
		b.handleMessage(ev)
	}
}

func (b *Bridge) handleMembership(ev *gomatrix.Event) {
	membership, _ := ev.Content["membership"].(string)
	room := ev.RoomID

	switch membership {
	case "":
		return

	case "invite":
		// Only invites that target the bot itself are join triggers;
		// anything else in a bridged room falls through to teardown.
		if ev.StateKey != nil && *ev.StateKey == b.botFullname {
			log.Printf("[bridge] invited to %s by %s", room, ev.Sender)
			go func() {
				if err := b.matrix.BotJoin(context.Background(), room); err != nil {
					log.Printf("[bridge] could not join %s: %v", room, err)
				}
			}()
			return
		}
		b.handleDeparture(ev, room)

	case "join":
		if b.linkForMatrixRoom(room) == nil {
			go b.probeRoom(room)
		}

	default:
		b.handleDeparture(ev, room)
	}
}

// handleDeparture tears down whatever the room was to the bridge: a bridged
// room loses its link, a private control room is forgotten.
func (b *Bridge) handleDeparture(ev *gomatrix.Event, room string) {
	if link := b.linkForMatrixRoom(room); link != nil {
		log.Printf("[bridge] membership change in bridged room %s, destroying link", room)
		b.destroyLinkAndLeave(link)
		return
	}

	if ev.Sender == b.botFullname {
		return
	}

	user, err := b.store.GetUserByMatrix(ev.Sender)
	if err != nil {
		log.Printf("[bridge] user lookup for %s: %v", ev.Sender, err)
		return
	}
	if user == nil || user.MatrixPrivateRoom != room {
		return
	}

	log.Printf("[bridge] %s left private room %s", ev.Sender, room)
	if err := b.store.ClearPrivateRoomByValue(room); err != nil {
		log.Printf("[bridge] clear private room %s: %v", room, err)
	}
	go b.leaveAndForget(room)
}

// destroyLinkAndLeave removes the link and, when this call actually tore it
// down, makes the bot leave the dead Matrix room.
func (b *Bridge) destroyLinkAndLeave(link *RoomLink) {
	if link.Destroy() {
		go b.leaveAndForget(link.matrixRoom)
	}
}

func (b *Bridge) leaveAndForget(room string) {
	ctx := context.Background()
	if err := b.matrix.Leave(ctx, room); err != nil {
		log.Printf("[bridge] leave %s: %v", room, err)
	}
	if err := b.matrix.Forget(ctx, room); err != nil {
		log.Printf("[bridge] forget %s: %v", room, err)
	}
}

// probeRoom decides what a freshly joined, unbridged room is. Two joined
// members mean a private conversation with one user; more mean the bot was
// pulled into a group room it has no business in.
func (b *Bridge) probeRoom(room string) {
	members, err := b.matrix.JoinedMembers(context.Background(), room)
	if err != nil {
		log.Printf("[bridge] members of %s: %v", room, err)
		return
	}

	if len(members) > 2 {
		log.Printf("[bridge] room %s has %d members, leaving", room, len(members))
		b.leaveAndForget(room)
		if err := b.store.ClearPrivateRoomByValue(room); err != nil {
			log.Printf("[bridge] clear private room %s: %v", room, err)
		}
		return
	}

	if len(members) != 2 {
		return
	}

	botPresent := false
	other := ""
	for _, member := range members {
		if member == b.botFullname {
			botPresent = true
		} else {
			other = member
		}
	}
	if !botPresent || other == "" {
		return
	}

	b.adoptPrivateRoom(other, room)
}

// adoptPrivateRoom registers room as the user's control room and greets
// them. A previous control room, if any, is left behind.
func (b *Bridge) adoptPrivateRoom(matrixUser, room string) {
	if matrixUser == b.botFullname {
		return
	}

	user, err := b.store.CreateUser(matrixUser)
	if err != nil {
		log.Printf("[bridge] create user %s: %v", matrixUser, err)
		return
	}

	prev, err := b.store.SetPrivateRoom(matrixUser, room)
	if err != nil {
		log.Printf("[bridge] set private room for %s: %v", matrixUser, err)
		return
	}
	if prev != "" && prev != room {
		log.Printf("[bridge] replacing private room %s of %s", prev, matrixUser)
		b.leaveAndForget(prev)
	}

	log.Printf("[bridge] %s is now the private room of %s", room, matrixUser)

	greeting := ""
	if user.Authenticated() {
		greeting = "Hello " + matrixUser + "! You are logged in as " + user.GithubUsername + ".\n\n" + helpText
	} else {
		greeting = "Hello " + matrixUser + "! I am the Gitter bridge. " +
			"To use me, authorize me on Gitter by visiting this link:\n" +
			b.authLink(matrixUser)
	}
	if err := b.matrix.SendText(context.Background(), room, greeting); err != nil {
		log.Printf("[bridge] greet %s: %v", matrixUser, err)
	}
}

func (b *Bridge) handleMessage(ev *gomatrix.Event) {
	if ev.Sender == b.botFullname {
		return
	}

	msgtype, ok := ev.MessageType()
	if !ok || msgtype != "m.text" {
		return
	}

	body, ok := ev.Body()
	if !ok {
		return
	}

	room := ev.RoomID

	if link := b.linkForMatrixRoom(room); link != nil {
		if link.user.MatrixUsername == ev.Sender {
			formatted, _ := ev.Content["formatted_body"].(string)
			go link.ToGitter(body, formatted)
		}
		return
	}

	user, err := b.store.GetUserByMatrix(ev.Sender)
	if err != nil {
		log.Printf("[bridge] user lookup for %s: %v", ev.Sender, err)
		return
	}
	if user == nil || user.MatrixPrivateRoom != room {
		return
	}

	if !user.Authenticated() {
		go b.reply(room, "You are not logged in.")
		return
	}

	go b.runCommand(user, room, body)
}

// reply posts a message into a private control room.
func (b *Bridge) reply(room, text string) {
	if err := b.matrix.SendText(context.Background(), room, text); err != nil {
		log.Printf("[bridge] reply to %s: %v", room, err)
	}
}

// SetGitterAccessToken finishes a user's registration after the OAuth
// callback produced an access token: the token is resolved to a Gitter
// account and the three credential fields are stored together.
func (b *Bridge) SetGitterAccessToken(matrixUser, accessToken string) {
	ctx := context.Background()

	info, err := b.gitter.Whoami(ctx, accessToken)
	if err != nil {
		log.Printf("[bridge] could not resolve access token for %s: %v", matrixUser, err)
		return
	}

	user, err := b.store.CreateUser(matrixUser)
	if err != nil {
		log.Printf("[bridge] create user %s: %v", matrixUser, err)
		return
	}

	if err := b.store.SetGitterInfo(matrixUser, info.Username, info.ID, accessToken); err != nil {
		log.Printf("[bridge] store gitter info for %s: %v", matrixUser, err)
		return
	}

	log.Printf("[bridge] %s logged in as %s", matrixUser, info.Username)

	if user.MatrixPrivateRoom != "" {
		b.reply(user.MatrixPrivateRoom,
			"You are now logged in as "+info.Username+".\n\n"+helpText)
	}
}

// RegisterQueriedUser serves the homeserver's user-existence probe: any
// localpart in the bridge namespace is registered on the fly.
func (b *Bridge) RegisterQueriedUser(localpart string) {
	if err := b.matrix.RegisterVirtualUser(context.Background(), localpart); err != nil {
		log.Printf("[bridge] register queried user %s: %v", localpart, err)
	}
}
