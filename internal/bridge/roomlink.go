package bridge

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/gitterbridge/gitterbridge/internal/gitter"
	"github.com/gitterbridge/gitterbridge/internal/markup"
	"github.com/gitterbridge/gitterbridge/internal/store"
)

// RoomLink is the live side of one bridged (Matrix room, Gitter room)
// pair. It owns the streaming connection that pulls Gitter messages and
// forwards traffic in both directions. Reconnection goes through the
// bridge-wide limiter.
type RoomLink struct {
	bridge *Bridge
	user   *store.User

	matrixRoom     string
	gitterRoomName string
	gitterRoomID   string

	mu        sync.Mutex
	destroyed bool
	stream    io.ReadCloser
}

// newRoomLink builds a link and schedules its first stream attempt. The
// stream is never opened synchronously.
func (b *Bridge) newRoomLink(user *store.User, matrixRoom, gitterRoomName, gitterRoomID string) *RoomLink {
	l := &RoomLink{
		bridge:         b,
		user:           user,
		matrixRoom:     matrixRoom,
		gitterRoomName: gitterRoomName,
		gitterRoomID:   gitterRoomID,
	}
	b.limiter.Schedule(l.startStream)
	return l
}

func (l *RoomLink) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

func (l *RoomLink) startStream() {
	if l.isDestroyed() {
		return
	}

	body, err := l.bridge.gitter.OpenStream(context.Background(), l.user, l.gitterRoomID)
	if err != nil {
		log.Printf("[link:%s] stream open failed: %v", l.gitterRoomName, err)
		l.bridge.limiter.Fail()
		l.bridge.limiter.Schedule(l.startStream)
		return
	}

	l.bridge.limiter.Success()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		body.Close()
		return
	}
	l.stream = body
	l.mu.Unlock()

	log.Printf("[link:%s] stream open", l.gitterRoomName)
	go l.readLoop(body)
}

// readLoop consumes frames until the stream dies. Keep-alives and
// malformed frames leave the connection open; anything else triggers a
// rate-limited reconnect.
func (l *RoomLink) readLoop(body io.ReadCloser) {
	sr := gitter.NewStreamReader(body)

	for {
		msg, err := sr.Read()

		if errors.Is(err, gitter.ErrKeepAlive) {
			continue
		}

		var malformed *gitter.MalformedFrameError
		if errors.As(err, &malformed) {
			log.Printf("[link:%s] %v", l.gitterRoomName, malformed)
			continue
		}

		if err != nil {
			l.onDisconnect(err)
			return
		}

		if l.isDestroyed() {
			return
		}

		// A message the owner posted through the bridge comes back on the
		// stream under their own Gitter identity; echoing it to Matrix
		// would loop.
		if msg.FromUser.Username == l.user.GithubUsername {
			continue
		}

		l.bridge.ForwardToMatrix(l.matrixRoom, msg.FromUser.Username, msg.Text)
	}
}

func (l *RoomLink) onDisconnect(err error) {
	l.mu.Lock()
	l.stream = nil
	destroyed := l.destroyed
	l.mu.Unlock()

	if destroyed {
		return
	}

	log.Printf("[link:%s] stream disconnected: %v", l.gitterRoomName, err)
	l.bridge.limiter.Schedule(l.startStream)
}

// ToGitter relays one Matrix message into the Gitter room as the owning
// user. Failures are logged; a lost message is not retried.
func (l *RoomLink) ToGitter(body, formattedBody string) {
	text := markup.ToGitter(body, formattedBody)

	if err := l.bridge.gitter.PostMessage(context.Background(), l.user, l.gitterRoomID, text); err != nil {
		log.Printf("[link:%s] post to Gitter failed: %v", l.gitterRoomName, err)
	}
}

// Destroy tears the link down: the live stream is closed, the link leaves
// the bridge index, and the persisted row is deleted, all in one
// operation. Reports whether this call did the teardown; repeat calls are
// no-ops.
func (l *RoomLink) Destroy() bool {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return false
	}
	l.destroyed = true
	stream := l.stream
	l.stream = nil
	l.mu.Unlock()

	if stream != nil {
		// Best-effort: releasing the connection also ends the read loop.
		_ = stream.Close()
	}

	l.bridge.removeLink(l)

	if err := l.bridge.store.DeleteBridgedRoom(l.user.MatrixUsername, l.matrixRoom); err != nil {
		log.Printf("[link:%s] delete bridged room: %v", l.gitterRoomName, err)
	}

	log.Printf("[link:%s] destroyed (matrix room %s)", l.gitterRoomName, l.matrixRoom)
	return true
}
