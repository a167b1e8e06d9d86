package bridge

import (
	"context"
	"log"
)

// virtualUserPrefix namespaces the Matrix identities the bridge puppets.
const virtualUserPrefix = "gitter_"

// ForwardToMatrix relays one Gitter message into a Matrix room as the
// virtual user representing its Gitter author. The virtual user is
// registered on first sight and joined to the room on first message there;
// both facts are cached in the registry so the work happens once. Failures
// along the way are logged and the remaining steps still run; the
// register and join calls are idempotent on the homeserver side.
func (b *Bridge) ForwardToMatrix(matrixRoom, gitterUsername, text string) {
	ctx := context.Background()

	localpart := virtualUserPrefix + gitterUsername
	virtualUser := "@" + localpart + ":" + b.domain

	exists, err := b.store.VirtualUserExists(localpart)
	if err != nil {
		log.Printf("[forward] virtual user lookup %s: %v", localpart, err)
	}
	if !exists {
		if err := b.matrix.RegisterVirtualUser(ctx, localpart); err != nil {
			// Registration failed outright; skip the displayname but keep
			// going, the user may exist on the homeserver anyway.
			log.Printf("[forward] register %s: %v", localpart, err)
		} else {
			if err := b.matrix.SetDisplayNameAs(ctx, virtualUser, gitterUsername+" (Gitter)"); err != nil {
				log.Printf("[forward] set displayname of %s: %v", virtualUser, err)
			}
			if err := b.store.AddVirtualUser(localpart); err != nil {
				log.Printf("[forward] record virtual user %s: %v", localpart, err)
			}
		}
	}

	inRoom, err := b.store.VirtualUserInRoom(virtualUser, matrixRoom)
	if err != nil {
		log.Printf("[forward] membership lookup %s: %v", virtualUser, err)
	}
	if !inRoom {
		if err := b.matrix.Invite(ctx, matrixRoom, virtualUser); err != nil {
			log.Printf("[forward] invite %s to %s: %v", virtualUser, matrixRoom, err)
		}
		if err := b.matrix.JoinAs(ctx, virtualUser, matrixRoom); err != nil {
			log.Printf("[forward] join %s to %s: %v", virtualUser, matrixRoom, err)
		} else {
			if err := b.store.AddVirtualUserInRoom(virtualUser, matrixRoom); err != nil {
				log.Printf("[forward] record membership of %s: %v", virtualUser, err)
			}
		}
	}

	if err := b.matrix.SendTextAs(ctx, virtualUser, matrixRoom, text); err != nil {
		log.Printf("[forward] send to %s as %s: %v", matrixRoom, virtualUser, err)
	}
}
