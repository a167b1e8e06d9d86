// Package matrix wraps the Matrix client API for the bridge bot and its
// puppeted virtual users, and exposes the application-service endpoint the
// homeserver pushes event transactions to.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/globekeeper/gomatrix"
)

const requestTimeout = 20 * time.Second

// Client talks to the homeserver with application-service privileges. The
// bot acts under its own identity; virtual users are puppeted by asserting
// their user id on a per-request basis.
type Client struct {
	homeserverURL string
	domain        string
	botFullname   string
	asToken       string

	bot  *gomatrix.Client
	http *http.Client
}

func NewClient(homeserverURL, domain, botname, asToken string) (*Client, error) {
	httpClient := &http.Client{Timeout: requestTimeout}
	botFullname := "@" + botname + ":" + domain

	bot, err := gomatrix.NewClient(homeserverURL, botFullname, asToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	bot.Client = httpClient

	return &Client{
		homeserverURL: homeserverURL,
		domain:        domain,
		botFullname:   botFullname,
		asToken:       asToken,
		bot:           bot,
		http:          httpClient,
	}, nil
}

// BotFullname returns the fully qualified Matrix ID of the bridge bot.
func (c *Client) BotFullname() string {
	return c.botFullname
}

// Domain returns the homeserver domain virtual users live on.
func (c *Client) Domain() string {
	return c.domain
}

// asUser builds a puppet client that asserts userID on every request.
func (c *Client) asUser(userID string) *gomatrix.Client {
	// The homeserver URL was parsed once at startup; it cannot fail here.
	cli, _ := gomatrix.NewClient(c.homeserverURL, userID, c.asToken)
	cli.Client = c.http
	cli.AppServiceUserID = userID
	return cli
}

// CreateRoom creates a private room and returns its id.
func (c *Client) CreateRoom(ctx context.Context, name string, invite []string) (string, error) {
	resp, err := c.bot.CreateRoom(ctx, &gomatrix.ReqCreateRoom{
		Preset: "private_chat",
		Name:   name,
		Invite: invite,
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

// Invite invites userID to a room, as the bot.
func (c *Client) Invite(ctx context.Context, room, userID string) error {
	_, err := c.bot.InviteUser(ctx, room, &gomatrix.ReqInviteUser{UserID: userID})
	if err != nil {
		return fmt.Errorf("invite %s to %s: %w", userID, room, err)
	}
	return nil
}

// BotJoin joins the bot to a room it has been invited to.
func (c *Client) BotJoin(ctx context.Context, room string) error {
	if _, err := c.bot.JoinRoom(ctx, room, "", nil); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	return nil
}

// JoinAs joins a virtual user to a room.
func (c *Client) JoinAs(ctx context.Context, userID, room string) error {
	if _, err := c.asUser(userID).JoinRoom(ctx, room, "", nil); err != nil {
		return fmt.Errorf("join %s as %s: %w", room, userID, err)
	}
	return nil
}

// Leave makes the bot leave a room.
func (c *Client) Leave(ctx context.Context, room string) error {
	if _, err := c.bot.LeaveRoom(ctx, room); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	return nil
}

// Forget discards a room the bot has left.
func (c *Client) Forget(ctx context.Context, room string) error {
	if _, err := c.bot.ForgetRoom(ctx, room); err != nil {
		return fmt.Errorf("forget %s: %w", room, err)
	}
	return nil
}

// JoinedMembers returns the sorted user IDs currently joined to a room.
func (c *Client) JoinedMembers(ctx context.Context, room string) ([]string, error) {
	resp, err := c.bot.JoinedMembers(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", room, err)
	}

	members := make([]string, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members, nil
}

// SendText sends a plain text message to a room as the bot.
func (c *Client) SendText(ctx context.Context, room, text string) error {
	if _, err := c.bot.SendText(ctx, room, text); err != nil {
		return fmt.Errorf("send to %s: %w", room, err)
	}
	return nil
}

// SendTextAs sends a plain text message to a room as a virtual user.
func (c *Client) SendTextAs(ctx context.Context, userID, room, text string) error {
	if _, err := c.asUser(userID).SendText(ctx, room, text); err != nil {
		return fmt.Errorf("send to %s as %s: %w", room, userID, err)
	}
	return nil
}

// RegisterVirtualUser registers a user in the bridge's namespace. An
// already-registered localpart is success.
func (c *Client) RegisterVirtualUser(ctx context.Context, localpart string) error {
	req := struct {
		Type     string `json:"type"`
		Username string `json:"username"`
	}{
		Type:     "m.login.application_service",
		Username: localpart,
	}

	var resp gomatrix.RespRegister
	err := c.bot.MakeRequest(ctx, http.MethodPost, c.bot.BuildURL("register"), &req, &resp)
	if err != nil && !isMatrixErrCode(err, "M_USER_IN_USE") {
		return fmt.Errorf("register %s: %w", localpart, err)
	}
	return nil
}

// SetDisplayNameAs sets a virtual user's display name, under its own
// identity.
func (c *Client) SetDisplayNameAs(ctx context.Context, userID, displayName string) error {
	if err := c.asUser(userID).SetDisplayName(ctx, displayName); err != nil {
		return fmt.Errorf("set displayname of %s: %w", userID, err)
	}
	return nil
}

func isMatrixErrCode(err error, code string) bool {
	var httpErr *gomatrix.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.MatrixError.ErrCode == code
	}
	return false
}
