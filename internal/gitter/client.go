// Package gitter talks to the Gitter REST and streaming APIs on behalf of
// authenticated bridge users, and hosts the OAuth2 web flow that produces
// their access tokens.
package gitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gitterbridge/gitterbridge/internal/store"
)

const (
	defaultAPIURL    = "https://api.gitter.im/"
	defaultStreamURL = "https://stream.gitter.im/"

	requestTimeout = 20 * time.Second

	// Error bodies larger than this are truncated before being carried in
	// an APIError.
	maxErrorBody = 2 << 20
)

// APIError is a non-200 response from the Gitter API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitter api: HTTP %d: %s", e.Status, e.Body)
}

// UserInfo identifies the Gitter account behind an access token.
type UserInfo struct {
	Username string `json:"username"`
	ID       string `json:"id"`
}

// Room is a Gitter room. Name is the canonical "owner/repo" form, without
// the leading slash the API puts on the url field.
type Room struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"-"`
}

type Client struct {
	apiURL    string
	streamURL string

	http       *http.Client
	streamHTTP *http.Client

	debug bool
}

func NewClient(debug bool) *Client {
	return &Client{
		apiURL:    defaultAPIURL,
		streamURL: defaultStreamURL,
		http:      &http.Client{Timeout: requestTimeout},
		// Streams stay open indefinitely; they are closed by the remote or
		// by the room link being destroyed.
		streamHTTP: &http.Client{},
		debug:      debug,
	}
}

// request issues one authenticated API call and decodes the JSON response
// into out (when non-nil). Any non-200 status becomes an APIError.
func (c *Client) request(ctx context.Context, method, path, accessToken string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.debug {
		log.Printf("[gitter] %s %s", method, path)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &APIError{Status: res.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}

	return nil
}

// Whoami resolves an access token to the Gitter account it belongs to.
func (c *Client) Whoami(ctx context.Context, accessToken string) (UserInfo, error) {
	var users []UserInfo
	if err := c.request(ctx, http.MethodGet, "v1/user", accessToken, nil, &users); err != nil {
		return UserInfo{}, err
	}
	if len(users) == 0 {
		return UserInfo{}, fmt.Errorf("gitter api: v1/user returned no users")
	}
	return users[0], nil
}

// ListRooms returns the rooms the user is in.
func (c *Client) ListRooms(ctx context.Context, user *store.User) ([]Room, error) {
	var rooms []Room
	if err := c.request(ctx, http.MethodGet, "v1/rooms", user.GitterAccessToken, nil, &rooms); err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].Name = strings.TrimPrefix(rooms[i].URL, "/")
	}
	return rooms, nil
}

// LookupRoom resolves a room name to a room object without joining it.
func (c *Client) LookupRoom(ctx context.Context, user *store.User, name string) (Room, error) {
	var room Room
	err := c.request(ctx, http.MethodPost, "v1/rooms", user.GitterAccessToken,
		map[string]string{"uri": name}, &room)
	if err != nil {
		return Room{}, err
	}
	room.Name = strings.TrimPrefix(room.URL, "/")
	return room, nil
}

// JoinRoom joins the user to a room by id.
func (c *Client) JoinRoom(ctx context.Context, user *store.User, gitterRoomID string) error {
	path := fmt.Sprintf("v1/user/%s/rooms", url.PathEscape(user.GitterID))
	return c.request(ctx, http.MethodPost, path, user.GitterAccessToken,
		map[string]string{"id": gitterRoomID}, nil)
}

// LeaveRoom removes the user from a room, resolving the name first.
func (c *Client) LeaveRoom(ctx context.Context, user *store.User, name string) error {
	room, err := c.LookupRoom(ctx, user, name)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("v1/rooms/%s/users/%s",
		url.PathEscape(room.ID), url.PathEscape(user.GitterID))
	return c.request(ctx, http.MethodDelete, path, user.GitterAccessToken, nil, nil)
}

// PostMessage posts text to a room as the user. Callers are expected to
// have already rendered the text to Gitter markdown.
func (c *Client) PostMessage(ctx context.Context, user *store.User, gitterRoomID, text string) error {
	path := fmt.Sprintf("v1/rooms/%s/chatMessages", url.PathEscape(gitterRoomID))
	return c.request(ctx, http.MethodPost, path, user.GitterAccessToken,
		map[string]string{"text": text}, nil)
}

// OpenStream opens the chat-message stream for a room. The returned body is
// an endless newline-framed JSON stream; feed it to a StreamReader. There
// is no client-side timeout.
func (c *Client) OpenStream(ctx context.Context, user *store.User, gitterRoomID string) (io.ReadCloser, error) {
	streamPath := fmt.Sprintf("v1/rooms/%s/chatMessages", url.PathEscape(gitterRoomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL+streamPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+user.GitterAccessToken)

	res, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream for room %s: %w", gitterRoomID, err)
	}

	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		res.Body.Close()
		return nil, &APIError{Status: res.StatusCode, Body: string(data)}
	}

	return res.Body, nil
}
