package gitter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gitterbridge/gitterbridge/internal/store"
)

func testUser() *store.User {
	return &store.User{
		MatrixUsername:    "@alice:example.org",
		GithubUsername:    "alice-gh",
		GitterID:          "G1",
		GitterAccessToken: "tok",
	}
}

func testClient(srv *httptest.Server) *Client {
	c := NewClient(false)
	c.apiURL = srv.URL + "/"
	c.streamURL = srv.URL + "/"
	return c
}

func TestWhoami(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/user" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization header = %q", got)
		}
		json.NewEncoder(w).Encode([]UserInfo{{Username: "alice-gh", ID: "G1"}})
	}))
	defer srv.Close()

	info, err := testClient(srv).Whoami(context.Background(), "tok")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if info.Username != "alice-gh" || info.ID != "G1" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestListRoomsStripsLeadingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Room{
			{ID: "R1", URL: "/matrix-org/matrix-js-sdk"},
			{ID: "R2", URL: "/gitterHQ/sandbox"},
		})
	}))
	defer srv.Close()

	rooms, err := testClient(srv).ListRooms(context.Background(), testUser())
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].Name != "matrix-org/matrix-js-sdk" {
		t.Errorf("room name = %q", rooms[0].Name)
	}
}

func TestLookupRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/rooms" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["uri"] != "matrix-org/matrix-js-sdk" {
			t.Errorf("lookup uri = %q", body["uri"])
		}
		json.NewEncoder(w).Encode(Room{ID: "R1", URL: "/matrix-org/matrix-js-sdk"})
	}))
	defer srv.Close()

	room, err := testClient(srv).LookupRoom(context.Background(), testUser(), "matrix-org/matrix-js-sdk")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if room.ID != "R1" || room.Name != "matrix-org/matrix-js-sdk" {
		t.Fatalf("unexpected room %+v", room)
	}
}

func TestJoinAndLeaveRoomPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPost && r.URL.Path == "/v1/rooms" {
			json.NewEncoder(w).Encode(Room{ID: "R1", URL: "/org/room"})
			return
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := testClient(srv)
	if err := c.JoinRoom(context.Background(), testUser(), "R1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.LeaveRoom(context.Background(), testUser(), "org/room"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	want := []string{
		"POST /v1/user/G1/rooms",
		"POST /v1/rooms",
		"DELETE /v1/rooms/R1/users/G1",
	}
	if len(paths) != len(want) {
		t.Fatalf("requests = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("request %d = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestPostMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rooms/R1/chatMessages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "**hello**" {
			t.Errorf("text = %q", body["text"])
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	if err := testClient(srv).PostMessage(context.Background(), testUser(), "R1", "**hello**"); err != nil {
		t.Fatalf("post: %v", err)
	}
}

func TestNon200BecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := testClient(srv).Whoami(context.Background(), "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Body != "slow down" {
		t.Fatalf("unexpected APIError %+v", apiErr)
	}
}

func TestOpenStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rooms/R1/chatMessages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte("\n" + `{"fromUser":{"username":"bob"},"text":"hi"}` + "\n"))
	}))
	defer srv.Close()

	body, err := testClient(srv).OpenStream(context.Background(), testUser(), "R1")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	sr := NewStreamReader(body)
	defer sr.Close()

	if _, err := sr.Read(); !errors.Is(err, ErrKeepAlive) {
		t.Fatalf("expected keep-alive first, got %v", err)
	}
	msg, err := sr.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Text != "hi" {
		t.Fatalf("unexpected message %+v", msg)
	}
}
