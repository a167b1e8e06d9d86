package gitter

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

const (
	authorizeURL = "https://gitter.im/login/oauth/authorize"
	tokenURL     = "https://gitter.im/login/oauth/token"
)

// LoginServer hosts the web side of the Gitter OAuth2 flow. Users reach it
// from a link posted in their private control room; the callback hands the
// resulting access token to the bridge.
//
// The OAuth state is "<matrix_username>|<hex hmac-sha1>", signed with the
// configured secret key, so the callback can trust the username it carries
// without any server-side session.
type LoginServer struct {
	secretKey   []byte
	botFullname string
	publicURL   string

	oauth *oauth2.Config

	// complete finishes a user's registration once a token is obtained.
	complete func(matrixUser, accessToken string)
}

// NewLoginServer builds the login surface. publicURL is the externally
// reachable base of this server and must end with a slash.
func NewLoginServer(oauthKey, oauthSecret, publicURL, secretKey, botFullname string, complete func(matrixUser, accessToken string)) *LoginServer {
	return &LoginServer{
		secretKey:   []byte(secretKey),
		botFullname: botFullname,
		publicURL:   publicURL,
		complete:    complete,
		oauth: &oauth2.Config{
			ClientID:     oauthKey,
			ClientSecret: oauthSecret,
			RedirectURL:  publicURL + "callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  authorizeURL,
				TokenURL: tokenURL,
				// Gitter wants client_id/client_secret in the form body.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// AuthLink returns the URL a user must visit to authorize the bridge.
func (s *LoginServer) AuthLink(matrixUser string) string {
	state := matrixUser + "|" + s.sign(matrixUser)
	return s.publicURL + "auth_gitter/" + url.PathEscape(state)
}

// Handler returns the HTTP handler for the login port.
func (s *LoginServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/auth_gitter/", s.handleRedirect)
	mux.HandleFunc("/callback", s.handleCallback)
	return mux
}

func (s *LoginServer) sign(msg string) string {
	mac := hmac.New(sha1.New, s.secretKey)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyState splits and checks a state value, returning the embedded
// Matrix username. The HMAC comparison is constant-time.
func (s *LoginServer) verifyState(state string) (string, bool) {
	i := strings.LastIndex(state, "|")
	if i < 0 {
		return "", false
	}

	user, sig := state[:i], state[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.sign(user))) {
		return "", false
	}

	return user, true
}

func (s *LoginServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Matrix-Gitter bridge</title></head>
<body>
<h1>Matrix-Gitter bridge</h1>
<p>This is a bridge between Matrix and Gitter. To use it, open a private
conversation with <code>%s</code> from your Matrix client.</p>
</body>
</html>
`, s.botFullname)
}

func (s *LoginServer) handleRedirect(w http.ResponseWriter, r *http.Request) {
	state := strings.TrimPrefix(r.URL.Path, "/auth_gitter/")

	user, ok := s.verifyState(state)
	if !ok {
		log.Printf("[oauth] rejecting auth link with bad state")
		http.NotFound(w, r)
		return
	}

	log.Printf("[oauth] user %s starting Gitter authorization", user)
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

func (s *LoginServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	user, ok := s.verifyState(state)
	if !ok {
		log.Printf("[oauth] rejecting callback with bad state")
		http.Error(w, "invalid state", http.StatusForbidden)
		return
	}

	log.Printf("[oauth] authorization callback for user %s", user)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		log.Printf("[oauth] token exchange failed for %s: %v", user, err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	if !strings.EqualFold(tok.Type(), "bearer") {
		log.Printf("[oauth] got token of unexpected type %q for %s", tok.Type(), user)
		http.Error(w, "unexpected token type", http.StatusBadGateway)
		return
	}

	// Registration involves further API round-trips; don't hold the user's
	// browser open for them.
	go s.complete(user, tok.AccessToken)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Matrix-Gitter bridge</title></head>
<body>
<p>You are now logged in. You can close this window and return to your
Matrix client.</p>
</body>
</html>
`)
}
