package matrix

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/globekeeper/gomatrix"
)

// AppService is the inbound surface the homeserver pushes to. It
// authenticates each request against the homeserver-supplied token and
// hands decoded events to the bridge, one at a time, in delivery order.
type AppService struct {
	homeserverToken string

	// onEvent processes one pushed event. It runs synchronously per event;
	// the next event of a transaction is not delivered until it returns.
	onEvent func(ev *gomatrix.Event)

	// registerUser best-effort registers a queried virtual user localpart.
	registerUser func(localpart string)

	debug bool
}

func NewAppService(homeserverToken string, onEvent func(*gomatrix.Event), registerUser func(string), debug bool) *AppService {
	return &AppService{
		homeserverToken: homeserverToken,
		onEvent:         onEvent,
		registerUser:    registerUser,
		debug:           debug,
	}
}

// Handler returns the HTTP handler for the appservice port.
func (a *AppService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/", a.handleTransactions)
	mux.HandleFunc("/users/", a.handleUsers)
	return mux
}

// authorize checks the access_token query parameter. It writes the error
// response itself and reports whether the request may proceed.
func (a *AppService) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("access_token")

	if token == "" {
		log.Printf("[appservice] request without access token")
		writeJSONError(w, http.StatusUnauthorized, "M_MISSING_TOKEN")
		return false
	}

	if token != a.homeserverToken {
		log.Printf("[appservice] request with wrong access token")
		writeJSONError(w, http.StatusForbidden, "M_FORBIDDEN")
		return false
	}

	return true
}

func (a *AppService) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}

	if r.Method != http.MethodPut {
		writeJSONError(w, http.StatusMethodNotAllowed, "M_UNRECOGNIZED")
		return
	}

	txid := strings.TrimPrefix(r.URL.Path, "/transactions/")
	if txid == "" || strings.Contains(txid, "/") {
		writeJSONError(w, http.StatusNotFound, "M_NOT_FOUND")
		return
	}

	var txn struct {
		Events []gomatrix.Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		log.Printf("[appservice] bad transaction %s: %v", txid, err)
		writeJSONError(w, http.StatusBadRequest, "M_BAD_JSON")
		return
	}

	if a.debug {
		log.Printf("[appservice] transaction %s with %d event(s)", txid, len(txn.Events))
	}

	for i := range txn.Events {
		a.onEvent(&txn.Events[i])
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "{}")
}

// handleUsers answers the homeserver's "does this user exist" probe. The
// bridge pre-registers virtual users before speaking as them, so this is a
// best-effort register and an ownership check on the localpart.
func (a *AppService) handleUsers(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}

	mxid := strings.TrimPrefix(r.URL.Path, "/users/")
	localpart := strings.TrimPrefix(strings.SplitN(mxid, ":", 2)[0], "@")

	if !strings.HasPrefix(localpart, "gitter") {
		writeJSONError(w, http.StatusNotFound, "M_NOT_FOUND")
		return
	}

	if a.registerUser != nil {
		a.registerUser(localpart)
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "{}")
}

func writeJSONError(w http.ResponseWriter, status int, errcode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errcode": %q}`, errcode)
}
