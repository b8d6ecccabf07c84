package session

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"torii/storage"
)

// Store keys inside the session_{provider} namespace.
const (
	keyUserAgent       = "user_agent"
	keyCookiesJSON     = "cookies_json"
	keyDomain          = "domain"
	keyCookieTimestamp = "cookie_timestamp"
	keyFromWebview     = "from_webview"
)

// Store persists session state through a storage.KV namespace. Saving is
// best-effort: a failed write is logged and never surfaces to a request.
type Store struct {
	kv *storage.KV
}

// NewStore wraps an opened KV namespace (conventionally "session_{name}").
func NewStore(kv *storage.KV) *Store {
	return &Store{kv: kv}
}

// Save writes the full tuple. Call sites never check the error; persistence
// failure just means the next start is cold.
func (st *Store) Save(s State) {
	cookiesJSON, err := json.Marshal(s.Cookies)
	if err != nil {
		log.Printf("[SessionStore] failed to marshal cookies: %v", err)
		return
	}

	var ts int64
	if !s.CookieAcquiredAt.IsZero() {
		ts = s.CookieAcquiredAt.Unix()
	}

	err = st.kv.SetAll(map[string]string{
		keyUserAgent:       s.UserAgent,
		keyCookiesJSON:     string(cookiesJSON),
		keyDomain:          s.Domain,
		keyCookieTimestamp: strconv.FormatInt(ts, 10),
		keyFromWebview:     strconv.FormatBool(s.ViaBrowser),
	})
	if err != nil {
		log.Printf("[SessionStore] failed to persist session: %v", err)
	}
}

// Load restores the persisted tuple. ok is false when no cookies were ever
// persisted; callers treat that as a fresh session.
func (st *Store) Load() (State, bool) {
	cookiesJSON, present := st.kv.Get(keyCookiesJSON)
	if !present || cookiesJSON == "" {
		return State{}, false
	}

	var cookies map[string]string
	if err := json.Unmarshal([]byte(cookiesJSON), &cookies); err != nil {
		log.Printf("[SessionStore] failed to parse persisted cookies: %v", err)
		return State{}, false
	}
	if len(cookies) == 0 {
		return State{}, false
	}

	s := State{Cookies: cookies}
	s.UserAgent, _ = st.kv.Get(keyUserAgent)
	s.Domain, _ = st.kv.Get(keyDomain)

	if raw, ok := st.kv.Get(keyCookieTimestamp); ok {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil && ts > 0 {
			s.CookieAcquiredAt = time.Unix(ts, 0)
		}
	}
	if raw, ok := st.kv.Get(keyFromWebview); ok {
		s.ViaBrowser, _ = strconv.ParseBool(raw)
	}

	return s, true
}
