package server

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionCookieName  = "session"
	stateCookieName    = "oauth_state"
	returnToCookieName = "oauth_return_to"

	stateTTL = 5 * time.Minute

	// Browsers drop cookies over 4096 bytes including name and attributes,
	// so the encoded session is spread over session, session_1, ...
	sessionChunkSize = 3800
	maxSessionChunks = 8
)

// SessionManager handles the cookie-borne session and the short-lived flow cookies.
type SessionManager struct {
	codec        *securecookie.SecureCookie
	logger       *slog.Logger
	secure       bool
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager derives cookie keys from secret.
func NewSessionManager(cfg Config, secret []byte, logger *slog.Logger) (*SessionManager, error) {
	hashKey, err := deriveKey(secret, "iamgate session hmac", 64)
	if err != nil {
		return nil, err
	}
	blockKey, err := deriveKey(secret, "iamgate session aes", 32)
	if err != nil {
		return nil, err
	}

	codec := securecookie.New(hashKey, blockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	// Expiry is enforced from the session's own expires_in.
	codec.MaxAge(0)
	codec.MaxLength(sessionChunkSize * maxSessionChunks)

	return &SessionManager{
		codec:        codec,
		logger:       logger,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}, nil
}

func deriveKey(secret []byte, info string, n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// RandomSecret returns n random bytes for dev-mode keys.
func RandomSecret(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return b, nil
}

func (sm *SessionManager) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func sessionChunkName(i int) string {
	if i == 0 {
		return sessionCookieName
	}
	return sessionCookieName + "_" + strconv.Itoa(i)
}

// Issue encodes sess and sets the session cookies with max-age = expires_in.
// Chunks left over from a longer session in r are expired.
func (sm *SessionManager) Issue(w http.ResponseWriter, r *http.Request, sess Session) error {
	if sess.ExpiresIn <= 0 {
		sess.ExpiresIn = DefaultSessionSeconds
	}
	if sess.IssuedAt == 0 {
		sess.IssuedAt = sm.now().Unix()
	}
	encoded, err := sm.codec.Encode(sessionCookieName, sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	n := 0
	for ; len(encoded) > 0; n++ {
		size := min(sessionChunkSize, len(encoded))
		http.SetCookie(w, sm.cookie(sessionChunkName(n), encoded[:size], sess.ExpiresIn))
		encoded = encoded[size:]
	}
	sm.expireChunks(w, r, n)
	return nil
}

func (sm *SessionManager) expireChunks(w http.ResponseWriter, r *http.Request, from int) {
	if r == nil {
		return
	}
	for i := from; i < maxSessionChunks; i++ {
		if _, err := r.Cookie(sessionChunkName(i)); err == nil {
			http.SetCookie(w, sm.cookie(sessionChunkName(i), "", -1))
		}
	}
}

// ErrInvalidSession is returned for cookies that fail authentication or shape checks.
var ErrInvalidSession = errors.New("invalid session cookie")

// Fetch returns the session carried by the request, nil when there is none.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	var encoded strings.Builder
	for i := 0; i < maxSessionChunks; i++ {
		c, err := r.Cookie(sessionChunkName(i))
		if err != nil || c.Value == "" {
			break
		}
		encoded.WriteString(c.Value)
	}
	if encoded.Len() == 0 {
		return nil, nil
	}
	var sess Session
	if err := sm.codec.Decode(sessionCookieName, encoded.String(), &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if sess.AccessToken == "" || sess.User.IdentityID == "" {
		return nil, ErrInvalidSession
	}
	if sess.Expired(sm.now()) {
		return nil, nil
	}
	return &sess, nil
}

// Clear removes the session cookie and any chunks r carries.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, sm.cookie(sessionCookieName, "", -1))
	sm.expireChunks(w, r, 1)
}

// SetState stores the anti-CSRF state for one authorization-code flow.
func (sm *SessionManager) SetState(w http.ResponseWriter, state string) {
	http.SetCookie(w, sm.cookie(stateCookieName, state, int(stateTTL.Seconds())))
}

// State returns the stored state, or "".
func (sm *SessionManager) State(r *http.Request) string {
	c, err := r.Cookie(stateCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// ClearState invalidates the state cookie.
func (sm *SessionManager) ClearState(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie(stateCookieName, "", -1))
}

// SetReturnTo remembers where to send the browser after login.
func (sm *SessionManager) SetReturnTo(w http.ResponseWriter, path string) {
	http.SetCookie(w, sm.cookie(returnToCookieName, path, int(stateTTL.Seconds())))
}

// ReturnTo returns the remembered path if it is still a safe local path.
func (sm *SessionManager) ReturnTo(r *http.Request) string {
	c, err := r.Cookie(returnToCookieName)
	if err != nil || !isLocalPath(c.Value) {
		return ""
	}
	return c.Value
}

// ClearReturnTo drops the return-to cookie.
func (sm *SessionManager) ClearReturnTo(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie(returnToCookieName, "", -1))
}
