package ratelimit

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SubjectType says which identity a subject was derived from.
type SubjectType string

const (
	SubjectAPIKey SubjectType = "api_key"
	SubjectUser   SubjectType = "user"
	SubjectIP     SubjectType = "ip"
)

// Subject is the identity charged for a request.
type Subject struct {
	Type SubjectType
	ID   string
}

// Key renders the subject for use in window keys.
func (s Subject) Key() string {
	return string(s.Type) + ":" + s.ID
}

// Identity is what the authentication layer knows about a caller.
type Identity struct {
	APIKey string
	UserID string
	Tier   string
}

// ResolveSubject picks the subject in fixed precedence: API-key hash, then
// authenticated user id, then client IP.
func ResolveSubject(r *http.Request, id Identity) Subject {
	if key := strings.TrimSpace(id.APIKey); key != "" {
		return Subject{Type: SubjectAPIKey, ID: HashAPIKey(key)}
	}
	if user := strings.TrimSpace(id.UserID); user != "" {
		return Subject{Type: SubjectUser, ID: user}
	}
	return Subject{Type: SubjectIP, ID: ClientIP(r)}
}

// HashAPIKey returns a hex digest so raw keys never reach the store.
func HashAPIKey(raw string) string {
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

// ClientIP is best effort: the first X-Forwarded-For entry, else the socket peer.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
