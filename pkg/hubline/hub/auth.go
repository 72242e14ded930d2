package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing authorization token")
	ErrInvalidToken = errors.New("invalid authorization token")
	ErrForbidden    = errors.New("topic not allowed")
)

const (
	// AuthorizationCookie is the cookie a browser subscriber may carry its token in.
	AuthorizationCookie = "mercureAuthorization"
	authorizationQuery  = "authorization"

	// AllTopics in a claim grants access to every topic.
	AllTopics = "*"
)

// MercureClaim lists the topic patterns a token may publish and subscribe to.
type MercureClaim struct {
	Publish   []string `json:"publish,omitempty"`
	Subscribe []string `json:"subscribe,omitempty"`
}

// Claims is the JWT payload understood by the hub.
type Claims struct {
	Mercure MercureClaim `json:"mercure"`
	jwt.RegisteredClaims
}

// Authorizer validates hub tokens and checks topic access.
type Authorizer struct {
	subscriberKey   []byte
	publisherKey    []byte
	anonymousTopics []string
}

// NewAuthorizer creates an authorizer. A nil subscriberKey reuses the
// publisher key. anonymousTopics are the patterns a request without any token
// may subscribe to.
func NewAuthorizer(publisherKey, subscriberKey []byte, anonymousTopics []string) *Authorizer {
	if len(subscriberKey) == 0 {
		subscriberKey = publisherKey
	}
	return &Authorizer{
		subscriberKey:   subscriberKey,
		publisherKey:    publisherKey,
		anonymousTopics: anonymousTopics,
	}
}

// ParseToken verifies an HMAC-signed token and returns its claims.
func ParseToken(token string, key []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// SignToken mints an HS256 token for subject carrying the given publish and
// subscribe patterns. A zero ttl produces a token without expiry.
func SignToken(key []byte, subject string, publish, subscribe []string, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("signing key is required")
	}

	now := time.Now()
	claims := Claims{
		Mercure: MercureClaim{Publish: publish, Subscribe: subscribe},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// tokenFromRequest looks for a token in the Authorization header, then the
// authorization query parameter, then the cookie.
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if token := r.URL.Query().Get(authorizationQuery); token != "" {
		return token
	}
	if cookie, err := r.Cookie(AuthorizationCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// topicAllowed reports whether topic is covered by one of patterns. Patterns
// may use + and # wildcards. A topic that itself has wildcards is allowed only
// when every topic it could match is also matched by the pattern.
func topicAllowed(patterns []string, topic string) bool {
	wildcard := strings.ContainsAny(topic, "+#")
	for _, pattern := range patterns {
		if pattern == AllTopics || pattern == topic {
			return true
		}
		if wildcard {
			if patternCovers(pattern, topic) {
				return true
			}
		} else if mqttpattern.Matches(pattern, topic) {
			return true
		}
	}
	return false
}

// patternCovers compares a wildcard subscription with a granted pattern level
// by level. A requested + needs a + or # in the grant, a requested # needs a #
// at the same level or above.
func patternCovers(pattern, requested string) bool {
	granted := strings.Split(pattern, "/")
	levels := strings.Split(requested, "/")

	for i, level := range levels {
		if i >= len(granted) {
			return false
		}
		switch grant := granted[i]; {
		case grant == "#":
			return true
		case level == "#":
			return false
		case level == "+":
			if grant != "+" {
				return false
			}
		case grant != "+" && grant != level:
			return false
		}
	}

	switch len(granted) - len(levels) {
	case 0:
		return true
	case 1:
		return granted[len(levels)] == "#"
	default:
		return false
	}
}

// subscribeScope returns the patterns the request may subscribe to.
func (a *Authorizer) subscribeScope(r *http.Request) ([]string, error) {
	token := tokenFromRequest(r)
	if token == "" {
		if len(a.anonymousTopics) > 0 {
			return a.anonymousTopics, nil
		}
		return nil, ErrMissingToken
	}

	claims, err := ParseToken(token, a.subscriberKey)
	if err != nil {
		return nil, err
	}
	return claims.Mercure.Subscribe, nil
}

// AuthorizeSubscribe checks that the request may subscribe to every topic and
// returns the allowed patterns for later subscriptions on the same connection.
func (a *Authorizer) AuthorizeSubscribe(r *http.Request, topics []string) ([]string, error) {
	scope, err := a.subscribeScope(r)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if !topicAllowed(scope, topic) {
			return nil, fmt.Errorf("%w: %s", ErrForbidden, topic)
		}
	}
	return scope, nil
}

// AuthorizePublish checks that the request carries a publisher token covering
// every topic.
func (a *Authorizer) AuthorizePublish(r *http.Request, topics []string) (*Claims, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := ParseToken(token, a.publisherKey)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if !topicAllowed(claims.Mercure.Publish, topic) {
			return nil, fmt.Errorf("%w: %s", ErrForbidden, topic)
		}
	}
	return claims, nil
}

func authStatus(err error) int {
	if errors.Is(err, ErrForbidden) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}
