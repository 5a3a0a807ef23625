package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Purpose scopes a signed token to one flow.
type Purpose string

const (
	PurposeState   Purpose = "state"
	PurposeCSRF    Purpose = "csrf"
	PurposePrefill Purpose = "prefill"
	PurposeSession Purpose = "session"
)

// Token lifetimes per purpose.
const (
	StateTTL   = 10 * time.Minute
	CSRFTTL    = time.Hour
	PrefillTTL = 15 * time.Minute
	SessionTTL = 7 * 24 * time.Hour
)

// Claims carried by every signed token.
type Claims struct {
	Purpose Purpose `json:"pur"`
	Nonce   string  `json:"nonce,omitempty"`
	Slug    string  `json:"slug,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens. A token issued for one purpose
// never verifies as another.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner returns a signer for key. An empty key gets a random
// per-process key, which invalidates outstanding tokens on restart.
func NewSigner(key string) (*Signer, error) {
	if key == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		return &Signer{key: b, now: time.Now}, nil
	}
	if len(key) < 16 {
		return nil, errors.New("signing key must be at least 16 bytes")
	}
	return &Signer{key: []byte(key), now: time.Now}, nil
}

// WithClock replaces the signer's time source.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

func (s *Signer) issue(c Claims, ttl time.Duration) (string, error) {
	now := s.now()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
}

func (s *Signer) verify(token string, want Purpose) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Purpose != want {
		return nil, fmt.Errorf("%w: purpose %q, want %q", ErrTokenInvalid, claims.Purpose, want)
	}
	return claims, nil
}

// NewNonce returns a random URL-safe nonce.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IssueState signs an OAuth state value bound to nonce.
func (s *Signer) IssueState(nonce string) (string, error) {
	return s.issue(Claims{Purpose: PurposeState, Nonce: nonce}, StateTTL)
}

// VerifyState checks an OAuth state and returns its nonce.
func (s *Signer) VerifyState(token string) (string, error) {
	c, err := s.verify(token, PurposeState)
	if err != nil {
		return "", err
	}
	return c.Nonce, nil
}

// IssueCSRF signs a CSRF token for subject (usually a session account id).
func (s *Signer) IssueCSRF(subject string) (string, error) {
	return s.issue(Claims{Purpose: PurposeCSRF, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}, CSRFTTL)
}

// VerifyCSRF checks the token and that it was issued for subject.
func (s *Signer) VerifyCSRF(token, subject string) error {
	c, err := s.verify(token, PurposeCSRF)
	if err != nil {
		return err
	}
	if c.Subject != subject {
		return fmt.Errorf("%w: csrf subject mismatch", ErrTokenInvalid)
	}
	return nil
}

// IssuePrefill signs the identity a chat user claimed with !setupchat so the
// OAuth callback can check the authorized account is the same one.
func (s *Signer) IssuePrefill(slug, userID string) (string, error) {
	return s.issue(Claims{Purpose: PurposePrefill, Slug: slug, RegisteredClaims: jwt.RegisteredClaims{Subject: userID}}, PrefillTTL)
}

// VerifyPrefill returns the slug and platform user id from a prefill token.
func (s *Signer) VerifyPrefill(token string) (slug, userID string, err error) {
	c, err := s.verify(token, PurposePrefill)
	if err != nil {
		return "", "", err
	}
	return c.Slug, c.Subject, nil
}

// IssueSession signs a browser session for a streamer account.
func (s *Signer) IssueSession(accountID string) (string, error) {
	return s.issue(Claims{Purpose: PurposeSession, RegisteredClaims: jwt.RegisteredClaims{Subject: accountID}}, SessionTTL)
}

// VerifySession returns the account id of a session token.
func (s *Signer) VerifySession(token string) (string, error) {
	c, err := s.verify(token, PurposeSession)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}
