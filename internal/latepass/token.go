package latepass

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind is the fixed kind claim carried by late pass tokens.
const TokenKind = "late_pass"

var (
	// ErrTokenInvalid covers every verification failure except expiry: bad
	// signature, wrong algorithm, wrong kind, missing fields, garbage input.
	ErrTokenInvalid = errors.New("late pass token invalid")
	// ErrTokenExpired means the token is authentic but past its expiry.
	// Decode returns the claims alongside it.
	ErrTokenExpired = errors.New("late pass token expired")
)

// TokenClaims is the payload of a late pass token.
type TokenClaims struct {
	TicketID  string `json:"ticketId"`
	StudentID string `json:"studentId"`
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	jwt.RegisteredClaims
}

// CodecConfig is the immutable signing configuration, built once at startup.
type CodecConfig struct {
	SigningKey []byte
	Issuer     string
}

// Codec encodes and decodes signed late pass tokens.
type Codec struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewCodec builds a codec. A missing signing key is a configuration error
// that callers should treat as fatal.
func NewCodec(cfg CodecConfig, now func() time.Time) (*Codec, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("late pass signing key is not configured")
	}
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(cfg.SigningKey))
	copy(key, cfg.SigningKey)
	return &Codec{key: key, issuer: cfg.Issuer, now: now}, nil
}

// Encode signs a token binding ticket, student and session that expires at
// expiresAt. The exp claim has whole-second precision and is rounded up, so
// the token never lapses before the ticket does.
func (c *Codec) Encode(ticketID, studentID, sessionID string, expiresAt time.Time) (string, error) {
	claims := TokenClaims{
		TicketID:  ticketID,
		StudentID: studentID,
		SessionID: sessionID,
		Kind:      TokenKind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   studentID,
			ExpiresAt: jwt.NewNumericDate(ceilSecond(expiresAt)),
			IssuedAt:  jwt.NewNumericDate(c.now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
}

// Decode verifies token and returns its claims. Forged, malformed or foreign
// tokens yield ErrTokenInvalid and no claims. An authentic token past its exp
// yields its claims together with ErrTokenExpired, so callers can still report
// the ticket's own state.
func (c *Codec) Decode(token string) (TokenClaims, error) {
	// Time-based claims are checked below against the codec's clock; the
	// parser only verifies algorithm and signature.
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return TokenClaims{}, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid {
		return TokenClaims{}, ErrTokenInvalid
	}
	if claims.Kind != TokenKind || claims.TicketID == "" || claims.StudentID == "" || claims.SessionID == "" {
		return TokenClaims{}, ErrTokenInvalid
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return TokenClaims{}, ErrTokenInvalid
	}
	if claims.ExpiresAt == nil {
		return TokenClaims{}, ErrTokenInvalid
	}
	if c.now().After(claims.ExpiresAt.Time) {
		return *claims, ErrTokenExpired
	}
	return *claims, nil
}

func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}
