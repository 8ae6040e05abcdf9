// Package gate authenticates incoming real-time connections. A connection
// presents one bearer token at handshake time; the gate verifies it and
// resolves the identity that lock operations are attributed to. There is
// no per-message re-authentication.
package gate

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	collaberrors "github.com/parishworks/collab/errors"
)

// Identity is the decoded claim set attached to an authenticated
// connection. MemberID is nil for operators without a linked member
// record.
type Identity struct {
	UserID   int64   `json:"userId"`
	Username string  `json:"username"`
	Role     string  `json:"role"`
	MemberID *string `json:"memberId"`
}

type claims struct {
	UserID   int64   `json:"userId"`
	Username string  `json:"username"`
	Role     string  `json:"role"`
	MemberID *string `json:"memberId"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens issued by the account system.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier checking signatures against secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify checks the token and returns the identity it carries. An empty
// token fails with ErrNoToken; any signature, structure, or expiry problem
// fails with ErrInvalidToken. Verification failure is fatal to the
// connection attempt.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, collaberrors.ErrNoToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, collaberrors.ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return Identity{}, collaberrors.ErrInvalidToken
	}
	return Identity{
		UserID:   c.UserID,
		Username: c.Username,
		Role:     c.Role,
		MemberID: c.MemberID,
	}, nil
}

// Sign issues a token for identity, valid for ttl. The account system owns
// token issuance in production; this mirrors its format for tests and
// tooling.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		UserID:   id.UserID,
		Username: id.Username,
		Role:     id.Role,
		MemberID: id.MemberID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
