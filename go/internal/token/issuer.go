package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/debateroom/go/internal/models"
)

const (
	tokenType    = "app"
	tokenVersion = 2

	// issuedAtSkew backdates iat to tolerate clock drift on the platform side.
	issuedAtSkew = 30 * time.Second
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = time.Hour

	guestRole = "guest"
)

var (
	ErrInvalidRole  = errors.New("invalid role")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("token secret is not configured")
)

// roleMap maps application roles onto platform roles.
var roleMap = map[models.Role]string{
	models.RoleJudge:     "judge",
	models.RoleSpeaker:   "speaker",
	models.RoleModerator: "moderator",
	models.RoleAudience:  "audience",
}

// PlatformRole returns the platform role for an application role.
func PlatformRole(role models.Role) string {
	if r, ok := roleMap[role]; ok {
		return r
	}
	return guestRole
}

// Claims is the payload of an app token.
type Claims struct {
	AccessKey string `json:"access_key"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	AppRole   string `json:"app_role"`
	Type      string `json:"type"`
	Version   int    `json:"version"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 app tokens.
type Issuer struct {
	accessKey string
	secret    []byte
	ttl       time.Duration
	clock     clockwork.Clock
}

// NewIssuer creates an issuer. A zero ttl means DefaultTTL.
func NewIssuer(accessKey, secret string, ttl time.Duration, clock clockwork.Clock) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{
		accessKey: accessKey,
		secret:    []byte(secret),
		ttl:       ttl,
		clock:     clock,
	}
}

// Issue signs a token for userID in roomID with the given application role.
func (i *Issuer) Issue(userID, roomID string, role models.Role) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNoSecret
	}
	if _, ok := roleMap[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := i.clock.Now()
	claims := Claims{
		AccessKey: i.accessKey,
		RoomID:    roomID,
		UserID:    userID,
		Role:      PlatformRole(role),
		AppRole:   string(role),
		Type:      tokenType,
		Version:   tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now.Add(-issuedAtSkew)),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        fmt.Sprintf("%s-%d", userID, now.UnixMilli()),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw and returns its claims.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	if len(i.secret) == 0 {
		return nil, ErrNoSecret
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != tokenType {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrInvalidToken, claims.Type)
	}
	return claims, nil
}

// ParseUnverified reads the claims of raw without checking the signature.
// Peers use it to learn their own room and identity.
func ParseUnverified(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Peer builds the roster identity a token grants.
func (c *Claims) Peer(name string) (models.Peer, error) {
	role, err := models.ParseRole(c.AppRole)
	if err != nil {
		return models.Peer{}, err
	}
	if name == "" {
		name = c.UserID
	}
	return models.Peer{ID: c.UserID, Name: name, Role: role}, nil
}
