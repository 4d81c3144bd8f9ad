package security

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// Claims carries the identity embedded in an access token.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// refreshGrant is what a stored refresh token entitles the holder to.
type refreshGrant struct {
	UserID   uint
	Username string
	Role     string
}

// TokenService signs and validates JWT access tokens and manages
// refresh tokens and revocation. Refresh tokens and revoked token IDs
// live in process memory: a restart invalidates outstanding refresh
// tokens, which forces a re-login and is acceptable for this system.
type TokenService struct {
	secret     []byte
	issuer     string
	accessExp  time.Duration
	refreshExp time.Duration

	// Keyed by SHA-256 of the refresh token, value refreshGrant
	refreshTokens *gocache.Cache
	// Keyed by jti of revoked access tokens, value struct{}{}
	revoked *gocache.Cache
}

// NewTokenService creates a TokenService. The secret must be at least
// MinJWTSecretLength bytes.
func NewTokenService(secret, issuer string, accessExp, refreshExp time.Duration) (*TokenService, error) {
	if len(secret) < MinJWTSecretLength {
		return nil, errors.Newf("JWT secret must be at least %d characters", MinJWTSecretLength).
			Component("security").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if accessExp <= 0 {
		accessExp = 15 * time.Minute
	}
	if refreshExp <= 0 {
		refreshExp = 7 * 24 * time.Hour
	}

	return &TokenService{
		secret:        []byte(secret),
		issuer:        issuer,
		accessExp:     accessExp,
		refreshExp:    refreshExp,
		refreshTokens: gocache.New(refreshExp, revocationCleanupInterval),
		revoked:       gocache.New(accessExp, revocationCleanupInterval),
	}, nil
}

// GenerateTokenPair issues an access and refresh token for the given user.
func (ts *TokenService) GenerateTokenPair(userID uint, username, role string) (*TokenPair, error) {
	now := time.Now()
	expiresAt := now.Add(ts.accessExp)

	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   username,
			Issuer:    ts.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return nil, errors.New(err).
			Component("security").
			Category(errors.CategoryAuth).
			Context("operation", "sign_token").
			Build()
	}

	refresh := uuid.New().String()
	ts.refreshTokens.Set(hashToken(refresh), refreshGrant{
		UserID:   userID,
		Username: username,
		Role:     role,
	}, ts.refreshExp)

	return &TokenPair{
		AccessToken:  signed,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// ValidateAccessToken validates and parses a JWT access token, rejecting
// revoked tokens.
func (ts *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"]).
				Component("security").
				Category(errors.CategoryAuth).
				Build()
		}
		return ts.secret, nil
	}, jwt.WithIssuer(ts.issuer))
	if err != nil {
		return nil, errors.New(err).
			Component("security").
			Category(errors.CategoryAuth).
			Context("operation", "validate_token").
			Build()
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.Newf("invalid token").
			Component("security").
			Category(errors.CategoryAuth).
			Build()
	}

	if _, revoked := ts.revoked.Get(claims.ID); revoked {
		return nil, errors.Newf("token has been revoked").
			Component("security").
			Category(errors.CategoryAuth).
			Build()
	}

	return claims, nil
}

// RevokeAccessToken marks an access token as revoked until it would have
// expired anyway.
func (ts *TokenService) RevokeAccessToken(claims *Claims) {
	ttl := ts.accessExp
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 {
			ttl = remaining
		}
	}
	ts.revoked.Set(claims.ID, struct{}{}, ttl)
}

// RedeemRefreshToken consumes a refresh token and issues a fresh pair.
// Refresh tokens are single-use.
func (ts *TokenService) RedeemRefreshToken(refreshToken string) (*TokenPair, error) {
	key := hashToken(refreshToken)

	v, found := ts.refreshTokens.Get(key)
	if !found {
		return nil, errors.Newf("refresh token is invalid or expired").
			Component("security").
			Category(errors.CategoryAuth).
			Build()
	}
	ts.refreshTokens.Delete(key)

	grant, ok := v.(refreshGrant)
	if !ok {
		return nil, errors.Newf("refresh token is invalid or expired").
			Component("security").
			Category(errors.CategoryAuth).
			Build()
	}

	return ts.GenerateTokenPair(grant.UserID, grant.Username, grant.Role)
}

// RevokeRefreshToken invalidates a refresh token, e.g. on logout.
func (ts *TokenService) RevokeRefreshToken(refreshToken string) {
	ts.refreshTokens.Delete(hashToken(refreshToken))
}

// hashToken hashes a refresh token so the plaintext never sits in memory
// longer than needed.
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
