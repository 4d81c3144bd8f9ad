package security

import (
	"time"

	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/errors"
)

// AuthService authenticates users against the datastore and issues tokens.
type AuthService struct {
	ds     datastore.Interface
	tokens *TokenService
}

// NewAuthService creates an AuthService backed by the given datastore.
func NewAuthService(ds datastore.Interface, tokens *TokenService) *AuthService {
	return &AuthService{ds: ds, tokens: tokens}
}

// Tokens exposes the underlying token service for middleware use.
func (s *AuthService) Tokens() *TokenService {
	return s.tokens
}

// invalidCredentials is returned for every authentication failure so the
// response does not reveal whether the username exists.
func invalidCredentials() error {
	return errors.Newf("invalid username or password").
		Component("security").
		Category(errors.CategoryAuth).
		Build()
}

// Login verifies credentials and issues a token pair. Failed attempts are
// logged with the username only; the password never reaches a log line.
func (s *AuthService) Login(username, password string) (*TokenPair, *datastore.User, error) {
	user, err := s.ds.GetUserByUsername(username)
	if err != nil {
		logger.Warn("login failed: unknown user", "username", username)
		return nil, nil, invalidCredentials()
	}

	if !user.Active {
		logger.Warn("login rejected: account disabled", "username", username)
		return nil, nil, invalidCredentials()
	}

	if !ComparePassword(user.PasswordHash, password) {
		logger.Warn("login failed: wrong password", "username", username)
		return nil, nil, invalidCredentials()
	}

	pair, err := s.tokens.GenerateTokenPair(user.ID, user.Username, user.Role)
	if err != nil {
		return nil, nil, err
	}

	if err := s.ds.UpdateUserLastLogin(user.ID, time.Now()); err != nil {
		// Last-login is advisory; a failed update must not block the login
		logger.Warn("failed to record last login", "username", username, "error", err)
	}

	logger.Info("user logged in", "username", username, "role", user.Role)
	return pair, &user, nil
}

// Refresh redeems a refresh token for a new token pair.
func (s *AuthService) Refresh(refreshToken string) (*TokenPair, error) {
	return s.tokens.RedeemRefreshToken(refreshToken)
}

// Logout revokes the current access token and its refresh token.
func (s *AuthService) Logout(claims *Claims, refreshToken string) {
	s.tokens.RevokeAccessToken(claims)
	if refreshToken != "" {
		s.tokens.RevokeRefreshToken(refreshToken)
	}
	logger.Info("user logged out", "username", claims.Username)
}

// ChangePassword verifies the current password and stores a new hash.
func (s *AuthService) ChangePassword(userID uint, currentPassword, newPassword string) error {
	user, err := s.ds.GetUser(userID)
	if err != nil {
		return errors.New(err).
			Component("security").
			Category(errors.CategoryAuth).
			Context("operation", "change_password").
			Build()
	}

	if !ComparePassword(user.PasswordHash, currentPassword) {
		return errors.Newf("current password is incorrect").
			Component("security").
			Category(errors.CategoryAuth).
			Build()
	}

	if err := validatePasswordStrength(newPassword); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return errors.New(err).
			Component("security").
			Category(errors.CategoryAuth).
			Context("operation", "hash_password").
			Build()
	}

	return s.ds.UpdateUserPassword(user.ID, hash)
}

// CreateUser provisions a new account with a hashed password.
func (s *AuthService) CreateUser(username, password, displayName, role string) (*datastore.User, error) {
	if !IsValidRole(role) {
		return nil, errors.Newf("unknown role %q", role).
			Component("security").
			Category(errors.CategoryValidation).
			Build()
	}

	if err := validatePasswordStrength(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, errors.New(err).
			Component("security").
			Category(errors.CategoryAuth).
			Context("operation", "hash_password").
			Build()
	}

	user := &datastore.User{
		Username:     username,
		PasswordHash: hash,
		DisplayName:  displayName,
		Role:         role,
		Active:       true,
	}

	if err := s.ds.CreateUser(user); err != nil {
		return nil, err
	}

	logger.Info("user created", "username", username, "role", role)
	return user, nil
}

// validatePasswordStrength applies the minimum password policy.
func validatePasswordStrength(password string) error {
	if len(password) < 10 {
		return errors.Newf("password must be at least 10 characters").
			Component("security").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}
