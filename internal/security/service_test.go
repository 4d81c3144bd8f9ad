package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/datastore"
)

// stubStore implements only the user methods the auth service touches.
type stubStore struct {
	datastore.Interface

	users          map[string]datastore.User
	lastLoginFor   uint
	passwordFor    uint
	passwordHash   string
	createdUser    *datastore.User
	failLastLogin  bool
	createUserErr  error
	updatePassword bool
}

func newStubStore() *stubStore {
	return &stubStore{users: make(map[string]datastore.User)}
}

func (s *stubStore) addUser(id uint, username, password, role string, active bool) {
	hash, _ := HashPassword(password)
	s.users[username] = datastore.User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Active:       active,
	}
}

func (s *stubStore) GetUserByUsername(username string) (datastore.User, error) {
	user, ok := s.users[username]
	if !ok {
		return datastore.User{}, assertionError("user not found")
	}
	return user, nil
}

func (s *stubStore) GetUser(id uint) (datastore.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return datastore.User{}, assertionError("user not found")
}

func (s *stubStore) UpdateUserLastLogin(id uint, _ time.Time) error {
	if s.failLastLogin {
		return assertionError("update failed")
	}
	s.lastLoginFor = id
	return nil
}

func (s *stubStore) UpdateUserPassword(id uint, hash string) error {
	s.updatePassword = true
	s.passwordFor = id
	s.passwordHash = hash
	return nil
}

func (s *stubStore) CreateUser(user *datastore.User) error {
	if s.createUserErr != nil {
		return s.createUserErr
	}
	s.createdUser = user
	return nil
}

type assertionError string

func (e assertionError) Error() string { return string(e) }

func newTestAuthService(t *testing.T, store *stubStore) *AuthService {
	t.Helper()
	tokens, err := NewTokenService(testSecret, "chestnet-test", 15*time.Minute, time.Hour)
	require.NoError(t, err)
	return NewAuthService(store, tokens)
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.addUser(3, "drchen", "radiology2024!", RoleRadiologist, true)

	svc := newTestAuthService(t, store)

	pair, user, err := svc.Login("drchen", "radiology2024!")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, uint(3), user.ID)
	assert.Equal(t, uint(3), store.lastLoginFor, "last login should be recorded")

	claims, err := svc.Tokens().ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, RoleRadiologist, claims.Role)
}

func TestLoginFailureModes(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.addUser(1, "drchen", "radiology2024!", RoleRadiologist, true)
	store.addUser(2, "disabled", "radiology2024!", RoleTechnician, false)

	svc := newTestAuthService(t, store)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"unknown user", "nobody", "radiology2024!"},
		{"wrong password", "drchen", "guess"},
		{"disabled account", "disabled", "radiology2024!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := svc.Login(tt.username, tt.password)
			require.Error(t, err)
			// All failures look identical to the caller
			assert.Contains(t, err.Error(), "invalid username or password")
		})
	}
}

func TestLoginSurvivesLastLoginFailure(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.addUser(1, "drchen", "radiology2024!", RoleRadiologist, true)
	store.failLastLogin = true

	svc := newTestAuthService(t, store)

	pair, _, err := svc.Login("drchen", "radiology2024!")
	require.NoError(t, err, "last-login bookkeeping must not block login")
	require.NotNil(t, pair)
}

func TestChangePassword(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.addUser(5, "tech1", "old-password-1", RoleTechnician, true)

	svc := newTestAuthService(t, store)

	// Wrong current password
	err := svc.ChangePassword(5, "bad-guess", "new-password-99")
	require.Error(t, err)
	assert.False(t, store.updatePassword)

	// Too-short new password
	err = svc.ChangePassword(5, "old-password-1", "short")
	require.Error(t, err)
	assert.False(t, store.updatePassword)

	// Success
	err = svc.ChangePassword(5, "old-password-1", "new-password-99")
	require.NoError(t, err)
	assert.True(t, store.updatePassword)
	assert.Equal(t, uint(5), store.passwordFor)
	assert.True(t, ComparePassword(store.passwordHash, "new-password-99"))
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	svc := newTestAuthService(t, store)

	_, err := svc.CreateUser("newuser", "a-long-password", "New User", "superuser")
	require.Error(t, err, "unknown role must be rejected")

	_, err = svc.CreateUser("newuser", "short", "New User", RoleTechnician)
	require.Error(t, err, "weak password must be rejected")

	user, err := svc.CreateUser("newuser", "a-long-password", "New User", RoleTechnician)
	require.NoError(t, err)
	require.NotNil(t, store.createdUser)
	assert.Equal(t, "newuser", user.Username)
	assert.True(t, user.Active)
	assert.NotEqual(t, "a-long-password", user.PasswordHash)
	assert.True(t, ComparePassword(user.PasswordHash, "a-long-password"))
}

func TestLogoutRevokesTokens(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.addUser(1, "drchen", "radiology2024!", RoleRadiologist, true)

	svc := newTestAuthService(t, store)

	pair, _, err := svc.Login("drchen", "radiology2024!")
	require.NoError(t, err)

	claims, err := svc.Tokens().ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)

	svc.Logout(claims, pair.RefreshToken)

	_, err = svc.Tokens().ValidateAccessToken(pair.AccessToken)
	require.Error(t, err)

	_, err = svc.Refresh(pair.RefreshToken)
	require.Error(t, err)
}
