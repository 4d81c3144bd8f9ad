package datastore

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/errors"
)

var validRoles = map[string]bool{
	RoleAdmin:       true,
	RoleRadiologist: true,
	RoleTechnician:  true,
}

// CreateUser inserts a new staff account. The password must already be
// hashed, raw credentials never reach this layer.
func (ds *DataStore) CreateUser(user *User) error {
	if user == nil {
		return validationError("user cannot be nil", "user", nil)
	}
	if strings.TrimSpace(user.Username) == "" {
		return validationError("username cannot be empty", "username", user.Username)
	}
	if user.PasswordHash == "" {
		return validationError("password hash cannot be empty", "password_hash", "")
	}
	if user.Role != "" && !validRoles[user.Role] {
		return validationError("unknown role", "role", user.Role)
	}

	if err := ds.DB.Create(user).Error; err != nil {
		if isUniqueConstraintViolation(err) {
			return conflictError(err, "create_user", "duplicate_username", "username", user.Username)
		}
		return dbError(err, "create_user", "", "username", user.Username)
	}
	return nil
}

// UpdateUser persists profile, role and active-flag changes. Username
// and password hash are immutable here, credential changes go through
// the security layer.
func (ds *DataStore) UpdateUser(user *User) error {
	if user == nil || user.ID == 0 {
		return validationError("user id is required for update", "id", 0)
	}
	if user.Role != "" && !validRoles[user.Role] {
		return validationError("unknown role", "role", user.Role)
	}

	result := ds.DB.Model(&User{}).Where("id = ?", user.ID).
		Select("DisplayName", "Role", "Active").
		Updates(user)
	if result.Error != nil {
		return dbError(result.Error, "update_user", "", "user_id", user.ID)
	}
	if result.RowsAffected == 0 {
		return notFoundError("user", fmt.Sprintf("%d", user.ID))
	}
	return nil
}

// UpdateUserPassword replaces the stored password hash.
func (ds *DataStore) UpdateUserPassword(id uint, passwordHash string) error {
	if passwordHash == "" {
		return validationError("password hash cannot be empty", "password_hash", "")
	}

	result := ds.DB.Model(&User{}).Where("id = ?", id).Update("password_hash", passwordHash)
	if result.Error != nil {
		return dbError(result.Error, "update_user_password", "", "user_id", id)
	}
	if result.RowsAffected == 0 {
		return notFoundError("user", fmt.Sprintf("%d", id))
	}
	return nil
}

// GetUser retrieves an account by id.
func (ds *DataStore) GetUser(id uint) (User, error) {
	var user User
	if err := ds.DB.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, notFoundError("user", fmt.Sprintf("%d", id))
		}
		return User{}, dbError(err, "get_user", "", "user_id", id)
	}
	return user, nil
}

// GetUserByUsername retrieves an account by login name.
func (ds *DataStore) GetUserByUsername(username string) (User, error) {
	var user User
	if err := ds.DB.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, notFoundError("user", username)
		}
		return User{}, dbError(err, "get_user_by_username", "")
	}
	return user, nil
}

// ListUsers lists all accounts ordered by username.
func (ds *DataStore) ListUsers() ([]User, error) {
	var users []User
	if err := ds.DB.Order("username ASC").Find(&users).Error; err != nil {
		return nil, dbError(err, "list_users", "")
	}
	return users, nil
}

// UpdateUserLastLogin records a successful authentication.
func (ds *DataStore) UpdateUserLastLogin(id uint, when time.Time) error {
	result := ds.DB.Model(&User{}).Where("id = ?", id).Update("last_login_at", when)
	if result.Error != nil {
		return dbError(result.Error, "update_last_login", "", "user_id", id)
	}
	if result.RowsAffected == 0 {
		return notFoundError("user", fmt.Sprintf("%d", id))
	}
	return nil
}
