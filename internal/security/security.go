// Package security provides authentication for the HTTP API: JWT access
// tokens, bcrypt password storage, role checks and subnet bypass.
package security

import (
	"time"

	"github.com/chestnet/chestnet-go/internal/logging"
)

var logger = logging.ForService("security")

// AuthMethod represents the method used for authentication.
type AuthMethod string

const (
	AuthMethodNone   AuthMethod = ""       // No authentication used
	AuthMethodSubnet AuthMethod = "subnet" // Authentication bypassed via trusted subnet
	AuthMethodToken  AuthMethod = "token"  // Authentication via JWT bearer token
)

// SubnetUsername is a placeholder username for requests authenticated via subnet bypass.
const SubnetUsername = "<subnet>"

// Roles ordered by privilege. Admins manage users and configuration,
// radiologists review and override diagnoses, technicians upload studies
// and schedule appointments.
const (
	RoleAdmin       = "admin"
	RoleRadiologist = "radiologist"
	RoleTechnician  = "technician"
)

// Security-related constants
const (
	MinJWTSecretLength = 32

	BcryptCost = 12

	// CIDR mask bits for IPv4 /24 subnet
	IPv4SubnetMaskBits   = 24
	IPv4TotalAddressBits = 32

	// Revoked token IDs are kept until the token itself would expire;
	// the cleanup interval bounds how long expired entries linger.
	revocationCleanupInterval = 10 * time.Minute
)

var roleRank = map[string]int{
	RoleTechnician:  1,
	RoleRadiologist: 2,
	RoleAdmin:       3,
}

// IsValidRole reports whether role is one of the known roles.
func IsValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// RoleAtLeast reports whether role carries at least the privilege of minimum.
// Unknown roles never satisfy any requirement.
func RoleAtLeast(role, minimum string) bool {
	r, ok := roleRank[role]
	if !ok {
		return false
	}
	m, ok := roleRank[minimum]
	if !ok {
		return false
	}
	return r >= m
}
