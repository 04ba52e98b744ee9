package model

// ClientRole is the RBAC role of an API client.
type ClientRole string

const (
	RoleAdmin  ClientRole = "admin"
	RoleRunner ClientRole = "runner" // may start and resume runs
	RoleReader ClientRole = "reader" // may read threads, runs and events
)

// Client is an API client allowed to exchange its key for a token.
type Client struct {
	ID         string     `json:"client_id"`
	Role       ClientRole `json:"role"`
	APIKeyHash string     `json:"-"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r ClientRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleRunner:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole ClientRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ParseClientRole validates a role name.
func ParseClientRole(s string) (ClientRole, bool) {
	switch r := ClientRole(s); r {
	case RoleAdmin, RoleRunner, RoleReader:
		return r, true
	default:
		return "", false
	}
}
