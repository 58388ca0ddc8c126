// Package directory abstracts the host platform's user directory. The
// coordinator only needs to resolve user-type recipients; search and group
// handling stay with the host.
package directory

import (
	"context"

	"github.com/dkrasnov/signflow/internal/common"
)

// User is the resolved identity of a host user.
type User struct {
	UID         string
	DisplayName string
	Email       string
}

// Directory resolves user ids against the host directory.
type Directory interface {
	// ResolveUser returns the user for uid, or common.ErrNotFound.
	ResolveUser(ctx context.Context, uid string) (*User, error)
}

// Static is a fixed in-memory directory, useful for development setups and
// tests.
type Static struct {
	users map[string]User
}

// NewStatic builds a Static directory from a list of users.
func NewStatic(users []User) *Static {
	m := make(map[string]User, len(users))
	for _, u := range users {
		m[u.UID] = u
	}
	return &Static{users: m}
}

func (s *Static) ResolveUser(_ context.Context, uid string) (*User, error) {
	u, ok := s.users[uid]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &u, nil
}
