// Package domain contains entities and their invariants, no I/O.
package domain

import (
	"errors"
	"fmt"
)

const MaxUserIDLen = 64

var ErrUserIDInvalid = errors.New("user id invalid")

type UserID string

// Role is the account role resolved by the identity gate.
type Role string

const (
	RoleExaminee   Role = "examinee"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleExaminee, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// Identity is what a verified credential resolves to.
type Identity struct {
	UserID UserID `json:"user_id"`
	Role   Role   `json:"role"`
}

func NewIdentity(id string, role string) (Identity, error) {
	if len(id) == 0 || len(id) > MaxUserIDLen {
		return Identity{}, fmt.Errorf("%w: %q", ErrUserIDInvalid, id)
	}
	r := Role(role)
	if !r.Valid() {
		return Identity{}, Errorf(ErrAuth, "unknown role %q", role)
	}
	return Identity{UserID: UserID(id), Role: r}, nil
}

// System is the actor used for records written by background sweeps.
var System = Identity{UserID: "system", Role: RoleAdmin}
