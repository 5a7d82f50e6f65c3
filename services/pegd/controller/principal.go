package controller

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Role is the capability a caller presents.
type Role uint8

const (
	RoleUser Role = iota
	RoleOwner
	RoleTimelock
	RoleAMO
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleTimelock:
		return "timelock"
	case RoleAMO:
		return "amo"
	default:
		return "user"
	}
}

// ParseRole resolves a configured role name.
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "owner":
		return RoleOwner, nil
	case "timelock":
		return RoleTimelock, nil
	case "amo":
		return RoleAMO, nil
	case "user", "":
		return RoleUser, nil
	default:
		return 0, fmt.Errorf("unknown role %q", name)
	}
}

// Principal identifies the caller of an operation.
type Principal struct {
	Role    Role
	Address common.Address
}

// Owner returns an owner principal.
func Owner(addr common.Address) Principal { return Principal{Role: RoleOwner, Address: addr} }

// Timelock returns a timelock principal.
func Timelock(addr common.Address) Principal { return Principal{Role: RoleTimelock, Address: addr} }

// AMOMember returns an AMO principal.
func AMOMember(addr common.Address) Principal { return Principal{Role: RoleAMO, Address: addr} }

// User returns an unprivileged principal.
func User(addr common.Address) Principal { return Principal{Role: RoleUser, Address: addr} }

func (p Principal) String() string {
	return p.Role.String() + ":" + p.Address.Hex()
}

func (c *Controller) authorizeGovernanceLocked(p Principal) error {
	switch p.Role {
	case RoleOwner:
		if p.Address == c.owner {
			return nil
		}
	case RoleTimelock:
		if c.timelock != (common.Address{}) && p.Address == c.timelock {
			return nil
		}
	}
	return ErrNotOwnerOrTimelock
}

func (c *Controller) authorizeAMOLocked(p Principal) error {
	if p.Role != RoleAMO {
		return ErrInvalidAMO
	}
	if _, ok := c.amos[p.Address]; !ok {
		return ErrInvalidAMO
	}
	return nil
}

func authorizeAccount(p Principal) error {
	if p.Address == (common.Address{}) {
		return ErrInvalidAccount
	}
	return nil
}
