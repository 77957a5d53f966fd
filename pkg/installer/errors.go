// SPDX-License-Identifier: Apache-2.0

package installer

// InsufficientPrivilegeError is returned when the connecting role is
// neither a superuser nor a replication role.
type InsufficientPrivilegeError struct{}

func (e InsufficientPrivilegeError) Error() string {
	return "connecting role must be a superuser or have the REPLICATION attribute"
}

// SlotInUseError is returned by Teardown when the replication slot is
// currently held open by another consumer; it is not treated as fatal.
type SlotInUseError struct {
	Slot string
}

func (e SlotInUseError) Error() string {
	return "replication slot " + e.Slot + " is in use"
}
