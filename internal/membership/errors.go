// Package membership implements the group permission engine: who may add,
// update, and remove members, and how group ownership moves between users.
package membership

import "errors"

var (
	// ErrGroupNotFound covers both a missing group and a group the caller
	// may not see; existence is not revealed to outsiders.
	ErrGroupNotFound = errors.New("group not found")

	// ErrGroupExists is returned when a group name is already taken by the caller.
	ErrGroupExists = errors.New("group already exists")

	// ErrUserNotFound means the target user or member does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserNotInGroup means the targeted user is not a member of the
	// group. The acting user is already a verified member when this comes
	// back, so no existence hiding applies.
	ErrUserNotInGroup = errors.New("user is not in the group")

	// ErrUserAlreadyInGroup means the target is already a member.
	ErrUserAlreadyInGroup = errors.New("user is already in the group")

	// ErrNoPermission means the acting member lacks both the owner flag and
	// the specific permission required by the operation.
	ErrNoPermission = errors.New("user has no permission for this operation")

	// ErrHaraKiri forbids removing yourself through member management and
	// leaving a group you still own. Self-removal goes through LeaveGroup;
	// owners must transfer ownership first.
	ErrHaraKiri = errors.New("forbidden self-removal")
)
