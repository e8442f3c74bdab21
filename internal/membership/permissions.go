package membership

import "github.com/loomworks/loom/internal/persistence"

// PermissionPatch is a partial permission request. A nil field means "not
// specified": treated as false when adding a member, and "leave unchanged"
// when updating one.
type PermissionPatch struct {
	Owner                   *bool `json:"owner,omitempty"`
	ChangeMembers           *bool `json:"change_members,omitempty"`
	AddGraphs               *bool `json:"add_graphs,omitempty"`
	RunGraphs               *bool `json:"run_graphs,omitempty"`
	ChangeGraphsPermissions *bool `json:"change_graphs_permissions,omitempty"`
	DeleteGraphs            *bool `json:"delete_graphs,omitempty"`
}

// wantsOwner reports whether the patch explicitly requests the owner flag.
func (p PermissionPatch) wantsOwner() bool {
	return p.Owner != nil && *p.Owner
}

// capPermission computes the effective value of one permission flag.
//
// An owner grants exactly what was requested. A non-owner's grant is capped
// at their own flag, so permissions can never escalate sideways through
// member management. A nil request falls back to false when adding and to
// the member's current value when updating.
func capPermission(requested *bool, granterIsOwner, granterFlag, old, adding bool) bool {
	if requested == nil {
		if adding {
			return false
		}
		return old
	}
	if granterIsOwner {
		return *requested
	}
	return *requested && granterFlag
}

// applyPatch maps a patch onto a permission set using capPermission for
// every flag. The owner flag is never touched here; ownership moves only
// through the transactional transfer path.
func applyPatch(patch PermissionPatch, granter persistence.Permissions, old persistence.Permissions, adding bool) persistence.Permissions {
	return persistence.Permissions{
		Owner:                   old.Owner,
		ChangeMembers:           capPermission(patch.ChangeMembers, granter.Owner, granter.ChangeMembers, old.ChangeMembers, adding),
		AddGraphs:               capPermission(patch.AddGraphs, granter.Owner, granter.AddGraphs, old.AddGraphs, adding),
		RunGraphs:               capPermission(patch.RunGraphs, granter.Owner, granter.RunGraphs, old.RunGraphs, adding),
		ChangeGraphsPermissions: capPermission(patch.ChangeGraphsPermissions, granter.Owner, granter.ChangeGraphsPermissions, old.ChangeGraphsPermissions, adding),
		DeleteGraphs:            capPermission(patch.DeleteGraphs, granter.Owner, granter.DeleteGraphs, old.DeleteGraphs, adding),
	}
}
