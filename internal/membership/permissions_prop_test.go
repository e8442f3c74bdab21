package membership

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/loomworks/loom/internal/persistence"
)

func drawPatchField(rt *rapid.T, label string) *bool {
	if !rapid.Bool().Draw(rt, label+"_set") {
		return nil
	}
	v := rapid.Bool().Draw(rt, label+"_value")
	return &v
}

func drawPatch(rt *rapid.T) PermissionPatch {
	return PermissionPatch{
		ChangeMembers:           drawPatchField(rt, "change_members"),
		AddGraphs:               drawPatchField(rt, "add_graphs"),
		RunGraphs:               drawPatchField(rt, "run_graphs"),
		ChangeGraphsPermissions: drawPatchField(rt, "change_graphs_permissions"),
		DeleteGraphs:            drawPatchField(rt, "delete_graphs"),
	}
}

func drawPermissions(rt *rapid.T, label string) persistence.Permissions {
	return persistence.Permissions{
		ChangeMembers:           rapid.Bool().Draw(rt, label+"_change_members"),
		AddGraphs:               rapid.Bool().Draw(rt, label+"_add_graphs"),
		RunGraphs:               rapid.Bool().Draw(rt, label+"_run_graphs"),
		ChangeGraphsPermissions: rapid.Bool().Draw(rt, label+"_change_graphs_permissions"),
		DeleteGraphs:            rapid.Bool().Draw(rt, label+"_delete_graphs"),
	}
}

// A non-owner granter can never produce a flag the granter does not hold,
// nor one the patch did not ask for.
func TestCapPermissionNeverEscalates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		granter := drawPermissions(rt, "granter")
		old := drawPermissions(rt, "old")
		patch := drawPatch(rt)
		adding := rapid.Bool().Draw(rt, "adding")

		got := applyPatch(patch, granter, old, adding)

		check := func(name string, requested *bool, granterFlag, oldFlag, gotFlag bool) {
			if requested == nil {
				want := oldFlag
				if adding {
					want = false
				}
				if gotFlag != want {
					rt.Fatalf("%s: nil request changed flag: got %v, want %v", name, gotFlag, want)
				}
				return
			}
			if gotFlag && !*requested {
				rt.Fatalf("%s: flag granted without being requested", name)
			}
			if gotFlag && !granterFlag {
				rt.Fatalf("%s: flag exceeds granter's own permission", name)
			}
		}
		check("change_members", patch.ChangeMembers, granter.ChangeMembers, old.ChangeMembers, got.ChangeMembers)
		check("add_graphs", patch.AddGraphs, granter.AddGraphs, old.AddGraphs, got.AddGraphs)
		check("run_graphs", patch.RunGraphs, granter.RunGraphs, old.RunGraphs, got.RunGraphs)
		check("change_graphs_permissions", patch.ChangeGraphsPermissions, granter.ChangeGraphsPermissions, old.ChangeGraphsPermissions, got.ChangeGraphsPermissions)
		check("delete_graphs", patch.DeleteGraphs, granter.DeleteGraphs, old.DeleteGraphs, got.DeleteGraphs)
	})
}

// An owner's grant is exact: requested flags come through untouched,
// unspecified flags keep the member's current value (false when adding).
func TestCapPermissionOwnerGrantsExactly(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		granter := drawPermissions(rt, "granter")
		granter.Owner = true
		old := drawPermissions(rt, "old")
		patch := drawPatch(rt)
		adding := rapid.Bool().Draw(rt, "adding")

		got := applyPatch(patch, granter, old, adding)

		expect := func(requested *bool, oldFlag bool) bool {
			if requested != nil {
				return *requested
			}
			if adding {
				return false
			}
			return oldFlag
		}
		want := persistence.Permissions{
			Owner:                   old.Owner,
			ChangeMembers:           expect(patch.ChangeMembers, old.ChangeMembers),
			AddGraphs:               expect(patch.AddGraphs, old.AddGraphs),
			RunGraphs:               expect(patch.RunGraphs, old.RunGraphs),
			ChangeGraphsPermissions: expect(patch.ChangeGraphsPermissions, old.ChangeGraphsPermissions),
			DeleteGraphs:            expect(patch.DeleteGraphs, old.DeleteGraphs),
		}
		if got != want {
			rt.Fatalf("owner grant = %+v, want %+v", got, want)
		}
	})
}

// The owner flag never changes through flag application alone.
func TestApplyPatchNeverTouchesOwnerFlag(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		granter := drawPermissions(rt, "granter")
		granter.Owner = rapid.Bool().Draw(rt, "granter_owner")
		old := drawPermissions(rt, "old")
		old.Owner = rapid.Bool().Draw(rt, "old_owner")
		patch := drawPatch(rt)
		ownerReq := rapid.Bool().Draw(rt, "owner_requested")
		patch.Owner = &ownerReq

		got := applyPatch(patch, granter, old, rapid.Bool().Draw(rt, "adding"))
		if got.Owner != old.Owner {
			rt.Fatalf("owner flag changed by patch application: %v -> %v", old.Owner, got.Owner)
		}
	})
}
