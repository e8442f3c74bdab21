package membership

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/internal/audit"
	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/persistence"
)

// Member is the external view of one group member.
type Member struct {
	UserID                  int64  `json:"user_id"`
	Login                   string `json:"login"`
	Owner                   bool   `json:"owner"`
	ChangeMembers           bool   `json:"change_members"`
	AddGraphs               bool   `json:"add_graphs"`
	RunGraphs               bool   `json:"run_graphs"`
	ChangeGraphsPermissions bool   `json:"change_graphs_permissions"`
	DeleteGraphs            bool   `json:"delete_graphs"`
}

// Service enforces the group permission rules on top of the store.
type Service struct {
	store *persistence.Store
	bus   *bus.Bus
	log   *slog.Logger
}

func NewService(store *persistence.Store, eventBus *bus.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, bus: eventBus, log: log}
}

func (s *Service) publish(topic string, groupID, actorID, userID int64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, bus.MembershipEvent{GroupID: groupID, ActorID: actorID, UserID: userID})
}

// requireMember loads the group and the actor's membership in it. The same
// ErrGroupNotFound comes back whether the group is missing or the actor is
// simply not in it, so outsiders cannot probe for group ids.
func (s *Service) requireMember(ctx context.Context, actorID, groupID int64) (*persistence.Group, *persistence.Membership, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if group == nil {
		return nil, nil, ErrGroupNotFound
	}
	actor, err := s.store.GetMembership(ctx, actorID, groupID)
	if err != nil {
		return nil, nil, err
	}
	if actor == nil {
		return nil, nil, ErrGroupNotFound
	}
	return group, actor, nil
}

func toMembers(rows []persistence.MemberRow) []Member {
	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, Member{
			UserID:                  r.UserID,
			Login:                   r.Login,
			Owner:                   r.Owner,
			ChangeMembers:           r.ChangeMembers,
			AddGraphs:               r.AddGraphs,
			RunGraphs:               r.RunGraphs,
			ChangeGraphsPermissions: r.ChangeGraphsPermissions,
			DeleteGraphs:            r.DeleteGraphs,
		})
	}
	return out
}

// Members lists a group's members. The caller must belong to the group.
func (s *Service) Members(ctx context.Context, actorID, groupID int64) ([]Member, error) {
	if _, _, err := s.requireMember(ctx, actorID, groupID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListMembersWithLogins(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return toMembers(rows), nil
}

// AddMember adds a user to the group with the requested permissions, capped
// at the actor's own permissions unless the actor owns the group. Requesting
// the owner flag transfers ownership to the new member in the same step.
// Returns the updated member list.
func (s *Service) AddMember(ctx context.Context, actorID, groupID, targetID int64, patch PermissionPatch) ([]Member, error) {
	group, actor, err := s.requireMember(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if !actor.Owner && !actor.ChangeMembers {
		audit.Record("member.add", audit.OutcomeDenied, actorRef(actorID), groupRef(groupID), "lacks change_members")
		return nil, ErrNoPermission
	}

	target, err := s.store.GetUser(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrUserNotFound
	}
	existing, err := s.store.GetMembership(ctx, targetID, groupID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrUserAlreadyInGroup
	}

	perms := applyPatch(patch, actor.Permissions, persistence.Permissions{}, true)

	// Ownership can only be handed over by the current owner. A non-owner
	// asking for owner=true gets the flag capped away like any other.
	if patch.wantsOwner() && actor.Owner {
		newOwner := persistence.Membership{UserID: targetID, GroupID: groupID, Permissions: perms}
		newOwner.Owner = true
		if err := s.store.TransferOwnership(ctx, groupID, group.OwnerID, targetID, &newOwner); err != nil {
			return nil, err
		}
		s.publish(bus.TopicOwnershipTransferred, groupID, actorID, targetID)
	} else {
		err := s.store.InsertMembership(ctx, persistence.Membership{
			UserID: targetID, GroupID: groupID, Permissions: perms,
		})
		if err != nil {
			return nil, err
		}
	}

	s.log.Info("member added", "group_id", groupID, "actor_id", actorID, "user_id", targetID)
	audit.Record("member.add", audit.OutcomeOK, actorRef(actorID), groupRef(groupID), fmt.Sprintf("user:%d", targetID))
	s.publish(bus.TopicMemberAdded, groupID, actorID, targetID)

	rows, err := s.store.ListMembersWithLogins(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return toMembers(rows), nil
}

// UpdateMember rewrites a member's permissions. Unspecified flags are left
// as they are; specified flags are capped at the actor's unless the actor
// owns the group. Setting owner=true transfers ownership to the member.
func (s *Service) UpdateMember(ctx context.Context, actorID, groupID, targetID int64, patch PermissionPatch) ([]Member, error) {
	group, actor, err := s.requireMember(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if !actor.Owner && !actor.ChangeMembers {
		audit.Record("member.update", audit.OutcomeDenied, actorRef(actorID), groupRef(groupID), "lacks change_members")
		return nil, ErrNoPermission
	}

	current, err := s.store.GetMembership(ctx, targetID, groupID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrUserNotInGroup
	}

	perms := applyPatch(patch, actor.Permissions, current.Permissions, false)

	if patch.wantsOwner() && actor.Owner && !current.Owner {
		if err := s.store.TransferOwnership(ctx, groupID, group.OwnerID, targetID, nil); err != nil {
			return nil, err
		}
		s.publish(bus.TopicOwnershipTransferred, groupID, actorID, targetID)
	}

	err = s.store.UpdateMembershipFlags(ctx, persistence.Membership{
		UserID: targetID, GroupID: groupID, Permissions: perms,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("member updated", "group_id", groupID, "actor_id", actorID, "user_id", targetID)
	audit.Record("member.update", audit.OutcomeOK, actorRef(actorID), groupRef(groupID), fmt.Sprintf("user:%d", targetID))
	s.publish(bus.TopicMemberUpdated, groupID, actorID, targetID)

	rows, err := s.store.ListMembersWithLogins(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return toMembers(rows), nil
}

// DeleteMember removes another member from the group. Removing yourself and
// removing the group's owner are both forbidden.
func (s *Service) DeleteMember(ctx context.Context, actorID, groupID, targetID int64) ([]Member, error) {
	_, actor, err := s.requireMember(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if !actor.Owner && !actor.ChangeMembers {
		audit.Record("member.delete", audit.OutcomeDenied, actorRef(actorID), groupRef(groupID), "lacks change_members")
		return nil, ErrNoPermission
	}
	if targetID == actorID {
		audit.Record("member.delete", audit.OutcomeDenied, actorRef(actorID), groupRef(groupID), "self removal")
		return nil, ErrHaraKiri
	}

	current, err := s.store.GetMembership(ctx, targetID, groupID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrUserNotInGroup
	}
	if current.Owner {
		audit.Record("member.delete", audit.OutcomeDenied, actorRef(actorID), groupRef(groupID), "owner removal")
		return nil, ErrNoPermission
	}

	if _, err := s.store.DeleteMembership(ctx, targetID, groupID); err != nil {
		return nil, err
	}

	s.log.Info("member removed", "group_id", groupID, "actor_id", actorID, "user_id", targetID)
	audit.Record("member.delete", audit.OutcomeOK, actorRef(actorID), groupRef(groupID), fmt.Sprintf("user:%d", targetID))
	s.publish(bus.TopicMemberRemoved, groupID, actorID, targetID)

	rows, err := s.store.ListMembersWithLogins(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return toMembers(rows), nil
}

// LeaveGroup removes the caller from the group. The owner cannot leave;
// ownership has to be transferred first. Returns the caller's remaining
// groups.
func (s *Service) LeaveGroup(ctx context.Context, actorID, groupID int64) ([]persistence.Group, error) {
	_, actor, err := s.requireMember(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	if actor.Owner {
		audit.Record("group.leave", audit.OutcomeDenied, actorRef(actorID), groupRef(groupID), "owner leaving")
		return nil, ErrHaraKiri
	}

	if _, err := s.store.DeleteMembership(ctx, actorID, groupID); err != nil {
		return nil, err
	}

	s.log.Info("member left group", "group_id", groupID, "user_id", actorID)
	audit.Record("group.leave", audit.OutcomeOK, actorRef(actorID), groupRef(groupID), "")
	s.publish(bus.TopicMemberRemoved, groupID, actorID, actorID)

	return s.store.ListUserGroups(ctx, actorID)
}

// CreateGroup creates a group owned by the caller. Group names are unique
// among the caller's groups.
func (s *Service) CreateGroup(ctx context.Context, actorID int64, name string) (*persistence.Group, error) {
	if name == "" {
		return nil, fmt.Errorf("group name must not be empty")
	}
	groups, err := s.store.ListUserGroups(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.Name == name {
			return nil, ErrGroupExists
		}
	}

	group, err := s.store.CreateGroup(ctx, name, actorID)
	if err != nil {
		return nil, err
	}

	s.log.Info("group created", "group_id", group.ID, "owner_id", actorID, "name", name)
	audit.Record("group.create", audit.OutcomeOK, actorRef(actorID), groupRef(group.ID), name)
	return group, nil
}

// DeleteGroup removes a group with everything in it. Owner only.
func (s *Service) DeleteGroup(ctx context.Context, actorID, groupID int64) error {
	_, actor, err := s.requireMember(ctx, actorID, groupID)
	if err != nil {
		return err
	}
	if !actor.Owner {
		audit.Record("group.delete", audit.OutcomeDenied, actorRef(actorID), groupRef(groupID), "not owner")
		return ErrNoPermission
	}

	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}

	s.log.Info("group deleted", "group_id", groupID, "owner_id", actorID)
	audit.Record("group.delete", audit.OutcomeOK, actorRef(actorID), groupRef(groupID), "")
	return nil
}

// Groups lists the caller's groups.
func (s *Service) Groups(ctx context.Context, actorID int64) ([]persistence.Group, error) {
	return s.store.ListUserGroups(ctx, actorID)
}

// Membership returns the caller's own permission record in a group.
func (s *Service) Membership(ctx context.Context, actorID, groupID int64) (*persistence.Membership, error) {
	_, actor, err := s.requireMember(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	return actor, nil
}

func actorRef(id int64) string { return fmt.Sprintf("user:%d", id) }
func groupRef(id int64) string { return fmt.Sprintf("group:%d", id) }
