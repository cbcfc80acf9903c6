/*
directory.go - Entity management: families, users, reward types

PURPOSE:
  Plain CRUD over the EntityStore that enforces the scoping and
  immutability rules at the boundary:
  - every user and reward type belongs to one family, forever
  - a user's role never changes
  - a reward type's unit kind and label never change (only its name)
  - reward type names are unique per family (case-insensitive)

CHILD DELETION (retention policy):
  Deleting a child keeps the user row (deleted_at set, inactive), closes all
  of the child's accounts and retains every transaction for audit. Balances
  and history stay readable; any further grant or spend is rejected.
  Guardians cannot be deleted.

AUDIT:
  Each successful mutation appends an AuditEntry. A failed audit write is
  logged and does not fail the mutation.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxNameLen       = 64
	defaultAuditPage = 50
	maxAuditPage     = 500
)

// Directory manages the entities every ledger operation is scoped by.
type Directory struct {
	store Store
	log   logrus.FieldLogger
	now   Clock
}

func NewDirectory(store Store, log logrus.FieldLogger) *Directory {
	return &Directory{store: store, log: log.WithField("component", "directory"), now: SystemClock}
}

// =============================================================================
// FAMILIES
// =============================================================================

func (d *Directory) CreateFamily(ctx context.Context, name string) (Family, error) {
	name, err := cleanName("name", name)
	if err != nil {
		return Family{}, err
	}
	f := Family{ID: FamilyID(NewID()), Name: name, CreatedAt: d.now()}
	if err := d.store.CreateFamily(ctx, f); err != nil {
		return Family{}, storageErr("create family", err)
	}
	d.audit(ctx, f.ID, "", AuditFamilyCreated, map[string]any{"name": f.Name})
	return f, nil
}

func (d *Directory) GetFamily(ctx context.Context, id FamilyID) (Family, error) {
	f, err := d.store.GetFamily(ctx, id)
	return f, storageErr("get family", err)
}

func (d *Directory) ListFamilies(ctx context.Context) ([]Family, error) {
	fs, err := d.store.ListFamilies(ctx)
	return fs, storageErr("list families", err)
}

// =============================================================================
// USERS
// =============================================================================

type NewUser struct {
	FamilyID    FamilyID
	Role        Role
	DisplayName string
}

func (d *Directory) CreateUser(ctx context.Context, in NewUser) (User, error) {
	if _, err := d.store.GetFamily(ctx, in.FamilyID); err != nil {
		return User{}, storageErr("create user", refErr("family_id", err))
	}
	role, err := ParseRole(string(in.Role))
	if err != nil {
		return User{}, err
	}
	name, err := cleanName("display_name", in.DisplayName)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:          UserID(NewID()),
		FamilyID:    in.FamilyID,
		Role:        role,
		DisplayName: name,
		Active:      true,
		CreatedAt:   d.now(),
	}
	if err := d.store.CreateUser(ctx, u); err != nil {
		return User{}, storageErr("create user", err)
	}
	d.audit(ctx, u.FamilyID, "", AuditUserCreated, map[string]any{"user_id": u.ID, "role": u.Role})
	return u, nil
}

// GetUser returns the user if it belongs to familyID.
func (d *Directory) GetUser(ctx context.Context, familyID FamilyID, id UserID) (User, error) {
	u, err := d.store.GetUser(ctx, id)
	if err != nil {
		return User{}, storageErr("get user", err)
	}
	if u.FamilyID != familyID {
		return User{}, &NotFoundError{Entity: "user", ID: string(id)}
	}
	return u, nil
}

func (d *Directory) ListUsers(ctx context.Context, familyID FamilyID) ([]User, error) {
	if _, err := d.store.GetFamily(ctx, familyID); err != nil {
		return nil, storageErr("list users", err)
	}
	us, err := d.store.ListUsers(ctx, familyID)
	return us, storageErr("list users", err)
}

// UserUpdate carries the mutable user fields. Nil means unchanged.
type UserUpdate struct {
	DisplayName *string
	Active      *bool
}

func (d *Directory) UpdateUser(ctx context.Context, familyID FamilyID, id UserID, upd UserUpdate) (User, error) {
	u, err := d.GetUser(ctx, familyID, id)
	if err != nil {
		return User{}, err
	}
	if u.Deleted() {
		return User{}, &ValidationError{Field: "user_id", Reason: "user has been deleted"}
	}
	if upd.DisplayName != nil {
		name, err := cleanName("display_name", *upd.DisplayName)
		if err != nil {
			return User{}, err
		}
		u.DisplayName = name
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	if err := d.store.UpdateUser(ctx, u); err != nil {
		return User{}, storageErr("update user", err)
	}
	d.audit(ctx, familyID, "", AuditUserUpdated, map[string]any{
		"user_id": u.ID, "display_name": u.DisplayName, "active": u.Active,
	})
	return u, nil
}

// DeleteChild applies the retention policy described at the top of this file.
// It is irreversible.
func (d *Directory) DeleteChild(ctx context.Context, familyID FamilyID, id UserID) (int, error) {
	u, err := d.GetUser(ctx, familyID, id)
	if err != nil {
		return 0, err
	}
	if u.Role != RoleChild {
		return 0, &ValidationError{Field: "user_id", Reason: "only children can be deleted"}
	}
	if u.Deleted() {
		return 0, &NotFoundError{Entity: "user", ID: string(id)}
	}

	closed, err := d.store.DeleteChild(ctx, id, d.now())
	if err != nil {
		return 0, storageErr("delete child", err)
	}
	d.log.WithFields(logrus.Fields{
		"family_id":       familyID,
		"child_id":        id,
		"closed_accounts": closed,
	}).Warn("child deleted; accounts closed, history retained")
	d.audit(ctx, familyID, "", AuditChildDeleted, map[string]any{"user_id": id, "closed_accounts": closed})
	return closed, nil
}

// =============================================================================
// REWARD TYPES
// =============================================================================

type NewRewardType struct {
	FamilyID  FamilyID
	Name      string
	UnitKind  UnitKind
	UnitLabel string
}

func (d *Directory) CreateRewardType(ctx context.Context, in NewRewardType) (RewardType, error) {
	if _, err := d.store.GetFamily(ctx, in.FamilyID); err != nil {
		return RewardType{}, storageErr("create reward type", refErr("family_id", err))
	}
	name, err := cleanName("name", in.Name)
	if err != nil {
		return RewardType{}, err
	}
	kind, err := ParseUnitKind(string(in.UnitKind))
	if err != nil {
		return RewardType{}, err
	}
	label, err := ValidateUnit(kind, in.UnitLabel)
	if err != nil {
		return RewardType{}, err
	}

	rt := RewardType{
		ID:        RewardTypeID(NewID()),
		FamilyID:  in.FamilyID,
		Name:      name,
		UnitKind:  kind,
		UnitLabel: label,
		CreatedAt: d.now(),
	}
	if err := d.store.CreateRewardType(ctx, rt); err != nil {
		return RewardType{}, storageErr("create reward type", err)
	}
	d.audit(ctx, rt.FamilyID, "", AuditRewardTypeCreated, map[string]any{
		"reward_type_id": rt.ID, "name": rt.Name, "unit_kind": rt.UnitKind,
	})
	return rt, nil
}

// GetRewardType returns the reward type if it belongs to familyID.
func (d *Directory) GetRewardType(ctx context.Context, familyID FamilyID, id RewardTypeID) (RewardType, error) {
	rt, err := d.store.GetRewardType(ctx, id)
	if err != nil {
		return RewardType{}, storageErr("get reward type", err)
	}
	if rt.FamilyID != familyID {
		return RewardType{}, &NotFoundError{Entity: "reward type", ID: string(id)}
	}
	return rt, nil
}

func (d *Directory) ListRewardTypes(ctx context.Context, familyID FamilyID) ([]RewardType, error) {
	if _, err := d.store.GetFamily(ctx, familyID); err != nil {
		return nil, storageErr("list reward types", err)
	}
	rts, err := d.store.ListRewardTypes(ctx, familyID)
	return rts, storageErr("list reward types", err)
}

// RenameRewardType changes the name only. Unit kind and label are immutable
// because changing them would reinterpret existing balances.
func (d *Directory) RenameRewardType(ctx context.Context, familyID FamilyID, id RewardTypeID, name string) (RewardType, error) {
	rt, err := d.GetRewardType(ctx, familyID, id)
	if err != nil {
		return RewardType{}, err
	}
	name, err = cleanName("name", name)
	if err != nil {
		return RewardType{}, err
	}
	if name == rt.Name {
		return rt, nil
	}
	if err := d.store.RenameRewardType(ctx, id, name); err != nil {
		return RewardType{}, storageErr("rename reward type", err)
	}
	d.audit(ctx, familyID, "", AuditRewardTypeRenamed, map[string]any{
		"reward_type_id": id, "from": rt.Name, "to": name,
	})
	rt.Name = name
	return rt, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (d *Directory) ListAudit(ctx context.Context, familyID FamilyID, limit int) ([]AuditEntry, error) {
	if _, err := d.store.GetFamily(ctx, familyID); err != nil {
		return nil, storageErr("list audit", err)
	}
	switch {
	case limit < 0:
		return nil, &ValidationError{Field: "limit", Reason: "must not be negative"}
	case limit == 0:
		limit = defaultAuditPage
	case limit > maxAuditPage:
		limit = maxAuditPage
	}
	entries, err := d.store.ListAudit(ctx, familyID, limit)
	return entries, storageErr("list audit", err)
}

func (d *Directory) audit(ctx context.Context, familyID FamilyID, actor UserID, action AuditAction, payload map[string]any) {
	appendAudit(ctx, d.store, d.log, d.now(), familyID, actor, action, payload)
}

func appendAudit(ctx context.Context, log AuditLog, logger logrus.FieldLogger, at time.Time,
	familyID FamilyID, actor UserID, action AuditAction, payload map[string]any) {
	entry := AuditEntry{
		ID:        NewID(),
		FamilyID:  familyID,
		ActorID:   actor,
		Action:    action,
		Payload:   payload,
		CreatedAt: at,
	}
	if err := log.AppendAudit(ctx, entry); err != nil {
		logger.WithError(err).WithField("action", action).Error("failed to append audit entry")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func cleanName(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ValidationError{Field: field, Reason: "required"}
	}
	if len(s) > maxNameLen {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d characters", maxNameLen)}
	}
	return s, nil
}

// NameKey is the uniqueness key of reward type names.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// resolveRefs loads and cross-checks the entities an account operation names.
func resolveRefs(ctx context.Context, store EntityStore, familyID FamilyID, childID UserID, rtID RewardTypeID) (User, RewardType, error) {
	if _, err := store.GetFamily(ctx, familyID); err != nil {
		return User{}, RewardType{}, err
	}
	child, err := store.GetUser(ctx, childID)
	if err != nil {
		return User{}, RewardType{}, err
	}
	if child.FamilyID != familyID {
		return User{}, RewardType{}, &NotFoundError{Entity: "user", ID: string(childID)}
	}
	if child.Role != RoleChild {
		return User{}, RewardType{}, &ValidationError{Field: "child_id", Reason: "user is not a child"}
	}
	rt, err := store.GetRewardType(ctx, rtID)
	if err != nil {
		return User{}, RewardType{}, err
	}
	if rt.FamilyID != familyID {
		return User{}, RewardType{}, &NotFoundError{Entity: "reward type", ID: string(rtID)}
	}
	return child, rt, nil
}
