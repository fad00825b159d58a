package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/barnybug/smarthome/model"
	"github.com/barnybug/smarthome/store"
)

// UserHeader carries the caller identity, set by the authenticating proxy in
// front of the API. Browsers opening a websocket send the uid cookie instead.
const (
	UserHeader = "X-User-ID"
	UserCookie = "uid"
)

// Authenticate resolves the caller identity of r.
func Authenticate(r *http.Request) (int64, bool) {
	value := r.Header.Get(UserHeader)
	if value == "" {
		if c, err := r.Cookie(UserCookie); err == nil {
			value = c.Value
		}
	}
	if value == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Level of permission a user holds over a house.
type Level int

const (
	LevelNone Level = iota
	LevelView
	LevelControl
	LevelManage
	LevelOwner
)

// Member roles.
const (
	RoleOwner         = "owner"
	RoleAdministrator = "administrateur"
	RoleOccupant      = "occupant"
)

func roleLevel(role string) Level {
	switch role {
	case RoleOwner:
		return LevelOwner
	case RoleAdministrator:
		return LevelManage
	case RoleOccupant:
		return LevelControl
	}
	return LevelNone
}

// PermissionChecker answers access questions from house membership. The Tx
// variants run inside a caller's transaction; the others open their own.
type PermissionChecker struct {
	store store.Store
}

func NewPermissionChecker(s store.Store) *PermissionChecker {
	return &PermissionChecker{store: s}
}

func (p *PermissionChecker) read(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

func (p *PermissionChecker) LevelTx(ctx context.Context, tx store.Tx, userID, houseID int64) (Level, string, error) {
	role, err := tx.MemberRole(ctx, houseID, userID)
	if err != nil {
		return LevelNone, "", err
	}
	return roleLevel(role), role, nil
}

func (p *PermissionChecker) Level(ctx context.Context, userID, houseID int64) (level Level, err error) {
	err = p.read(ctx, func(tx store.Tx) error {
		level, _, err = p.LevelTx(ctx, tx, userID, houseID)
		return err
	})
	return level, err
}

// CanControlTx applies the equipment's allowed roles to non-owners. A nil
// equipment checks the house-level permission only.
func (p *PermissionChecker) CanControlTx(ctx context.Context, tx store.Tx, userID, houseID int64, e *model.Equipment) (bool, error) {
	level, role, err := p.LevelTx(ctx, tx, userID, houseID)
	if err != nil || level < LevelControl {
		return false, err
	}
	if level == LevelOwner || e == nil || len(e.AllowedRoles) == 0 {
		return true, nil
	}
	for _, allowed := range e.AllowedRoles {
		if allowed == role {
			return true, nil
		}
	}
	return false, nil
}

func (p *PermissionChecker) CanControl(ctx context.Context, userID, houseID int64, e *model.Equipment) (ok bool, err error) {
	err = p.read(ctx, func(tx store.Tx) error {
		ok, err = p.CanControlTx(ctx, tx, userID, houseID, e)
		return err
	})
	return ok, err
}

func (p *PermissionChecker) CanView(ctx context.Context, userID, houseID int64) (bool, error) {
	level, err := p.Level(ctx, userID, houseID)
	return level >= LevelView, err
}

func (p *PermissionChecker) CanManage(ctx context.Context, userID, houseID int64) (bool, error) {
	level, err := p.Level(ctx, userID, houseID)
	return level >= LevelManage, err
}

func (p *PermissionChecker) IsOwner(ctx context.Context, userID, houseID int64) (bool, error) {
	level, err := p.Level(ctx, userID, houseID)
	return level == LevelOwner, err
}
