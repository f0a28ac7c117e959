package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-relay/internal/models"
)

var ErrGroupNotFound = errors.New("group not found")

// GroupRepository abstracts group persistence.
type GroupRepository interface {
	CreateGroup(ctx context.Context, creator, name, avatar string, members []string) (models.Group, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
	ListGroupsForUser(ctx context.Context, username string) ([]models.Group, error)
	IsMember(ctx context.Context, groupID string, username string) (bool, error)
	AddMember(ctx context.Context, groupID string, username string) error
	RemoveMember(ctx context.Context, groupID string, username string) error
	DeleteGroup(ctx context.Context, groupID string) error
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

type groupRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Creator   string    `db:"creator"`
	Avatar    string    `db:"avatar"`
	CreatedAt time.Time `db:"created_at"`
}

func (g groupRow) model(members []string) models.Group {
	return models.Group{
		ID:        strconv.FormatInt(g.ID, 10),
		Name:      g.Name,
		Creator:   g.Creator,
		Avatar:    g.Avatar,
		Members:   members,
		CreatedAt: g.CreatedAt,
	}
}

// parseID maps any non-numeric id onto notFound since it can never match a row.
func parseID(id string, notFound error) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, notFound
	}
	return n, nil
}

// CreateGroup creates a group and its members atomically.
func (r *GroupRepo) CreateGroup(ctx context.Context, creator, name, avatar string, members []string) (models.Group, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Group{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var row groupRow
	if err = tx.GetContext(ctx, &row, `INSERT INTO groups (name, creator, avatar) VALUES ($1, $2, $3) RETURNING id, name, creator, avatar, created_at`, name, creator, avatar); err != nil {
		return models.Group{}, err
	}

	ids := MemberSet(creator, members)
	for _, username := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO group_members (group_id, username) VALUES ($1, $2)`, row.ID, username); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				err = ErrUserNotFound
			}
			return models.Group{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Group{}, err
	}
	return row.model(ids), nil
}

// GetGroup fetches a single group with its members.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	id, err := parseID(groupID, ErrGroupNotFound)
	if err != nil {
		return models.Group{}, err
	}
	var row groupRow
	err = r.db.GetContext(ctx, &row, `SELECT id, name, creator, avatar, created_at FROM groups WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	if err != nil {
		return models.Group{}, err
	}
	members := []string{}
	if err := r.db.SelectContext(ctx, &members, `SELECT username FROM group_members WHERE group_id=$1 ORDER BY username`, id); err != nil {
		return models.Group{}, err
	}
	return row.model(members), nil
}

// ListGroupsForUser returns groups that include the user.
func (r *GroupRepo) ListGroupsForUser(ctx context.Context, username string) ([]models.Group, error) {
	var rows []groupRow
	err := r.db.SelectContext(ctx, &rows, `SELECT g.id, g.name, g.creator, g.avatar, g.created_at FROM groups g
        INNER JOIN group_members gm ON gm.group_id = g.id
        WHERE gm.username=$1 ORDER BY g.created_at DESC`, username)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.Group{}, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var memberships []struct {
		GroupID  int64  `db:"group_id"`
		Username string `db:"username"`
	}
	if err := r.db.SelectContext(ctx, &memberships, `SELECT group_id, username FROM group_members WHERE group_id = ANY($1) ORDER BY username`, pq.Array(ids)); err != nil {
		return nil, err
	}
	byGroup := map[int64][]string{}
	for _, m := range memberships {
		byGroup[m.GroupID] = append(byGroup[m.GroupID], m.Username)
	}

	groups := make([]models.Group, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, row.model(byGroup[row.ID]))
	}
	return groups, nil
}

// IsMember checks membership.
func (r *GroupRepo) IsMember(ctx context.Context, groupID string, username string) (bool, error) {
	id, err := parseID(groupID, ErrGroupNotFound)
	if err != nil {
		return false, nil
	}
	var exists bool
	err = r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND username=$2)`, id, username)
	return exists, err
}

// AddMember adds username to the group; adding an existing member is a no-op.
func (r *GroupRepo) AddMember(ctx context.Context, groupID string, username string) error {
	id, err := parseID(groupID, ErrGroupNotFound)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO group_members (group_id, username) VALUES ($1, $2) ON CONFLICT (group_id, username) DO NOTHING`, id, username)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		if pqErr.Constraint == "group_members_group_id_fkey" {
			return ErrGroupNotFound
		}
		return ErrUserNotFound
	}
	return err
}

// RemoveMember removes username from the group.
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID string, username string) error {
	id, err := parseID(groupID, ErrGroupNotFound)
	if err != nil {
		return err
	}
	return expectOne(r.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1 AND username=$2`, id, username))(ErrUserNotFound)
}

// DeleteGroup removes the group and its memberships. Messages are left in place.
func (r *GroupRepo) DeleteGroup(ctx context.Context, groupID string) error {
	id, err := parseID(groupID, ErrGroupNotFound)
	if err != nil {
		return err
	}
	return expectOne(r.db.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, id))(ErrGroupNotFound)
}

// MemberSet dedupes members and guarantees the creator is present.
func MemberSet(creator string, members []string) []string {
	set := map[string]struct{}{creator: {}}
	for _, m := range members {
		if m != "" {
			set[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
