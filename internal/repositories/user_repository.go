package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-relay/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username already taken")
)

// UserRepository abstracts user and contact persistence.
type UserRepository interface {
	CreateUser(ctx context.Context, username, passwordHash string) (models.User, error)
	GetUser(ctx context.Context, username string) (models.User, error)
	ListUsers(ctx context.Context, exclude string) ([]models.User, error)
	UpdateAvatar(ctx context.Context, username, avatar string) error
	TouchLastSeen(ctx context.Context, username string, at time.Time) error
	AddContact(ctx context.Context, owner, contact string) error
	RemoveContact(ctx context.Context, owner, contact string) error
	ListContacts(ctx context.Context, owner string) ([]models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `username, avatar, last_seen, password_hash, created_at`

// CreateUser inserts a new user.
func (r *UserRepo) CreateUser(ctx context.Context, username, passwordHash string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING `+userColumns, username, passwordHash)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.User{}, ErrUserExists
	}
	return user, err
}

// GetUser fetches a user by username.
func (r *UserRepo) GetUser(ctx context.Context, username string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE username=$1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// ListUsers returns every user except exclude, ordered by username.
func (r *UserRepo) ListUsers(ctx context.Context, exclude string) ([]models.User, error) {
	users := []models.User{}
	err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users WHERE username<>$1 ORDER BY username`, exclude)
	return users, err
}

// UpdateAvatar sets the avatar blob reference of a user.
func (r *UserRepo) UpdateAvatar(ctx context.Context, username, avatar string) error {
	return expectOne(r.db.ExecContext(ctx, `UPDATE users SET avatar=$2 WHERE username=$1`, username, avatar))(ErrUserNotFound)
}

// TouchLastSeen records the last time the user was connected.
func (r *UserRepo) TouchLastSeen(ctx context.Context, username string, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `UPDATE users SET last_seen=$2 WHERE username=$1`, username, at))(ErrUserNotFound)
}

// AddContact links contact to owner's contact list; adding twice is a no-op.
func (r *UserRepo) AddContact(ctx context.Context, owner, contact string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO contacts (owner, contact) VALUES ($1, $2) ON CONFLICT (owner, contact) DO NOTHING`, owner, contact)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrUserNotFound
	}
	return err
}

// RemoveContact unlinks contact from owner's contact list.
func (r *UserRepo) RemoveContact(ctx context.Context, owner, contact string) error {
	return expectOne(r.db.ExecContext(ctx, `DELETE FROM contacts WHERE owner=$1 AND contact=$2`, owner, contact))(ErrUserNotFound)
}

// ListContacts returns the users in owner's contact list.
func (r *UserRepo) ListContacts(ctx context.Context, owner string) ([]models.User, error) {
	users := []models.User{}
	err := r.db.SelectContext(ctx, &users, `SELECT u.username, u.avatar, u.last_seen, u.password_hash, u.created_at
        FROM contacts c INNER JOIN users u ON u.username = c.contact
        WHERE c.owner=$1 ORDER BY u.username`, owner)
	return users, err
}

// expectOne turns a zero-row exec result into notFound.
func expectOne(res sql.Result, err error) func(notFound error) error {
	return func(notFound error) error {
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return notFound
		}
		return nil
	}
}
