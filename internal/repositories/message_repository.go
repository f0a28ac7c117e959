package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-relay/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for direct and group messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error)
	ListDirectMessages(ctx context.Context, userA, userB string, limit int) ([]models.Message, error)
	ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error)
	ClearDirectMessages(ctx context.Context, userA, userB string) (int64, error)
	SoftDeleteMessage(ctx context.Context, messageID string, sender string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, sender, recipient, is_group, text, attachment_name, attachment_mime, attachment_size, attachment_filename, reply_to, deleted, created_at`

type messageRow struct {
	ID                 int64          `db:"id"`
	Sender             string         `db:"sender"`
	Recipient          string         `db:"recipient"`
	IsGroup            bool           `db:"is_group"`
	Text               string         `db:"text"`
	AttachmentName     sql.NullString `db:"attachment_name"`
	AttachmentMime     sql.NullString `db:"attachment_mime"`
	AttachmentSize     sql.NullInt64  `db:"attachment_size"`
	AttachmentFilename sql.NullString `db:"attachment_filename"`
	ReplyTo            sql.NullInt64  `db:"reply_to"`
	Deleted            bool           `db:"deleted"`
	CreatedAt          time.Time      `db:"created_at"`
}

func (r messageRow) model() models.Message {
	msg := models.Message{
		ID:        strconv.FormatInt(r.ID, 10),
		From:      r.Sender,
		To:        r.Recipient,
		IsGroup:   r.IsGroup,
		Text:      r.Text,
		Deleted:   r.Deleted,
		Timestamp: r.CreatedAt.UTC(),
	}
	if r.AttachmentName.Valid {
		msg.Attachment = &models.Attachment{
			Name:         r.AttachmentName.String,
			MimeType:     r.AttachmentMime.String,
			Size:         r.AttachmentSize.Int64,
			OriginalName: r.AttachmentFilename.String,
		}
	}
	if r.ReplyTo.Valid {
		msg.ReplyTo = &models.ReplyRef{ID: strconv.FormatInt(r.ReplyTo.Int64, 10)}
	}
	return msg
}

func toModels(rows []messageRow) []models.Message {
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.model())
	}
	return msgs
}

// CreateMessage stores a message. The caller assigns the timestamp.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var (
		name, mime, filename sql.NullString
		size                 sql.NullInt64
		replyTo              sql.NullInt64
	)
	if a := msg.Attachment; a != nil {
		name = sql.NullString{String: a.Name, Valid: true}
		mime = sql.NullString{String: a.MimeType, Valid: true}
		filename = sql.NullString{String: a.OriginalName, Valid: true}
		size = sql.NullInt64{Int64: a.Size, Valid: true}
	}
	if id := msg.ReplyID(); id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			replyTo = sql.NullInt64{Int64: n, Valid: true}
		}
	}

	var row messageRow
	err := r.db.GetContext(ctx, &row, `INSERT INTO messages (sender, recipient, is_group, text, attachment_name, attachment_mime, attachment_size, attachment_filename, reply_to, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING `+messageColumns,
		msg.From, msg.To, msg.IsGroup, msg.Text, name, mime, size, filename, replyTo, msg.Timestamp)
	if err != nil {
		return models.Message{}, err
	}
	return row.model(), nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	id, err := parseID(messageID, ErrMessageNotFound)
	if err != nil {
		return models.Message{}, err
	}
	var row messageRow
	err = r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.model(), nil
}

// GetMessages retrieves the messages among messageIDs that exist, in no particular order.
func (r *MessageRepo) GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error) {
	ids := make([]int64, 0, len(messageIDs))
	for _, raw := range messageIDs {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []models.Message{}, nil
	}
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// ListDirectMessages returns the last limit messages exchanged by two users, oldest first.
// A non-positive limit returns the full history.
func (r *MessageRepo) ListDirectMessages(ctx context.Context, userA, userB string, limit int) ([]models.Message, error) {
	where := `WHERE is_group = FALSE AND ((sender=$1 AND recipient=$2) OR (sender=$2 AND recipient=$1))`
	return r.list(ctx, where, limit, userA, userB)
}

// ListGroupMessages returns the last limit messages of a group, oldest first.
func (r *MessageRepo) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error) {
	return r.list(ctx, `WHERE is_group = TRUE AND recipient=$1`, limit, groupID)
}

func (r *MessageRepo) list(ctx context.Context, where string, limit int, args ...any) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return toModels(rows), nil
}

// ClearDirectMessages removes the whole history between two users.
func (r *MessageRepo) ClearDirectMessages(ctx context.Context, userA, userB string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE is_group = FALSE AND ((sender=$1 AND recipient=$2) OR (sender=$2 AND recipient=$1))`, userA, userB)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SoftDeleteMessage clears the payload of a message sent by sender and flags it deleted.
func (r *MessageRepo) SoftDeleteMessage(ctx context.Context, messageID string, sender string) error {
	id, err := parseID(messageID, ErrMessageNotFound)
	if err != nil {
		return err
	}
	return expectOne(r.db.ExecContext(ctx, `UPDATE messages SET deleted = TRUE, text = '',
        attachment_name = NULL, attachment_mime = NULL, attachment_size = NULL, attachment_filename = NULL
        WHERE id=$1 AND sender=$2`, id, sender))(ErrMessageNotFound)
}
