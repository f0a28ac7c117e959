package docstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

type attachmentDoc struct {
	Name         string `bson:"name"`
	MimeType     string `bson:"mime_type"`
	Size         int64  `bson:"size"`
	OriginalName string `bson:"original_name"`
}

type messageDoc struct {
	ID         bson.ObjectID  `bson:"_id,omitempty"`
	From       string         `bson:"from"`
	To         string         `bson:"to"`
	IsGroup    bool           `bson:"is_group"`
	Text       string         `bson:"text"`
	Attachment *attachmentDoc `bson:"attachment,omitempty"`
	ReplyTo    *bson.ObjectID `bson:"reply_to,omitempty"`
	Deleted    bool           `bson:"deleted"`
	Timestamp  time.Time      `bson:"timestamp"`
}

func (d messageDoc) model() models.Message {
	msg := models.Message{
		ID:        d.ID.Hex(),
		From:      d.From,
		To:        d.To,
		IsGroup:   d.IsGroup,
		Text:      d.Text,
		Deleted:   d.Deleted,
		Timestamp: d.Timestamp.UTC(),
	}
	if a := d.Attachment; a != nil {
		msg.Attachment = &models.Attachment{Name: a.Name, MimeType: a.MimeType, Size: a.Size, OriginalName: a.OriginalName}
	}
	if d.ReplyTo != nil {
		msg.ReplyTo = &models.ReplyRef{ID: d.ReplyTo.Hex()}
	}
	return msg
}

// MessageStore implements repositories.MessageRepository on the messages collection.
type MessageStore struct {
	coll *mongo.Collection
}

// NewMessageStore constructs a MessageStore.
func NewMessageStore(database *mongo.Database) *MessageStore {
	return &MessageStore{coll: database.Collection(messagesCollection)}
}

var _ repositories.MessageRepository = (*MessageStore)(nil)

func (s *MessageStore) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	doc := messageDoc{
		ID:        bson.NewObjectID(),
		From:      msg.From,
		To:        msg.To,
		IsGroup:   msg.IsGroup,
		Text:      msg.Text,
		Timestamp: msg.Timestamp.UTC(),
	}
	if a := msg.Attachment; a != nil {
		doc.Attachment = &attachmentDoc{Name: a.Name, MimeType: a.MimeType, Size: a.Size, OriginalName: a.OriginalName}
	}
	if id, ok := objectID(msg.ReplyID()); ok {
		doc.ReplyTo = &id
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return models.Message{}, err
	}
	return doc.model(), nil
}

func (s *MessageStore) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	id, ok := objectID(messageID)
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	var doc messageDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return doc.model(), nil
}

func (s *MessageStore) GetMessages(ctx context.Context, messageIDs []string) ([]models.Message, error) {
	ids := make([]bson.ObjectID, 0, len(messageIDs))
	for _, raw := range messageIDs {
		if id, ok := objectID(raw); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []models.Message{}, nil
	}
	return s.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find())
}

func (s *MessageStore) ListDirectMessages(ctx context.Context, userA, userB string, limit int) ([]models.Message, error) {
	return s.list(ctx, directFilter(userA, userB), limit)
}

func (s *MessageStore) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]models.Message, error) {
	return s.list(ctx, bson.M{"is_group": true, "to": groupID}, limit)
}

func (s *MessageStore) list(ctx context.Context, filter bson.M, limit int) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	msgs, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *MessageStore) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]models.Message, error) {
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.model())
	}
	return msgs, nil
}

func (s *MessageStore) ClearDirectMessages(ctx context.Context, userA, userB string) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, directFilter(userA, userB))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MessageStore) SoftDeleteMessage(ctx context.Context, messageID string, sender string) error {
	id, ok := objectID(messageID)
	if !ok {
		return repositories.ErrMessageNotFound
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "from": sender},
		bson.M{"$set": bson.M{"deleted": true, "text": ""}, "$unset": bson.M{"attachment": ""}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repositories.ErrMessageNotFound
	}
	return nil
}

func directFilter(userA, userB string) bson.M {
	return bson.M{
		"is_group": false,
		"$or": bson.A{
			bson.M{"from": userA, "to": userB},
			bson.M{"from": userB, "to": userA},
		},
	}
}
