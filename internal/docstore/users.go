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

type userDoc struct {
	ID           bson.ObjectID `bson:"_id,omitempty"`
	Username     string        `bson:"username"`
	PasswordHash string        `bson:"password_hash"`
	Avatar       string        `bson:"avatar"`
	LastSeen     *time.Time    `bson:"last_seen,omitempty"`
	Contacts     []string      `bson:"contacts"`
	CreatedAt    time.Time     `bson:"created_at"`
}

func (d userDoc) model() models.User {
	return models.User{
		Username:     d.Username,
		Avatar:       d.Avatar,
		LastSeen:     d.LastSeen,
		PasswordHash: d.PasswordHash,
		CreatedAt:    d.CreatedAt.UTC(),
	}
}

// UserStore implements repositories.UserRepository on the users collection.
type UserStore struct {
	coll *mongo.Collection
}

// NewUserStore constructs a UserStore.
func NewUserStore(database *mongo.Database) *UserStore {
	return &UserStore{coll: database.Collection(usersCollection)}
}

var _ repositories.UserRepository = (*UserStore)(nil)

func (s *UserStore) CreateUser(ctx context.Context, username, passwordHash string) (models.User, error) {
	doc := userDoc{
		Username:     username,
		PasswordHash: passwordHash,
		Contacts:     []string{},
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return models.User{}, repositories.ErrUserExists
	}
	if err != nil {
		return models.User{}, err
	}
	return doc.model(), nil
}

func (s *UserStore) GetUser(ctx context.Context, username string) (models.User, error) {
	doc, err := s.find(ctx, username)
	if err != nil {
		return models.User{}, err
	}
	return doc.model(), nil
}

func (s *UserStore) find(ctx context.Context, username string) (userDoc, error) {
	var doc userDoc
	err := s.coll.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return userDoc{}, repositories.ErrUserNotFound
	}
	return doc, err
}

func (s *UserStore) ListUsers(ctx context.Context, exclude string) ([]models.User, error) {
	return s.list(ctx, bson.M{"username": bson.M{"$ne": exclude}})
}

func (s *UserStore) list(ctx context.Context, filter bson.M) ([]models.User, error) {
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.model())
	}
	return users, nil
}

func (s *UserStore) UpdateAvatar(ctx context.Context, username, avatar string) error {
	return s.update(ctx, username, bson.M{"$set": bson.M{"avatar": avatar}})
}

func (s *UserStore) TouchLastSeen(ctx context.Context, username string, at time.Time) error {
	return s.update(ctx, username, bson.M{"$set": bson.M{"last_seen": at.UTC()}})
}

func (s *UserStore) update(ctx context.Context, username string, update bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"username": username}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repositories.ErrUserNotFound
	}
	return nil
}

func (s *UserStore) AddContact(ctx context.Context, owner, contact string) error {
	if _, err := s.find(ctx, contact); err != nil {
		return err
	}
	return s.update(ctx, owner, bson.M{"$addToSet": bson.M{"contacts": contact}})
}

func (s *UserStore) RemoveContact(ctx context.Context, owner, contact string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"username": owner, "contacts": contact}, bson.M{"$pull": bson.M{"contacts": contact}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repositories.ErrUserNotFound
	}
	return nil
}

func (s *UserStore) ListContacts(ctx context.Context, owner string) ([]models.User, error) {
	doc, err := s.find(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(doc.Contacts) == 0 {
		return []models.User{}, nil
	}
	return s.list(ctx, bson.M{"username": bson.M{"$in": doc.Contacts}})
}
