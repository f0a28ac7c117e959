package docstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

type groupDoc struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Name      string        `bson:"name"`
	Creator   string        `bson:"creator"`
	Members   []string      `bson:"members"`
	Avatar    string        `bson:"avatar"`
	CreatedAt time.Time     `bson:"created_at"`
}

func (d groupDoc) model() models.Group {
	members := append([]string(nil), d.Members...)
	sort.Strings(members)
	return models.Group{
		ID:        d.ID.Hex(),
		Name:      d.Name,
		Creator:   d.Creator,
		Members:   members,
		Avatar:    d.Avatar,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

// GroupStore implements repositories.GroupRepository on the groups collection.
type GroupStore struct {
	coll  *mongo.Collection
	users *mongo.Collection
}

// NewGroupStore constructs a GroupStore.
func NewGroupStore(database *mongo.Database) *GroupStore {
	return &GroupStore{coll: database.Collection(groupsCollection), users: database.Collection(usersCollection)}
}

var _ repositories.GroupRepository = (*GroupStore)(nil)

func (s *GroupStore) CreateGroup(ctx context.Context, creator, name, avatar string, members []string) (models.Group, error) {
	set := repositories.MemberSet(creator, members)
	known, err := s.users.CountDocuments(ctx, bson.M{"username": bson.M{"$in": set}})
	if err != nil {
		return models.Group{}, err
	}
	if int(known) != len(set) {
		return models.Group{}, repositories.ErrUserNotFound
	}

	doc := groupDoc{
		ID:        bson.NewObjectID(),
		Name:      name,
		Creator:   creator,
		Members:   set,
		Avatar:    avatar,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return models.Group{}, err
	}
	return doc.model(), nil
}

func (s *GroupStore) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	id, ok := objectID(groupID)
	if !ok {
		return models.Group{}, repositories.ErrGroupNotFound
	}
	var doc groupDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Group{}, repositories.ErrGroupNotFound
	}
	if err != nil {
		return models.Group{}, err
	}
	return doc.model(), nil
}

func (s *GroupStore) ListGroupsForUser(ctx context.Context, username string) ([]models.Group, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"members": username}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var docs []groupDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	groups := make([]models.Group, 0, len(docs))
	for _, d := range docs {
		groups = append(groups, d.model())
	}
	return groups, nil
}

func (s *GroupStore) IsMember(ctx context.Context, groupID string, username string) (bool, error) {
	id, ok := objectID(groupID)
	if !ok {
		return false, nil
	}
	count, err := s.coll.CountDocuments(ctx, bson.M{"_id": id, "members": username})
	return count > 0, err
}

func (s *GroupStore) AddMember(ctx context.Context, groupID string, username string) error {
	id, ok := objectID(groupID)
	if !ok {
		return repositories.ErrGroupNotFound
	}
	known, err := s.users.CountDocuments(ctx, bson.M{"username": username})
	if err != nil {
		return err
	}
	if known == 0 {
		return repositories.ErrUserNotFound
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$addToSet": bson.M{"members": username}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repositories.ErrGroupNotFound
	}
	return nil
}

func (s *GroupStore) RemoveMember(ctx context.Context, groupID string, username string) error {
	id, ok := objectID(groupID)
	if !ok {
		return repositories.ErrGroupNotFound
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "members": username}, bson.M{"$pull": bson.M{"members": username}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return repositories.ErrUserNotFound
	}
	return nil
}

func (s *GroupStore) DeleteGroup(ctx context.Context, groupID string) error {
	id, ok := objectID(groupID)
	if !ok {
		return repositories.ErrGroupNotFound
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return repositories.ErrGroupNotFound
	}
	return nil
}
