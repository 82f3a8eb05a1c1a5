// Package mongostore implements the repository contract on MongoDB with one
// collection per record kind.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
	"github.com/zhouzirui/presence-relay/backend/internal/store"
)

const (
	messagesCollection = "messages"
	roomsCollection    = "rooms"
	usersCollection    = "users"
)

// Config represents the MongoDB connection settings.
type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// Store is a store.Repository backed by a Mongo database.
type Store struct {
	db       *mongo.Database
	messages *mongo.Collection
	rooms    *mongo.Collection
	users    *mongo.Collection
}

var _ store.Repository = (*Store)(nil)

// Connect dials the deployment and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	return New(cli.Database(cfg.Database)), nil
}

// New wraps an already connected database.
func New(db *mongo.Database) *Store {
	return &Store{
		db:       db,
		messages: db.Collection(messagesCollection),
		rooms:    db.Collection(roomsCollection),
		users:    db.Collection(usersCollection),
	}
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// CreateMessage inserts msg under a fresh ObjectID.
func (s *Store) CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg.ID = primitive.NewObjectID().Hex()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return chat.Message{}, errors.Wrapf(err, "insert message room=%s", msg.RoomID)
	}
	return msg, nil
}

// FindMessage loads a message by id.
func (s *Store) FindMessage(ctx context.Context, id string) (chat.Message, error) {
	var msg chat.Message
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		return chat.Message{}, notFound(err, "find message %s", id)
	}
	return msg, nil
}

// FindRoom loads a room summary.
func (s *Store) FindRoom(ctx context.Context, roomID string) (chat.RoomSummary, error) {
	var summary chat.RoomSummary
	if err := s.rooms.FindOne(ctx, bson.M{"_id": roomID}).Decode(&summary); err != nil {
		return chat.RoomSummary{}, notFound(err, "find room %s", roomID)
	}
	return summary, nil
}

// UpdateRoomSummary writes the summary only when the stored lastMessageAt is
// older than update.SentAt. When a newer summary already exists the upsert
// collides on _id, which is reported as not applied.
func (s *Store) UpdateRoomSummary(ctx context.Context, roomID string, update chat.SummaryUpdate) (bool, error) {
	filter := bson.M{
		"_id": roomID,
		"$or": bson.A{
			bson.M{"lastMessageAt": bson.M{"$lt": update.SentAt}},
			bson.M{"lastMessageAt": bson.M{"$exists": false}},
		},
	}
	set := bson.M{"$set": bson.M{
		"lastMessage":   update.Text,
		"lastMessageAt": update.SentAt,
		"lastSenderId":  update.SenderID,
	}}

	res, err := s.rooms.UpdateOne(ctx, filter, set, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "update room summary %s", roomID)
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

// FindUser loads a user profile.
func (s *Store) FindUser(ctx context.Context, username string) (chat.User, error) {
	var user chat.User
	if err := s.users.FindOne(ctx, bson.M{"_id": username}).Decode(&user); err != nil {
		return chat.User{}, notFound(err, "find user %s", username)
	}
	return user, nil
}

// UpdateUser upserts the fields set in update.
func (s *Store) UpdateUser(ctx context.Context, username string, update chat.UserPresence) (bool, error) {
	fields := bson.M{}
	if update.Status != "" {
		fields["status"] = update.Status
	}
	if update.CustomStatus != nil {
		fields["customStatus"] = *update.CustomStatus
	}
	if update.Avatar != nil {
		fields["avatar"] = *update.Avatar
	}
	if !update.LastSeen.IsZero() {
		fields["lastSeen"] = update.LastSeen
	}
	if len(fields) == 0 {
		return false, nil
	}

	res, err := s.users.UpdateOne(ctx, bson.M{"_id": username}, bson.M{"$set": fields}, options.Update().SetUpsert(true))
	if err != nil {
		return false, errors.Wrapf(err, "update user %s", username)
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return errors.Wrapf(err, format, args...)
}
