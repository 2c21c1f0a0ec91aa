package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"trainsync-relay/domain"
)

const usersCollection = "users"

var ErrNotFound = errors.New("directory: user not found")

type userDocument struct {
	Name  string `bson:"name"`
	Email string `bson:"email"`
}

// Mongo resolves identities against the users collection.
type Mongo struct {
	client *mongo.Client
	users  *mongo.Collection
}

func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	slog.Info("connected to MongoDB", "database", database)
	return &Mongo{
		client: client,
		users:  client.Database(database).Collection(usersCollection),
	}, nil
}

func (m *Mongo) Lookup(ctx context.Context, identity string) (domain.Profile, error) {
	var doc userDocument
	projection := options.FindOne().SetProjection(bson.M{"name": 1, "email": 1})
	err := m.users.FindOne(ctx, bson.M{"_id": documentID(identity)}, projection).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Profile{}, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("directory lookup %s: %w", identity, err)
	}
	return domain.Profile{Name: doc.Name, Email: doc.Email}, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// documentID matches identities issued from ObjectID primary keys and falls
// back to the raw string for anything else.
func documentID(identity string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(identity); err == nil {
		return oid
	}
	return identity
}
