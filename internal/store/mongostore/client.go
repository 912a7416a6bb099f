package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultDatabase   = "code_blocks_db"
	defaultCollection = "code_blocks"
)

// Connect dials MongoDB and returns the code block collection.
func Connect(ctx context.Context, uri, database string) (*mongo.Collection, error) {
	if uri == "" {
		return nil, errors.New("MONGO_URI is empty")
	}
	if database == "" {
		database = defaultDatabase
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, err
	}
	return c.Database(database).Collection(defaultCollection), nil
}
