package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jefftrojan/twigane/internal/model"
)

// NewMongoClient connects and pings within a bounded timeout.
func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

type MongoStore struct {
	col *mongo.Collection
}

// NewMongoStore wraps col and makes sure the list and sweep indexes exist.
func NewMongoStore(ctx context.Context, col *mongo.Collection) (*MongoStore, error) {
	ixs := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("user_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("expires_idx").SetSparse(true),
		},
	}
	if _, err := col.Indexes().CreateMany(ctx, ixs); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return &MongoStore{col: col}, nil
}

func (r *MongoStore) Insert(ctx context.Context, n *model.Notification) error {
	_, err := r.col.InsertOne(ctx, n)
	return err
}

func (r *MongoStore) FindByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error) {
	filter := bson.M{"user_id": userID}
	if unreadOnly {
		filter["read"] = false
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []*model.Notification{}
	for cur.Next(ctx) {
		var n model.Notification
		if err := cur.Decode(&n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, cur.Err()
}

func (r *MongoStore) MarkRead(ctx context.Context, id, userID string) (bool, error) {
	res, err := r.col.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID, "read": false},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (r *MongoStore) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.col.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": t}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
