package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"duetrack/internal/domain"
)

// MongoConfig mirrors the connection settings the services share for MongoDB.
type MongoConfig struct {
	ConnectionURL  string        `env:"MONGODB_URL" envDefault:"mongodb://localhost:27017"`
	Database       string        `env:"MONGODB_DATABASE" envDefault:"duetrack"`
	ConnectTimeout time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	MaxPoolSize    uint64        `env:"MONGODB_MAX_POOL_SIZE" envDefault:"100"`
	RetryAttempts  int           `env:"MONGODB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"MONGODB_RETRY_INTERVAL" envDefault:"5s"`
}

var ErrFailedToConnectToMongo = errors.New("failed to connect to mongo")

// maxUpdateAttempts bounds optimistic retries when a concurrent writer wins.
const maxUpdateAttempts = 5

// ConnectMongo connects and pings, retrying RetryAttempts times.
func ConnectMongo(ctx context.Context, cfg MongoConfig) (*mongo.Client, error) {
	for range max(cfg.RetryAttempts, 1) {
		client, err := mongo.Connect(
			options.Client().
				ApplyURI(cfg.ConnectionURL).
				SetConnectTimeout(cfg.ConnectTimeout).
				SetMaxPoolSize(cfg.MaxPoolSize),
		)
		if err == nil {
			if err := client.Ping(ctx, nil); err == nil {
				return client, nil
			}
			_ = client.Disconnect(ctx)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToConnectToMongo, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrFailedToConnectToMongo
}

type MongoStore struct {
	tasks *mongo.Collection
	users *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{tasks: db.Collection("tasks"), users: db.Collection("users")}
}

// EnsureIndexes creates the unique title index and the query indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "title", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "deadline", Value: 1}}},
	})
	return err
}

func (s *MongoStore) Create(ctx context.Context, t domain.Task) error {
	_, err := s.tasks.InsertOne(ctx, t)
	return mapMongoErr(err)
}

func (s *MongoStore) Get(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := s.tasks.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Task{}, domain.ErrNotFound
	}
	return normalize(t), err
}

// Update replaces the document only if its version is unchanged since the
// read, retrying the read-modify-write when another writer got there first.
func (s *MongoStore) Update(ctx context.Context, id string, fn UpdateFunc) (domain.Task, error) {
	for range maxUpdateAttempts {
		t, err := s.Get(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		changed, err := fn(&t)
		if err != nil {
			return domain.Task{}, err
		}
		if !changed {
			return t, nil
		}

		prev := t.Version
		t.Version++
		res, err := s.tasks.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}, {Key: "version", Value: prev}}, t)
		if err != nil {
			return domain.Task{}, mapMongoErr(err)
		}
		if res.MatchedCount == 1 {
			return t, nil
		}
	}
	return domain.Task{}, ErrConflict
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.tasks.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, ownerID string, q Query) ([]domain.Task, error) {
	filter := bson.D{{Key: "owner_id", Value: ownerID}}
	if len(q.Statuses) > 0 {
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: q.Statuses}}})
	}
	deadline := bson.D{}
	for _, c := range []struct {
		op string
		t  *time.Time
	}{{"$gt", q.DeadlineGT}, {"$gte", q.DeadlineGTE}, {"$lt", q.DeadlineLT}, {"$lte", q.DeadlineLTE}} {
		if c.t != nil {
			deadline = append(deadline, bson.E{Key: c.op, Value: *c.t})
		}
	}
	if len(deadline) > 0 {
		filter = append(filter, bson.E{Key: "deadline", Value: deadline})
	}

	sort := bson.D{}
	for _, f := range q.Sort {
		dir := 1
		if f.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: f.Column, Value: dir})
	}
	sort = append(sort, bson.E{Key: "_id", Value: 1})

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	page := max(q.Page, 1)
	opts := options.Find().SetSort(sort).SetSkip(int64((page - 1) * limit)).SetLimit(int64(limit))
	return s.find(ctx, filter, opts)
}

func (s *MongoStore) CountByStatus(ctx context.Context, ownerID string) (domain.StatusCounts, error) {
	cur, err := s.tasks.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "owner_id", Value: ownerID}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status domain.Status `bson:"_id"`
		Count  int           `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := domain.StatusCounts{}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *MongoStore) DueBetween(ctx context.Context, from, to time.Time, statuses []domain.Status) ([]domain.Task, error) {
	filter := bson.D{
		{Key: "deadline", Value: bson.D{{Key: "$gte", Value: from}, {Key: "$lt", Value: to}}},
		{Key: "status", Value: bson.D{{Key: "$in", Value: statuses}}},
	}
	return s.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "owner_id", Value: 1}, {Key: "deadline", Value: 1}}))
}

func (s *MongoStore) PastDeadline(ctx context.Context, now time.Time, statuses []domain.Status, limit int) ([]domain.Task, error) {
	filter := bson.D{
		{Key: "deadline", Value: bson.D{{Key: "$lte", Value: now}}},
		{Key: "status", Value: bson.D{{Key: "$in", Value: statuses}}},
	}
	return s.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "deadline", Value: 1}}).SetLimit(int64(limit)))
}

func (s *MongoStore) Email(ctx context.Context, ownerID string) (string, error) {
	var u struct {
		Email string `bson:"email"`
	}
	err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: ownerID}}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNoUser
	}
	return u.Email, err
}

func (s *MongoStore) PutUser(ctx context.Context, ownerID, email string) error {
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: ownerID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "email", Value: email}}}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) find(ctx context.Context, filter bson.D, opts *options.FindOptionsBuilder) ([]domain.Task, error) {
	cur, err := s.tasks.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	tasks := []domain.Task{}
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i] = normalize(tasks[i])
	}
	return tasks, nil
}

// normalize brings decoded BSON datetimes (millisecond precision, local
// zone) in line with what the rest of the code compares against.
func normalize(t domain.Task) domain.Task {
	t.Deadline = t.Deadline.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.CompletedAt != nil {
		c := t.CompletedAt.UTC()
		t.CompletedAt = &c
	}
	return t
}

func mapMongoErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrDuplicateTitle
	}
	return err
}
