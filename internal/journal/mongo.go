package journal

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/messaging"
)

const (
	DefaultCollection   = "mq_subscriber_execution_log"
	defaultWriteTimeout = 5 * time.Second
	logTimeLayout       = "2006-01-02 15:04:05"
)

// inserter is the part of *mongo.Collection the journal writes through
type inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoJournal stores execution records as documents in a collection
type MongoJournal struct {
	client       *mongo.Client
	collection   inserter
	writeTimeout time.Duration
}

// MongoOption configures the MongoJournal
type MongoOption func(*MongoJournal)

// WithWriteTimeout bounds each insert
func WithWriteTimeout(d time.Duration) MongoOption {
	return func(j *MongoJournal) {
		j.writeTimeout = d
	}
}

// NewMongoJournal connects to uri and writes to database.collection. An
// empty collection name selects DefaultCollection.
func NewMongoJournal(ctx context.Context, uri, database, collection string, opts ...MongoOption) (*MongoJournal, error) {
	if uri == "" || database == "" {
		return nil, fmt.Errorf("journal: mongo uri and database are required")
	}
	if collection == "" {
		collection = DefaultCollection
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("journal: mongo connection failed: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("journal: mongo ping failed: %w", err)
	}

	j := newMongoJournal(client.Database(database).Collection(collection), opts...)
	j.client = client
	return j, nil
}

func newMongoJournal(collection inserter, opts ...MongoOption) *MongoJournal {
	j := &MongoJournal{
		collection:   collection,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record implements messaging.ExecutionLog
func (j *MongoJournal) Record(ctx context.Context, record messaging.ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, j.writeTimeout)
	defer cancel()

	if _, err := j.collection.InsertOne(ctx, toDocument(record)); err != nil {
		return fmt.Errorf("journal: insert execution record: %w", err)
	}
	return nil
}

// Close disconnects the client created by NewMongoJournal
func (j *MongoJournal) Close(ctx context.Context) error {
	if j.client == nil {
		return nil
	}
	return j.client.Disconnect(ctx)
}

func toDocument(record messaging.ExecutionRecord) bson.M {
	ask := contracts.AskFailure
	if record.Success {
		ask = contracts.AskSuccess
	}
	loggedAt := record.LoggedAt
	if loggedAt.IsZero() {
		loggedAt = time.Now()
	}

	return bson.M{
		"exchange":         record.Exchange,
		"queue":            record.Queue,
		"routing":          record.RoutingKey,
		"message":          record.Message,
		"execution_time":   record.ExecutionTime.Seconds(),
		"execution_output": record.Output,
		"execution_ask":    string(ask),
		"memory_usage":     record.MemoryUsage,
		"log_add_time":     loggedAt.Format(logTimeLayout),
	}
}

var _ messaging.ExecutionLog = (*MongoJournal)(nil)
