package lake

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

// DefaultCollectionPrefix is the naming prefix of raw data collections in
// the lake.
const DefaultCollectionPrefix = "chase-data-"

// MongoOpts configures the Mongo-backed lake client.
type MongoOpts struct {
	URI        string
	Database   string
	Collection string
	// TextField is the document field embedded as Record.Text.
	TextField string
	// MetadataFields are scalar document fields copied into Record.Metadata.
	// Empty copies every scalar field except the text field.
	MetadataFields []string
	ConnectTimeout time.Duration
}

// Mongo reads records from a MongoDB data lake collection. It is the sole
// owner of the cursor token format: the hex (or raw string) form of the
// last-seen _id.
type Mongo struct {
	client     *mongo.Client
	db         *mongo.Database
	collection string
	textField  string
	metaFields []string
	log        *slog.Logger
}

// NewMongo connects to the data lake and verifies the connection.
func NewMongo(ctx context.Context, opts MongoOpts, log *slog.Logger) (*Mongo, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.TextField == "" {
		opts.TextField = "description"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(opts.URI).
		SetConnectTimeout(opts.ConnectTimeout).
		SetServerSelectionTimeout(opts.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("lake: connect %s: %w", opts.URI, domain.ErrLakeUnavailable)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("lake: ping: %v: %w", err, domain.ErrLakeUnavailable)
	}

	return &Mongo{
		client:     client,
		db:         client.Database(opts.Database),
		collection: opts.Collection,
		textField:  opts.TextField,
		metaFields: opts.MetadataFields,
		log:        log.With("component", "lake"),
	}, nil
}

// Close releases the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// WithCollection returns a client reading a different collection, sharing
// the connection.
func (m *Mongo) WithCollection(name string) *Mongo {
	c := *m
	c.collection = name
	return &c
}

// ListCollections returns lake collections carrying the given prefix,
// optionally bounded by [start, end] on the full name, sorted ascending.
func (m *Mongo) ListCollections(ctx context.Context, prefix, start, end string) ([]string, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("lake: list collections: %v: %w", err, domain.ErrLakeUnavailable)
	}
	var out []string
	for _, n := range names {
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		if start != "" && n < start {
			continue
		}
		if end != "" && n > end {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// FetchBatch implements Client. It reads maxSize records ordered by _id,
// strictly after the cursor. One extra document is requested only to decide
// HasMore. Undecodable documents are skipped and logged, not fatal.
func (m *Mongo) FetchBatch(ctx context.Context, cursor string, maxSize int) (Batch, error) {
	if maxSize <= 0 {
		return Batch{}, fmt.Errorf("lake: non-positive batch size %d", maxSize)
	}

	filter := bson.M{}
	if cursor != "" {
		filter["_id"] = bson.M{"$gt": decodeCursor(cursor)}
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(maxSize) + 1)

	cur, err := m.db.Collection(m.collection).Find(ctx, filter, findOpts)
	if err != nil {
		return Batch{}, fmt.Errorf("lake: find %s: %v: %w", m.collection, err, domain.ErrLakeUnavailable)
	}
	defer cur.Close(ctx)

	var (
		batch   Batch
		lastID  string
		fetched int
	)
	for cur.Next(ctx) {
		fetched++
		if fetched > maxSize {
			batch.HasMore = true
			break
		}

		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			m.log.Warn("skipping undecodable document",
				"collection", m.collection, "error", err, "kind", domain.ErrLakeCorruption)
			continue
		}
		id := encodeID(doc["_id"])
		if id == "" {
			m.log.Warn("skipping document without usable _id", "collection", m.collection)
			continue
		}
		lastID = id

		rec, err := m.toRecord(id, doc)
		if err != nil {
			m.log.Warn("skipping corrupt record",
				"collection", m.collection, "record_id", id, "error", err)
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	if err := cur.Err(); err != nil {
		return Batch{}, fmt.Errorf("lake: iterate %s: %v: %w", m.collection, err, domain.ErrLakeUnavailable)
	}

	batch.NextCursor = cursor
	if lastID != "" {
		batch.NextCursor = lastID
	}
	return batch, nil
}

// toRecord maps a lake document to a Record. Metadata keys mirror what the
// upstream ingestion writes: the source collection, the source document id,
// and the configured scalar fields.
func (m *Mongo) toRecord(id string, doc bson.M) (domain.Record, error) {
	text, ok := doc[m.textField].(string)
	if !ok || text == "" {
		return domain.Record{}, fmt.Errorf("field %q missing or empty: %w", m.textField, domain.ErrLakeCorruption)
	}

	meta := map[string]any{
		"source_collection":  m.collection,
		"source_document_id": id,
	}
	if len(m.metaFields) > 0 {
		for _, f := range m.metaFields {
			if v, ok := scalar(doc[f]); ok {
				meta[f] = v
			}
		}
	} else {
		for k, v := range doc {
			if k == "_id" || k == m.textField {
				continue
			}
			if sv, ok := scalar(v); ok {
				meta[k] = sv
			}
		}
	}

	return domain.Record{ID: id, Text: text, Metadata: meta}, nil
}

// scalar narrows a BSON value to the scalar types carried as metadata.
func scalar(v any) (any, bool) {
	switch tv := v.(type) {
	case string:
		return tv, true
	case bool:
		return tv, true
	case int32:
		return int64(tv), true
	case int64:
		return tv, true
	case float64:
		return tv, true
	case primitive.DateTime:
		return tv.Time().UTC().Format(time.RFC3339), true
	default:
		return nil, false
	}
}

// encodeID renders a document _id as an opaque cursor token. Every consumed
// document must yield a token: a page of tokenless documents would leave the
// cursor stuck and the run unable to terminate.
func encodeID(id any) string {
	switch tv := id.(type) {
	case primitive.ObjectID:
		return tv.Hex()
	case string:
		return tv
	case nil:
		return ""
	default:
		return fmt.Sprint(tv)
	}
}

// decodeCursor is the inverse of encodeID; unparseable tokens compare as
// raw strings, matching string _id collections.
func decodeCursor(cursor string) any {
	if oid, err := primitive.ObjectIDFromHex(cursor); err == nil {
		return oid
	}
	return cursor
}
