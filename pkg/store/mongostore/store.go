// Package mongostore keeps rooms and candidate streams in MongoDB and turns
// change streams into store subscriptions. Change streams need a replica set.
package mongostore

import (
	"context"
	"sort"
	"time"

	"p2pcall/pkg/log"
	"p2pcall/pkg/signal"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	roomIDField     = "_id"
	roomFieldsField = "fields"

	streamIDField  = "_id"
	streamKeyField = "stream"
)

var _ signal.Store = (*Store)(nil)

type Config struct {
	URI      string
	Database string

	// Collection names default to "rooms" and "streams".
	Rooms   string
	Streams string
}

type Store struct {
	client  *mongo.Client
	rooms   *mongo.Collection
	streams *mongo.Collection
}

type roomDocument struct {
	ID     string        `bson:"_id"`
	Fields signal.Fields `bson:"fields"`
}

type streamDocument struct {
	ID     primitive.ObjectID `bson:"_id"`
	Stream string             `bson:"stream"`
	Data   []byte             `bson:"data"`
}

var streamIndexes = []mongo.IndexModel{
	{
		Keys: bson.D{
			{Key: streamKeyField, Value: 1},
			{Key: streamIDField, Value: 1},
		},
	},
}

// Connect dials MongoDB and prepares the collections.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, signal.Unavailable(errors.Wrap(err, "connect mongo"))
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())

		return nil, signal.Unavailable(errors.Wrap(err, "ping mongo"))
	}

	s, err := NewStore(ctx, client, cfg)
	if err != nil {
		_ = client.Disconnect(context.Background())

		return nil, err
	}

	return s, nil
}

func NewStore(ctx context.Context, client *mongo.Client, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = "p2pcall"
	}
	if cfg.Rooms == "" {
		cfg.Rooms = "rooms"
	}
	if cfg.Streams == "" {
		cfg.Streams = "streams"
	}

	db := client.Database(cfg.Database)

	s := &Store{
		client:  client,
		rooms:   db.Collection(cfg.Rooms),
		streams: db.Collection(cfg.Streams),
	}

	if _, err := s.streams.Indexes().CreateMany(ctx, streamIndexes); err != nil {
		return nil, storeError(ctx, errors.Wrap(err, "create stream indexes"))
	}

	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) CreateDocument(ctx context.Context, key string, fields signal.Fields) error {
	_, err := s.rooms.InsertOne(ctx, roomDocument{ID: key, Fields: fields.Clone()})

	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return errors.Wrapf(signal.ErrDocumentConflict, "create %q", key)
	default:
		return storeError(ctx, errors.Wrapf(err, "create %q", key))
	}
}

func (s *Store) ReadDocument(ctx context.Context, key string) (signal.Fields, error) {
	doc := roomDocument{}

	err := s.rooms.FindOne(ctx, bson.D{{Key: roomIDField, Value: key}}).Decode(&doc)

	switch {
	case err == nil:
		return documentFields(doc), nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, errors.Wrapf(signal.ErrDocumentNotFound, "read %q", key)
	default:
		return nil, storeError(ctx, errors.Wrapf(err, "read %q", key))
	}
}

func (s *Store) UpdateFields(ctx context.Context, key string, set, match signal.Fields) error {
	result, err := s.rooms.UpdateOne(ctx, matchFilter(key, match), setUpdate(set))
	if err != nil {
		return storeError(ctx, errors.Wrapf(err, "update %q", key))
	}

	if result.MatchedCount != 0 {
		return nil
	}

	n, err := s.rooms.CountDocuments(ctx, bson.D{{Key: roomIDField, Value: key}})
	if err != nil {
		return storeError(ctx, errors.Wrapf(err, "update %q", key))
	}

	if n == 0 {
		return errors.Wrapf(signal.ErrDocumentNotFound, "update %q", key)
	}

	return errors.Wrapf(signal.ErrDocumentConflict, "update %q", key)
}

func (s *Store) AppendToStream(ctx context.Context, streamKey string, data []byte) error {
	_, err := s.streams.InsertOne(ctx, streamDocument{
		ID:     primitive.NewObjectID(),
		Stream: streamKey,
		Data:   data,
	})
	if err != nil {
		return storeError(ctx, errors.Wrapf(err, "append to %q", streamKey))
	}

	return nil
}

// SubscribeStream watches before reading the backlog, so that no record falls
// between the two. Records seen in both are delivered once.
func (s *Store) SubscribeStream(ctx context.Context, streamKey string, onAppend func(signal.StreamEvent)) (signal.CancelFunc, error) {
	cs, err := s.streams.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument." + streamKeyField, Value: streamKey},
		}}},
	})
	if err != nil {
		return nil, storeError(ctx, errors.Wrapf(err, "watch %q", streamKey))
	}

	cursor, err := s.streams.Find(ctx,
		bson.D{{Key: streamKeyField, Value: streamKey}},
		options.Find().SetSort(bson.D{{Key: streamIDField, Value: 1}}))
	if err != nil {
		closeStream(cs)

		return nil, storeError(ctx, errors.Wrapf(err, "read %q", streamKey))
	}

	backlog := []streamDocument{}
	if err := cursor.All(ctx, &backlog); err != nil {
		closeStream(cs)

		return nil, storeError(ctx, errors.Wrapf(err, "read %q", streamKey))
	}

	subCtx, cancel := context.WithCancel(context.Background())

	go func() {
		defer closeStream(cs)

		var (
			seq    uint64
			lastID primitive.ObjectID
		)

		deliver := func(doc streamDocument) {
			if doc.ID.Hex() <= lastID.Hex() {
				return
			}

			lastID = doc.ID
			seq++

			onAppend(signal.StreamEvent{Record: signal.Record{Seq: seq, Data: doc.Data}})
		}

		for _, doc := range backlog {
			if subCtx.Err() != nil {
				return
			}

			deliver(doc)
		}

		for cs.Next(subCtx) {
			event := struct {
				FullDocument streamDocument `bson:"fullDocument"`
			}{}

			if err := cs.Decode(&event); err != nil {
				log.Errorf("decode %q change: %s", streamKey, err)

				continue
			}

			deliver(event.FullDocument)
		}

		if subCtx.Err() == nil {
			onAppend(signal.StreamEvent{Err: signal.Unavailable(errors.Wrapf(streamErr(cs), "watch %q", streamKey))})
		}
	}()

	return signal.CancelFunc(cancel), nil
}

func (s *Store) SubscribeDocument(ctx context.Context, key string, onChange func(signal.DocumentEvent)) (signal.CancelFunc, error) {
	cs, err := s.rooms.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
			{Key: "documentKey." + roomIDField, Value: key},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, storeError(ctx, errors.Wrapf(err, "watch %q", key))
	}

	current, err := s.ReadDocument(ctx, key)
	if err != nil && !errors.Is(err, signal.ErrDocumentNotFound) {
		closeStream(cs)

		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())

	go func() {
		defer closeStream(cs)

		if current != nil {
			onChange(signal.DocumentEvent{Fields: current})
		}

		for cs.Next(subCtx) {
			event := struct {
				FullDocument *roomDocument `bson:"fullDocument"`
			}{}

			if err := cs.Decode(&event); err != nil {
				log.Errorf("decode %q change: %s", key, err)

				continue
			}

			// Gone by the time the update was looked up.
			if event.FullDocument == nil {
				continue
			}

			onChange(signal.DocumentEvent{Fields: documentFields(*event.FullDocument)})
		}

		if subCtx.Err() == nil {
			onChange(signal.DocumentEvent{Err: signal.Unavailable(errors.Wrapf(streamErr(cs), "watch %q", key))})
		}
	}()

	return signal.CancelFunc(cancel), nil
}

// matchFilter selects the room only if every match field has the given value.
// An empty value also matches a missing field.
func matchFilter(key string, match signal.Fields) bson.D {
	filter := bson.D{{Key: roomIDField, Value: key}}

	for _, field := range sortedKeys(match) {
		path := roomFieldsField + "." + field

		if value := match[field]; value != "" {
			filter = append(filter, bson.E{Key: path, Value: value})
		} else {
			filter = append(filter, bson.E{Key: path, Value: bson.D{{Key: "$in", Value: bson.A{nil, ""}}}})
		}
	}

	return filter
}

func setUpdate(set signal.Fields) bson.D {
	fields := bson.D{}

	for _, field := range sortedKeys(set) {
		fields = append(fields, bson.E{Key: roomFieldsField + "." + field, Value: set[field]})
	}

	return bson.D{{Key: "$set", Value: fields}}
}

func documentFields(doc roomDocument) signal.Fields {
	if doc.Fields == nil {
		return signal.Fields{}
	}

	return doc.Fields
}

func sortedKeys(fields signal.Fields) []string {
	keys := make([]string, 0, len(fields))

	for k := range fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func streamErr(cs *mongo.ChangeStream) error {
	if err := cs.Err(); err != nil {
		return err
	}

	return errors.New("change stream closed")
}

// storeError keeps context errors as they are, anything else is I/O.
func storeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}

	return signal.Unavailable(err)
}

// closeTimeout bounds cleanup calls made without a caller context.
const closeTimeout = 10 * time.Second

func closeStream(cs *mongo.ChangeStream) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := cs.Close(ctx); err != nil {
		log.Debugf("close change stream: %s", err)
	}
}
