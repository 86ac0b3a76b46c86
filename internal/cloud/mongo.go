package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// parentField tags documents of nested collections with their parent id.
const parentField = "_parent"

// Mongo is a Store backed by MongoDB. Listeners use change streams, which
// need a replica set (a single-node replica set is enough).
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// DialMongo connects and pings the server.
func DialMongo(ctx context.Context, uri, database string, timeout time.Duration) (*Mongo, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		// The device may simply be offline. Keep the client; the driver
		// reconnects on its own and sync gates on Ping.
		log.Warnf("mongo ping failed, continuing offline: %v", err)
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

// EnsureIndexes creates the secondary indexes the app queries on.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	idx := map[string][]bson.D{
		"messages": {
			{{Key: "senderId", Value: 1}, {Key: "timestamp", Value: 1}},
			{{Key: "receiverId", Value: 1}, {Key: "timestamp", Value: 1}},
		},
		"testResults":      {{{Key: "userId", Value: 1}}},
		"calls_candidates": {{{Key: parentField, Value: 1}}},
	}
	for coll, keys := range idx {
		for _, k := range keys {
			_, err := m.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{
				Keys:    k,
				Options: options.Index().SetBackground(true),
			})
			if err != nil {
				return fmt.Errorf("create index on %s: %w", coll, err)
			}
		}
	}
	return nil
}

func (m *Mongo) collection(path string) (*mongo.Collection, string) {
	name, parent := splitPath(path)
	return m.db.Collection(name), parent
}

func (m *Mongo) Durable() bool { return true }

func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func idFilter(id, parent string) bson.M {
	f := bson.M{"_id": id}
	if parent != "" {
		f[parentField] = parent
	}
	return f
}

func (m *Mongo) Get(ctx context.Context, path, id string) (Doc, error) {
	coll, parent := m.collection(path)
	var raw bson.M
	err := coll.FindOne(ctx, idFilter(id, parent)).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Doc{}, ErrNotFound
	}
	if err != nil {
		return Doc{}, err
	}
	return docFromBSON(raw), nil
}

func (m *Mongo) Set(ctx context.Context, path, id string, fields map[string]any) error {
	coll, parent := m.collection(path)
	body := bson.M{}
	for k, v := range cloneFields(fields) {
		body[k] = v
	}
	body["_id"] = id
	if parent != "" {
		body[parentField] = parent
	}
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, body, options.Replace().SetUpsert(true))
	return err
}

func (m *Mongo) Delete(ctx context.Context, path, id string) error {
	coll, parent := m.collection(path)
	_, err := coll.DeleteOne(ctx, idFilter(id, parent))
	return err
}

func buildFilter(q Query, parent string) bson.M {
	f := bson.M{}
	if parent != "" {
		f[parentField] = parent
	}
	for _, c := range q.Where {
		switch c.Op {
		case OpEq:
			f[c.Field] = c.Value
		case OpIn:
			f[c.Field] = bson.M{"$in": c.Value}
		}
	}
	return f
}

func (m *Mongo) Find(ctx context.Context, path string, q Query) ([]Doc, error) {
	coll, parent := m.collection(path)
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := coll.Find(ctx, buildFilter(q, parent), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Doc
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, docFromBSON(raw))
	}
	return out, cur.Err()
}

func (m *Mongo) Increment(ctx context.Context, path, id, field string, delta int64) (int64, error) {
	coll, _ := m.collection(path)
	var raw bson.M
	err := coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{field: delta}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&raw)
	if err != nil {
		return 0, err
	}
	n, ok := toInt64(raw[field])
	if !ok {
		return 0, fmt.Errorf("counter %s/%s.%s is not numeric", path, id, field)
	}
	return n, nil
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// Listen opens the change stream before taking the snapshot, so a write
// racing the snapshot may be delivered twice but never lost.
func (m *Mongo) Listen(ctx context.Context, path string, q Query) (*Listener, error) {
	coll, parent := m.collection(path)

	lctx, cancel := context.WithCancel(ctx)
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}}}}},
	}
	stream, err := coll.Watch(lctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	snapshot, err := m.Find(lctx, path, q)
	if err != nil {
		stream.Close(context.Background())
		cancel()
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}

	out := make(chan Change)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		defer stream.Close(context.Background())

		seen := make(map[string]bool)
		send := func(c Change) bool {
			select {
			case out <- c:
				return true
			case <-lctx.Done():
				return false
			}
		}

		for _, d := range snapshot {
			seen[d.ID] = true
			if !send(Change{Kind: Added, Doc: d}) {
				return
			}
		}

		for stream.Next(lctx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				log.Warnf("decode change on %s: %v", path, err)
				continue
			}
			id := ev.DocumentKey.ID
			was := seen[id]

			if ev.OperationType == "delete" || ev.FullDocument == nil {
				if was {
					delete(seen, id)
					if !send(Change{Kind: Removed, Doc: Doc{ID: id}}) {
						return
					}
				}
				continue
			}

			doc := docFromBSON(ev.FullDocument)
			if parent != "" {
				if p, _ := ev.FullDocument[parentField].(string); p != parent {
					continue
				}
			}
			now := q.matches(doc.Fields)
			var kind ChangeKind
			switch {
			case now && was:
				kind = Modified
			case now:
				kind = Added
			case was:
				kind = Removed
				doc = Doc{ID: id}
			default:
				continue
			}
			if now {
				seen[id] = true
			} else {
				delete(seen, id)
			}
			if !send(Change{Kind: kind, Doc: doc}) {
				return
			}
		}
		if err := stream.Err(); err != nil && lctx.Err() == nil {
			log.Warnf("change stream on %s ended: %v", path, err)
		}
	}()

	return newListener(out, cancel, done), nil
}

func docFromBSON(raw bson.M) Doc {
	d := Doc{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "_id":
			d.ID = fmt.Sprint(v)
		case parentField:
		default:
			d.Fields[k] = fromBSON(v)
		}
	}
	return d
}

// fromBSON turns driver container types into plain maps and slices.
func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case int32:
		return int64(t)
	}
	return v
}
