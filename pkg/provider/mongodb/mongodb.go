// Package mongodb implements the provider contract for MongoDB. Records
// map to documents keyed on "_id"; criteria trees translate to BSON
// filters; aggregation queries translate to pipelines. Transactions are
// not offered: the common standalone topology lacks them, so coordinated
// transactions treat this provider as a best-effort participant.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/base"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

func init() {
	registry.Register(capability.CategoryDocument, func(name string) core.Provider {
		return &Provider{Provider: base.New(name, capability.CategoryDocument)}
	})
}

// Provider is the MongoDB adapter.
type Provider struct {
	*base.Provider

	client  *mongo.Client
	db      *mongo.Database
	watcher *base.HealthWatcher
}

var _ core.Provider = (*Provider)(nil)

// Initialize connects the client and starts health monitoring.
func (p *Provider) Initialize(ctx context.Context, tech *config.TechnologyConfig, tables []*config.TableConfig) error {
	if err := p.Configure(tech, tables); err != nil {
		return err
	}

	uri := tech.Connection.URI
	if uri == "" && len(tech.Connection.Hosts) > 0 {
		uri = "mongodb://" + tech.Connection.Hosts[0]
	}

	opts := options.Client().
		ApplyURI(uri).
		SetMinPoolSize(uint64(tech.Pool.MinConns)).
		SetMaxPoolSize(uint64(tech.Pool.MaxConns)).
		SetMaxConnIdleTime(tech.Pool.MaxIdleTime).
		SetConnectTimeout(tech.Timeouts.Connect).
		SetTimeout(tech.Timeouts.Request)
	if tech.Connection.Username != "" {
		opts = opts.SetAuth(options.Credential{
			Username: tech.Connection.Username,
			Password: tech.Connection.Password,
		})
	}

	connectCtx, cancel := context.WithTimeout(ctx, tech.Timeouts.Connect)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect")
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach server")
	}

	p.client = client
	p.db = client.Database(tech.Connection.Database)

	p.watcher = base.NewHealthWatcher(p.Provider, func(ctx context.Context) error {
		return p.client.Ping(ctx, readpref.Primary())
	}, tech.Pool.HealthCheckPeriod)
	p.watcher.Start()

	p.Logger().Info("connected", zap.String("database", tech.Connection.Database))
	return nil
}

// Shutdown stops monitoring and disconnects.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.watcher != nil {
		p.watcher.Stop()
		p.watcher = nil
	}
	if p.client != nil {
		err := p.client.Disconnect(ctx)
		p.client = nil
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "disconnect failed")
		}
	}
	return nil
}

// TestConnection pings the primary.
func (p *Provider) TestConnection(ctx context.Context) error {
	if err := p.client.Ping(ctx, readpref.Primary()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "ping failed")
	}
	return nil
}

// ConnectionStatus reports the watched connection state. The driver does
// not expose pool counters.
func (p *Provider) ConnectionStatus() core.ConnectionStatus {
	state := core.StateDisconnected
	if p.client != nil {
		state = core.StateConnected
		if p.watcher != nil {
			state = p.watcher.State()
		}
	}
	return core.ConnectionStatus{
		State:       state,
		LastError:   p.LastError(),
		LastChecked: time.Now(),
	}
}

// CreateDatabase is a no-op; databases materialize on first write.
func (p *Provider) CreateDatabase(ctx context.Context, name string) error { return nil }

// CreateTable creates the collection and its indexes, including TTL and
// text indexes for tables that declare them. Idempotent.
func (p *Provider) CreateTable(ctx context.Context, table *config.TableConfig) error {
	start := time.Now()
	coll := p.db.Collection(table.Name)

	var models []mongo.IndexModel
	for _, f := range table.Fields {
		if f.Indexed && !f.PrimaryKey {
			idx := mongo.IndexModel{Keys: bson.D{{Key: f.Name, Value: 1}}}
			if f.Unique {
				idx.Options = options.Index().SetUnique(true)
			}
			models = append(models, idx)
		}
	}
	for _, idx := range table.Indexes {
		keys := bson.D{}
		for _, f := range idx.Fields {
			keys = append(keys, bson.E{Key: f, Value: 1})
		}
		model := mongo.IndexModel{Keys: keys}
		if idx.Unique {
			model.Options = options.Index().SetUnique(true)
		}
		models = append(models, model)
	}
	if ttl := p.Tech().Performance.DefaultTTL; ttl > 0 {
		if f := table.Field("created_at"); f != nil && f.Type == capability.DataTypeTimestamp {
			models = append(models, mongo.IndexModel{
				Keys:    bson.D{{Key: "created_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
			})
		}
	}

	var err error
	if len(models) > 0 {
		_, err = coll.Indexes().CreateMany(ctx, models)
	}
	p.Observe("create_table", start, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "index creation failed").
			WithDetail("table", table.Name)
	}
	return nil
}

// DropTable drops the collection. Idempotent.
func (p *Provider) DropTable(ctx context.Context, table string) error {
	start := time.Now()
	err := p.db.Collection(table).Drop(ctx)
	p.Observe("drop_table", start, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "drop failed").WithDetail("table", table)
	}
	return nil
}

// TableExists lists collections by name.
func (p *Provider) TableExists(ctx context.Context, table string) (bool, error) {
	names, err := p.db.ListCollectionNames(ctx, bson.M{"name": table})
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeQuery, "collection listing failed")
	}
	return len(names) > 0, nil
}

// ExecuteQuery translates the spec to a find or aggregation pipeline and
// streams documents from the cursor.
func (p *Provider) ExecuteQuery(ctx context.Context, spec *core.QuerySpec) (*core.ResultStream, error) {
	if err := p.RequireQueryType(spec.Type); err != nil {
		return nil, err
	}
	coll := p.db.Collection(spec.Table)

	start := time.Now()
	var (
		cursor *mongo.Cursor
		err    error
	)
	if spec.Type == capability.QueryTypeAggregation {
		pipeline, perr := aggregationPipeline(spec)
		if perr != nil {
			return nil, perr
		}
		cursor, err = coll.Aggregate(ctx, pipeline)
	} else {
		filter, ferr := criteriaToBSON(spec.Criteria)
		if ferr != nil {
			return nil, ferr
		}
		opts := options.Find()
		if len(spec.Projection) > 0 {
			proj := bson.M{}
			for _, f := range spec.Projection {
				proj[f] = 1
			}
			opts = opts.SetProjection(proj)
		}
		if len(spec.OrderBy) > 0 {
			sorts := bson.D{}
			for _, o := range spec.OrderBy {
				dir := 1
				if o.Descending {
					dir = -1
				}
				sorts = append(sorts, bson.E{Key: o.Field, Value: dir})
			}
			opts = opts.SetSort(sorts)
		}
		if spec.Limit > 0 {
			opts = opts.SetLimit(int64(spec.Limit))
		}
		if spec.Offset > 0 {
			opts = opts.SetSkip(int64(spec.Offset))
		}
		cursor, err = coll.Find(ctx, filter, opts)
	}
	p.Observe("query", start, err)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "query failed").
			WithStage(errors.StageExecution).
			WithDetail("table", spec.Table)
	}

	recCh := make(chan *core.Record, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(recCh)
		defer cursor.Close(context.Background())
		var count int64
		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				errCh <- errors.Wrap(err, errors.ErrorTypeQuery, "decode failed")
				return
			}
			count++
			select {
			case recCh <- docToRecord(spec.Table, doc):
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := cursor.Err(); err != nil {
			errCh <- errors.Wrap(err, errors.ErrorTypeQuery, "cursor iteration failed")
			return
		}
		p.CountRead(count)
	}()
	return &core.ResultStream{Records: recCh, Errors: errCh}, nil
}

func docToRecord(table string, doc bson.M) *core.Record {
	rec := &core.Record{Table: table, Data: map[string]interface{}(doc)}
	if id, ok := doc["_id"]; ok {
		rec.Key = fmt.Sprint(id)
		delete(doc, "_id")
	}
	return rec
}

// ExecuteQuerySingle returns the first match, or (nil, nil) when empty.
func (p *Provider) ExecuteQuerySingle(ctx context.Context, spec *core.QuerySpec) (*core.Record, error) {
	if err := p.RequireQueryType(spec.Type); err != nil {
		return nil, err
	}
	filter, err := criteriaToBSON(spec.Criteria)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var doc bson.M
	err = p.db.Collection(spec.Table).FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		p.Observe("query_single", start, nil)
		return nil, nil
	}
	p.Observe("query_single", start, err)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "lookup failed").
			WithDetail("table", spec.Table)
	}
	p.CountRead(1)
	return docToRecord(spec.Table, doc), nil
}

// ExecuteQueryCount counts matching documents.
func (p *Provider) ExecuteQueryCount(ctx context.Context, spec *core.QuerySpec) (int64, error) {
	if err := p.RequireQueryType(spec.Type); err != nil {
		return 0, err
	}
	filter, err := criteriaToBSON(spec.Criteria)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	count, err := p.db.Collection(spec.Table).CountDocuments(ctx, filter)
	p.Observe("count", start, err)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "count failed").
			WithDetail("table", spec.Table)
	}
	return count, nil
}

// Insert upserts one document keyed on the record key or primary key field.
func (p *Provider) Insert(ctx context.Context, record *core.Record) error {
	if err := p.ValidateRecord(record); err != nil {
		return err
	}
	doc, id := p.toDocument(record)

	return p.Retry(ctx, "insert", func() error {
		start := time.Now()
		_, err := p.db.Collection(record.Table).ReplaceOne(ctx,
			bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
		p.Observe("insert", start, err)
		if err != nil {
			return wrapMongoErr(err, "insert failed", record.Table)
		}
		p.CountWritten(1)
		return nil
	})
}

// toDocument builds the BSON document and its _id from a record.
func (p *Provider) toDocument(record *core.Record) (bson.M, interface{}) {
	doc := bson.M{}
	for k, v := range record.Data {
		doc[k] = v
	}
	var id interface{} = record.Key
	if record.Key == "" {
		if table, err := p.Table(record.Table); err == nil {
			if pk := table.PrimaryKey(); pk != nil {
				id = fmt.Sprint(record.Data[pk.Name])
			}
		}
	}
	doc["_id"] = id
	return doc, id
}

// InsertBatch upserts documents through bulk writes, chunked per the
// technology batch size.
func (p *Provider) InsertBatch(ctx context.Context, records []*core.Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if err := p.ValidateRecord(rec); err != nil {
			return err
		}
	}

	size := p.Tech().Performance.BatchSize
	for offset := 0; offset < len(records); offset += size {
		end := offset + size
		if end > len(records) {
			end = len(records)
		}
		chunk := records[offset:end]

		models := make([]mongo.WriteModel, len(chunk))
		table := chunk[0].Table
		for i, rec := range chunk {
			doc, id := p.toDocument(rec)
			models[i] = mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": id}).
				SetReplacement(doc).
				SetUpsert(true)
		}

		start := time.Now()
		_, err := p.db.Collection(table).BulkWrite(ctx, models)
		p.Observe("insert_batch", start, err)
		if err != nil {
			return wrapMongoErr(err, "bulk write failed", table)
		}
		p.CountWritten(int64(len(chunk)))
	}
	return nil
}

// Update applies $set changes to matching documents.
func (p *Provider) Update(ctx context.Context, table string, criteria *core.Criteria, changes map[string]interface{}) (int64, error) {
	filter, err := criteriaToBSON(criteria)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	res, err := p.db.Collection(table).UpdateMany(ctx, filter, bson.M{"$set": changes})
	p.Observe("update", start, err)
	if err != nil {
		return 0, wrapMongoErr(err, "update failed", table)
	}
	return res.ModifiedCount, nil
}

// Delete removes matching documents.
func (p *Provider) Delete(ctx context.Context, table string, criteria *core.Criteria) (int64, error) {
	filter, err := criteriaToBSON(criteria)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	res, err := p.db.Collection(table).DeleteMany(ctx, filter)
	p.Observe("delete", start, err)
	if err != nil {
		return 0, wrapMongoErr(err, "delete failed", table)
	}
	return res.DeletedCount, nil
}

// SupportsTransactions reports false: standalone deployments lack sessions
// with transactions, so the coordinator treats this provider best-effort.
func (p *Provider) SupportsTransactions() bool { return false }

// BeginTransaction always fails with a capability error.
func (p *Provider) BeginTransaction(ctx context.Context) (core.Transaction, error) {
	return nil, errors.NewCapability(p.Name(), string(capability.FeatureTransactions))
}

// ExecuteSpecific runs a database command built from params under the given
// command name.
func (p *Provider) ExecuteSpecific(ctx context.Context, command string, params map[string]interface{}) (*core.ResultStream, error) {
	cmd := bson.D{{Key: command, Value: 1}}
	for k, v := range params {
		cmd = append(cmd, bson.E{Key: k, Value: v})
	}
	start := time.Now()
	var result bson.M
	err := p.db.RunCommand(ctx, cmd).Decode(&result)
	p.Observe("specific", start, err)
	if err != nil {
		return nil, wrapMongoErr(err, "command failed", "")
	}
	return core.StreamOf([]*core.Record{{Data: map[string]interface{}(result)}}, nil), nil
}

// Health probes the server immediately.
func (p *Provider) Health(ctx context.Context) *core.HealthStatus {
	if p.watcher == nil {
		return &core.HealthStatus{Technology: p.Name(), State: core.StateDisconnected, CheckedAt: time.Now()}
	}
	return p.watcher.Check(ctx)
}

func wrapMongoErr(err error, msg, table string) *errors.Error {
	typ := errors.ErrorTypeQuery
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		typ = errors.ErrorTypeConnection
	}
	e := errors.Wrap(err, typ, msg).WithStage(errors.StageExecution)
	if table != "" {
		e = e.WithDetail("table", table)
	}
	return e
}
