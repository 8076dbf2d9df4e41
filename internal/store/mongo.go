package store

import (
	"context"
	"fmt"
	"time"

	"spottrader/internal/core"
	apperrors "spottrader/pkg/errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	collOrders       = "orders"
	collPositions    = "positions"
	collLots         = "lots"
	collCounters     = "counters"
	collTrades       = "trades"
	collSignals      = "signals"
	collBotState     = "bot_state"
	collBotConfig    = "bot_config"
	collExchangeInfo = "exchange_info"
)

// MongoStore implements core.IStore on MongoDB. Writes to the same entity
// id are serialized through striped locks so read-modify-write callers
// never interleave.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	locks  stripedLocks
	logger core.ILogger
}

// NewMongoStore connects to the given URI and pings the deployment.
func NewMongoStore(ctx context.Context, uri, database string, logger core.ILogger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(database),
		logger: logger.WithField("component", "mongo_store"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("Connected to MongoDB", "database", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		collOrders: {
			{Keys: bson.D{{Key: "position_id", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "submitted_at", Value: -1}}},
		},
		collPositions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		collTrades: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "playbook", Value: 1}, {Key: "closed_at", Value: -1}}},
		},
		collSignals: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "at", Value: -1}}},
		},
		collLots: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "symbol", Value: 1}}},
		},
	}

	for coll, models := range specs {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// Close disconnects from the deployment.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) upsert(ctx context.Context, coll, id string, doc interface{}) error {
	unlock := s.locks.Lock(coll + ":" + id)
	defer unlock()

	_, err := s.db.Collection(coll).ReplaceOne(ctx,
		bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", coll, id, err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, coll, id string, out interface{}) error {
	err := s.db.Collection(coll).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if err == mongo.ErrNoDocuments {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load %s/%s: %w", coll, id, err)
	}
	return nil
}

func (s *MongoStore) SaveOrder(ctx context.Context, o *core.Order) error {
	return s.upsert(ctx, collOrders, o.ClientOrderID, o)
}

func (s *MongoStore) GetOrder(ctx context.Context, clientOrderID string) (*core.Order, error) {
	var o core.Order
	if err := s.findOne(ctx, collOrders, clientOrderID, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *MongoStore) OrdersByPosition(ctx context.Context, positionID string) ([]core.Order, error) {
	cur, err := s.db.Collection(collOrders).Find(ctx,
		bson.M{"position_id": positionID},
		options.Find().SetSort(bson.D{{Key: "submitted_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for position %s: %w", positionID, err)
	}
	var out []core.Order
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) SavePosition(ctx context.Context, p *core.Position) error {
	return s.upsert(ctx, collPositions, p.ID, p)
}

func (s *MongoStore) GetPosition(ctx context.Context, id string) (*core.Position, error) {
	var p core.Position
	if err := s.findOne(ctx, collPositions, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MongoStore) OpenPositions(ctx context.Context, userID string) ([]core.Position, error) {
	cur, err := s.db.Collection(collPositions).Find(ctx,
		bson.M{"user_id": userID, "status": bson.M{"$ne": core.PositionClosed}},
		options.Find().SetSort(bson.D{{Key: "opened_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	var out []core.Position
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) SaveLot(ctx context.Context, l *core.Lot) error {
	return s.upsert(ctx, collLots, l.ID, l)
}

// NextLotSequence atomically increments and returns the per-user, per-UTC-day
// lot counter used for LOT-YYYYMMDD-NNN ids.
func (s *MongoStore) NextLotSequence(ctx context.Context, userID string, day time.Time) (int, error) {
	id := fmt.Sprintf("lots:%s:%s", userID, day.UTC().Format("20060102"))

	var doc struct {
		Seq int `bson:"seq"`
	}
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to advance lot sequence %s: %w", id, err)
	}
	return doc.Seq, nil
}

func (s *MongoStore) SaveTrade(ctx context.Context, t *core.Trade) error {
	return s.upsert(ctx, collTrades, t.ID, t)
}

func (s *MongoStore) RecentTrades(ctx context.Context, userID string, playbook core.Playbook, limit int) ([]core.Trade, error) {
	filter := bson.M{"user_id": userID}
	if playbook != "" {
		filter["playbook"] = playbook
	}
	opts := options.Find().SetSort(bson.D{{Key: "closed_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(collTrades).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	var out []core.Trade
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) SaveSignalRecord(ctx context.Context, r *core.SignalRecord) error {
	_, err := s.db.Collection(collSignals).InsertOne(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to insert signal record: %w", err)
	}
	return nil
}

func (s *MongoStore) LoadBotState(ctx context.Context, userID string) (*core.BotState, error) {
	var st core.BotState
	if err := s.findOne(ctx, collBotState, userID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *MongoStore) SaveBotState(ctx context.Context, st *core.BotState) error {
	return s.upsert(ctx, collBotState, st.UserID, st)
}

func (s *MongoStore) LoadBotConfig(ctx context.Context, userID string) (*core.BotConfig, error) {
	var c core.BotConfig
	if err := s.findOne(ctx, collBotConfig, userID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) SaveBotConfig(ctx context.Context, c *core.BotConfig) error {
	return s.upsert(ctx, collBotConfig, c.UserID, c)
}

type exchangeInfoDoc struct {
	ID        string      `bson:"_id"`
	Pairs     []core.Pair `bson:"pairs"`
	UpdatedAt time.Time   `bson:"updated_at"`
}

func (s *MongoStore) SaveExchangeInfo(ctx context.Context, pairs map[string]core.Pair) error {
	doc := exchangeInfoDoc{ID: "current", UpdatedAt: time.Now().UTC()}
	for _, p := range pairs {
		doc.Pairs = append(doc.Pairs, p)
	}
	return s.upsert(ctx, collExchangeInfo, doc.ID, &doc)
}

func (s *MongoStore) LoadExchangeInfo(ctx context.Context) (map[string]core.Pair, error) {
	var doc exchangeInfoDoc
	if err := s.findOne(ctx, collExchangeInfo, "current", &doc); err != nil {
		return nil, err
	}
	out := make(map[string]core.Pair, len(doc.Pairs))
	for _, p := range doc.Pairs {
		out[p.Symbol] = p
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}
