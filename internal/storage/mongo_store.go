package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"quankey/internal/envelope"
	"quankey/internal/identity"
	"quankey/internal/pairing"
	"quankey/internal/recovery"
)

// Mongo backs the four keyed stores (devices, vault items, recovery kits and
// shares, pairing sessions) with one database. Conditional updates carry the
// atomicity the pairing CAS and per-item versioning require.
type Mongo struct {
	client   *mongo.Client
	users    *mongo.Collection
	devices  *mongo.Collection
	items    *mongo.Collection
	kits     *mongo.Collection
	shares   *mongo.Collection
	sessions *mongo.Collection
}

func NewMongo(ctx context.Context, uri, dbName string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("storage: mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}

	db := cli.Database(dbName)
	m := &Mongo{
		client:   cli,
		users:    db.Collection("users"),
		devices:  db.Collection("devices"),
		items:    db.Collection("vault_items"),
		kits:     db.Collection("recovery_kits"),
		shares:   db.Collection("recovery_shares"),
		sessions: db.Collection("pairing_sessions"),
	}

	_, _ = m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	// Device public keys are unique system-wide.
	_, _ = m.devices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "public_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = m.devices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "credential_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = m.items.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}},
	})
	_, _ = m.kits.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "active", Value: 1}},
	})
	_, _ = m.shares.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "kit_id", Value: 1}},
	})

	return m, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func isDuplicate(err error) bool {
	var wex mongo.WriteException
	if errors.As(err, &wex) {
		for _, we := range wex.WriteErrors {
			if we.Code == 11000 {
				return true
			}
		}
	}
	return false
}

// ---------- users ----------

func (m *Mongo) AddUser(ctx context.Context, u *identity.UserIdentity) error {
	_, err := m.users.InsertOne(ctx, u)
	if isDuplicate(err) {
		return identity.ErrUsernameTaken
	}
	return err
}

func (m *Mongo) GetUser(ctx context.Context, id string) (*identity.UserIdentity, error) {
	var u identity.UserIdentity
	err := m.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, identity.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (m *Mongo) FindUserByUsername(ctx context.Context, username string) (*identity.UserIdentity, error) {
	var u identity.UserIdentity
	err := m.users.FindOne(ctx, bson.M{"username": username}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, identity.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ---------- devices ----------

func (m *Mongo) AddDevice(ctx context.Context, d *identity.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := m.devices.InsertOne(ctx, d)
	if isDuplicate(err) {
		return identity.ErrDuplicateKey
	}
	return err
}

func (m *Mongo) GetDevice(ctx context.Context, id string) (*identity.Device, error) {
	return m.findDevice(ctx, bson.M{"_id": id})
}

func (m *Mongo) FindDeviceByCredential(ctx context.Context, credentialID string) (*identity.Device, error) {
	return m.findDevice(ctx, bson.M{"credential_id": credentialID})
}

func (m *Mongo) findDevice(ctx context.Context, filter bson.M) (*identity.Device, error) {
	var d identity.Device
	err := m.devices.FindOne(ctx, filter).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, identity.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *Mongo) ListDevices(ctx context.Context, ownerID string) ([]identity.Device, error) {
	cur, err := m.devices.Find(ctx, bson.M{"owner_id": ownerID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []identity.Device
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) TouchDevice(ctx context.Context, id string) error {
	res, err := m.devices.UpdateByID(ctx, id, bson.M{"$set": bson.M{"last_used_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return identity.ErrDeviceNotFound
	}
	return nil
}

// RevokeDevice is terminal: a revoked device never matches the filter again,
// so the flag can only move one way.
func (m *Mongo) RevokeDevice(ctx context.Context, id string) error {
	res, err := m.devices.UpdateOne(ctx,
		bson.M{"_id": id, "revoked": false},
		bson.M{"$set": bson.M{"revoked": true}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, gerr := m.GetDevice(ctx, id); gerr != nil {
			return gerr
		}
		return identity.ErrDeviceRevoked
	}
	return nil
}

// ---------- vault items ----------

func (m *Mongo) Insert(ctx context.Context, it *envelope.Item) error {
	_, err := m.items.InsertOne(ctx, it)
	return err
}

func (m *Mongo) Get(ctx context.Context, id string) (*envelope.Item, error) {
	var it envelope.Item
	err := m.items.FindOne(ctx, bson.M{"_id": id}).Decode(&it)
	if err == mongo.ErrNoDocuments {
		return nil, envelope.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (m *Mongo) ListByOwner(ctx context.Context, ownerID string) ([]envelope.Item, error) {
	cur, err := m.items.Find(ctx, bson.M{"owner_id": ownerID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []envelope.Item
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateVersioned replaces the item only if the stored version still matches
// what the caller read. A lost race surfaces as ErrVersionConflict and the
// caller re-reads and retries.
func (m *Mongo) UpdateVersioned(ctx context.Context, it *envelope.Item, expectedVersion int64) error {
	res, err := m.items.ReplaceOne(ctx,
		bson.M{"_id": it.ID, "version": expectedVersion},
		it,
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, gerr := m.Get(ctx, it.ID); gerr != nil {
			return gerr
		}
		return envelope.ErrVersionConflict
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, id string) error {
	_, err := m.items.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// ---------- recovery kits ----------

// CreateKit atomically retires the owner's current active kit (if any)
// before inserting the new one, so two kits are never simultaneously active.
func (m *Mongo) CreateKit(ctx context.Context, k *recovery.Kit, shares []recovery.StoredShare) (*recovery.Kit, error) {
	var prev recovery.Kit
	err := m.kits.FindOneAndUpdate(ctx,
		bson.M{"owner_id": k.OwnerID, "active": true},
		bson.M{"$set": bson.M{"active": false}},
	).Decode(&prev)
	hadPrev := err == nil
	if err != nil && err != mongo.ErrNoDocuments {
		return nil, err
	}

	if _, err := m.kits.InsertOne(ctx, k); err != nil {
		return nil, err
	}
	docs := make([]interface{}, len(shares))
	for i := range shares {
		docs[i] = shares[i]
	}
	if _, err := m.shares.InsertMany(ctx, docs); err != nil {
		return nil, err
	}
	if hadPrev {
		return &prev, nil
	}
	return nil, nil
}

func (m *Mongo) GetKit(ctx context.Context, id string) (*recovery.Kit, error) {
	var k recovery.Kit
	err := m.kits.FindOne(ctx, bson.M{"_id": id}).Decode(&k)
	if err == mongo.ErrNoDocuments {
		return nil, recovery.ErrKitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (m *Mongo) GetActiveKit(ctx context.Context, ownerID string) (*recovery.Kit, error) {
	var k recovery.Kit
	err := m.kits.FindOne(ctx, bson.M{"owner_id": ownerID, "active": true}).Decode(&k)
	if err == mongo.ErrNoDocuments {
		return nil, recovery.ErrKitNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (m *Mongo) ListShares(ctx context.Context, kitID string) ([]recovery.StoredShare, error) {
	cur, err := m.shares.Find(ctx, bson.M{"kit_id": kitID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []recovery.StoredShare
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------- pairing sessions ----------

func (m *Mongo) InsertSession(ctx context.Context, s *pairing.Session) error {
	_, err := m.sessions.InsertOne(ctx, s)
	return err
}

func (m *Mongo) GetSession(ctx context.Context, token string) (*pairing.Session, error) {
	var s pairing.Session
	err := m.sessions.FindOne(ctx, bson.M{"_id": token}).Decode(&s)
	if err == mongo.ErrNoDocuments {
		return nil, pairing.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CASSession is the one hard concurrency invariant of the bridge: the
// replace matches only when the stored state is still in prev, so exactly
// one of two racing writers wins.
func (m *Mongo) CASSession(ctx context.Context, sess *pairing.Session, prev []pairing.State) error {
	res, err := m.sessions.ReplaceOne(ctx,
		bson.M{"_id": sess.Token, "state": bson.M{"$in": prev}},
		sess,
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, gerr := m.GetSession(ctx, sess.Token); gerr != nil {
			return gerr
		}
		return pairing.ErrCASConflict
	}
	return nil
}

func (m *Mongo) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.sessions.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Sessions adapts the session methods to pairing.SessionStore; the method
// names would otherwise collide with the item store's.
func (m *Mongo) Sessions() pairing.SessionStore { return mongoSessions{m} }

type mongoSessions struct{ m *Mongo }

func (s mongoSessions) Insert(ctx context.Context, sess *pairing.Session) error {
	return s.m.InsertSession(ctx, sess)
}

func (s mongoSessions) Get(ctx context.Context, token string) (*pairing.Session, error) {
	return s.m.GetSession(ctx, token)
}

func (s mongoSessions) CAS(ctx context.Context, sess *pairing.Session, prev []pairing.State) error {
	return s.m.CASSession(ctx, sess, prev)
}

func (s mongoSessions) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return s.m.DeleteExpiredSessions(ctx, before)
}
