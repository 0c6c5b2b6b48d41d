// Package mongostore is the document storage backend. Bumps and submissions
// run in multi-document transactions, so the deployment must be a replica set.
package mongostore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/storage"
)

type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	users   *mongo.Collection
	servers *mongo.Collection
	bumps   *mongo.Collection
	reports *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

type userDoc struct {
	ID          string    `bson:"_id"`
	DiscordID   string    `bson:"discord_id"`
	Username    string    `bson:"username"`
	AvatarURL   string    `bson:"avatar_url,omitempty"`
	Role        string    `bson:"role"`
	ServerCount int       `bson:"server_count"`
	CreatedAt   time.Time `bson:"created_at"`
}

type serverDoc struct {
	ID              string     `bson:"_id"`
	OwnerID         string     `bson:"owner_id"`
	Name            string     `bson:"name"`
	Description     string     `bson:"description"`
	InviteLink      string     `bson:"invite_link"`
	Tags            []string   `bson:"tags"`
	Language        string     `bson:"language"`
	Region          string     `bson:"region"`
	MemberCount     int        `bson:"member_count"`
	IsVerified      bool       `bson:"is_verified"`
	IsApproved      bool       `bson:"is_approved"`
	IconURL         string     `bson:"icon_url,omitempty"`
	BannerURL       string     `bson:"banner_url,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
	LastBumpedAt    *time.Time `bson:"last_bumped_at,omitempty"`
	MemberCheckedAt *time.Time `bson:"member_checked_at,omitempty"`
}

type bumpDoc struct {
	ID       string    `bson:"_id"`
	UserID   string    `bson:"user_id"`
	ServerID string    `bson:"server_id"`
	BumpedAt time.Time `bson:"bumped_at"`
}

type reportDoc struct {
	ID         string    `bson:"_id"`
	ReporterID string    `bson:"reporter_id"`
	ServerID   string    `bson:"server_id"`
	Reason     string    `bson:"reason"`
	Status     string    `bson:"status"`
	CreatedAt  time.Time `bson:"created_at"`
}

func Open(ctx context.Context, mongoURI, dbName string) (*Store, error) {
	opts := options.Client().ApplyURI(mongoURI)
	// Atlas occasionally fails TLS negotiation unless TLS 1.2 is pinned.
	if strings.HasPrefix(mongoURI, "mongodb+srv://") {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS12,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	db := client.Database(dbName)
	s := &Store{
		client:  client,
		db:      db,
		users:   db.Collection("users"),
		servers: db.Collection("servers"),
		bumps:   db.Collection("bump_logs"),
		reports: db.Collection("reports"),
	}

	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "discord_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("create users index: %w", err)
	}

	// Best-effort indexes.
	_, _ = s.servers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "is_approved", Value: 1}, {Key: "member_count", Value: -1}}},
		{Keys: bson.D{{Key: "is_approved", Value: 1}, {Key: "last_bumped_at", Value: -1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
		{Keys: bson.D{{Key: "member_checked_at", Value: 1}}},
	})
	_, _ = s.bumps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "server_id", Value: 1}, {Key: "bumped_at", Value: -1}},
	})
	_, _ = s.reports.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
	})

	log.WithField("db", dbName).Info("MongoDB connected")
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// withTx runs fn in a transaction; the driver retries transient conflicts.
func (s *Store) withTx(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (d *userDoc) toModel() *models.User {
	return &models.User{
		ID:        d.ID,
		DiscordID: d.DiscordID,
		Username:  d.Username,
		AvatarURL: d.AvatarURL,
		Role:      models.Role(d.Role),
		CreatedAt: d.CreatedAt,
	}
}

func serverDocFrom(s *models.Server) serverDoc {
	return serverDoc{
		ID:              s.ID,
		OwnerID:         s.OwnerID,
		Name:            s.Name,
		Description:     s.Description,
		InviteLink:      s.InviteLink,
		Tags:            s.Tags,
		Language:        s.Language,
		Region:          s.Region,
		MemberCount:     s.MemberCount,
		IsVerified:      s.IsVerified,
		IsApproved:      s.IsApproved,
		IconURL:         s.IconURL,
		BannerURL:       s.BannerURL,
		CreatedAt:       s.CreatedAt,
		LastBumpedAt:    s.LastBumpedAt,
		MemberCheckedAt: s.MemberCheckedAt,
	}
}

func (d *serverDoc) toModel() models.Server {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return models.Server{
		ID:              d.ID,
		OwnerID:         d.OwnerID,
		Name:            d.Name,
		Description:     d.Description,
		InviteLink:      d.InviteLink,
		Tags:            tags,
		Language:        d.Language,
		Region:          d.Region,
		MemberCount:     d.MemberCount,
		IsVerified:      d.IsVerified,
		IsApproved:      d.IsApproved,
		IconURL:         d.IconURL,
		BannerURL:       d.BannerURL,
		CreatedAt:       d.CreatedAt,
		LastBumpedAt:    d.LastBumpedAt,
		MemberCheckedAt: d.MemberCheckedAt,
	}
}

func (d *reportDoc) toModel() *models.Report {
	return &models.Report{
		ID:         d.ID,
		ReporterID: d.ReporterID,
		ServerID:   d.ServerID,
		Reason:     d.Reason,
		Status:     models.ReportStatus(d.Status),
		CreatedAt:  d.CreatedAt,
	}
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) GetUserByDiscordID(ctx context.Context, discordID string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"discord_id": discordID})
}

func (s *Store) CreateUserIfAbsent(ctx context.Context, u *models.User) (*models.User, bool, error) {
	id := u.ID
	if id == "" {
		id = uuid.NewString()
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":          id,
			"discord_id":   u.DiscordID,
			"username":     u.Username,
			"avatar_url":   u.AvatarURL,
			"role":         string(u.Role),
			"server_count": 0,
			"created_at":   u.CreatedAt,
		},
	}
	res, err := s.users.UpdateOne(ctx, bson.M{"discord_id": u.DiscordID}, update, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("upsert user: %w", err)
	}

	stored, err := s.GetUserByDiscordID(ctx, u.DiscordID)
	if err != nil {
		return nil, false, err
	}
	created := res != nil && res.UpsertedCount > 0
	return stored, created, nil
}

func (s *Store) SetUserRole(ctx context.Context, discordID string, role models.Role) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOneAndUpdate(ctx,
		bson.M{"discord_id": discordID},
		bson.M{"$set": bson.M{"role": string(role)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel(), nil
}

// CreateServer keeps a guarded server_count on the owner document; the
// conditional increment and the insert commit together.
func (s *Store) CreateServer(ctx context.Context, srv *models.Server, quota int) error {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	doc := serverDocFrom(srv)

	return s.withTx(ctx, func(sc mongo.SessionContext) error {
		res, err := s.users.UpdateOne(sc,
			bson.M{"_id": srv.OwnerID, "server_count": bson.M{"$lt": quota}},
			bson.M{"$inc": bson.M{"server_count": 1}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			n, err := s.users.CountDocuments(sc, bson.M{"_id": srv.OwnerID})
			if err != nil {
				return err
			}
			if n == 0 {
				return storage.ErrNotFound
			}
			return storage.ErrQuotaExceeded
		}

		_, err = s.servers.InsertOne(sc, doc)
		return err
	})
}

func (s *Store) GetServer(ctx context.Context, id string) (*models.Server, error) {
	var doc serverDoc
	if err := s.servers.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	m := doc.toModel()
	return &m, nil
}

func (s *Store) UpdateServer(ctx context.Context, ownerID, id string, f models.ServerFields) (*models.Server, error) {
	var doc serverDoc
	err := s.servers.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "owner_id": ownerID},
		bson.M{"$set": bson.M{
			"name":        f.Name,
			"description": f.Description,
			"invite_link": f.InviteLink,
			"tags":        f.Tags,
			"language":    f.Language,
			"region":      f.Region,
			"icon_url":    f.IconURL,
			"banner_url":  f.BannerURL,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	m := doc.toModel()
	return &m, nil
}

func (s *Store) DeleteServer(ctx context.Context, ownerID, id string) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(sc mongo.SessionContext) error {
		deleted = 0
		res, err := s.servers.DeleteOne(sc, bson.M{"_id": id, "owner_id": ownerID})
		if err != nil {
			return err
		}
		if res.DeletedCount == 0 {
			return nil
		}
		deleted = res.DeletedCount

		if _, err := s.users.UpdateOne(sc, bson.M{"_id": ownerID}, bson.M{"$inc": bson.M{"server_count": -1}}); err != nil {
			return err
		}
		if _, err := s.bumps.DeleteMany(sc, bson.M{"server_id": id}); err != nil {
			return err
		}
		_, err = s.reports.DeleteMany(sc, bson.M{"server_id": id})
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Store) findServers(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Server, error) {
	cur, err := s.servers.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []models.Server{}
	for cur.Next(ctx) {
		var doc serverDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

func (s *Store) ListServersByOwner(ctx context.Context, ownerID string) ([]models.Server, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	return s.findServers(ctx, bson.M{"owner_id": ownerID}, opts)
}

// QueryServers relies on descending sorts placing missing last_bumped_at
// values after every timestamp.
func (s *Store) QueryServers(ctx context.Context, q storage.ServerQuery) ([]models.Server, error) {
	filter := bson.M{"is_approved": true}
	if q.Tag != "" {
		filter["tags"] = q.Tag
	}
	if q.Language != "" {
		filter["language"] = q.Language
	}
	if q.Search != "" {
		filter["name"] = bson.M{"$regex": regexp.QuoteMeta(q.Search), "$options": "i"}
	}

	var sort bson.D
	switch q.Sort {
	case models.SortNew:
	case models.SortBumped:
		sort = append(sort, bson.E{Key: "last_bumped_at", Value: -1})
	default:
		sort = append(sort, bson.E{Key: "member_count", Value: -1})
	}
	sort = append(sort, bson.E{Key: "created_at", Value: -1}, bson.E{Key: "_id", Value: 1})

	opts := options.Find().SetSort(sort)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return s.findServers(ctx, filter, opts)
}

func (s *Store) ListPendingServers(ctx context.Context, limit int) ([]models.Server, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findServers(ctx, bson.M{"is_approved": false}, opts)
}

func (s *Store) setServerField(ctx context.Context, id string, field string, value any) (*models.Server, error) {
	var doc serverDoc
	err := s.servers.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{field: value}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	m := doc.toModel()
	return &m, nil
}

func (s *Store) SetServerApproved(ctx context.Context, id string, approved bool) (*models.Server, error) {
	return s.setServerField(ctx, id, "is_approved", approved)
}

func (s *Store) SetServerVerified(ctx context.Context, id string, verified bool) (*models.Server, error) {
	return s.setServerField(ctx, id, "is_verified", verified)
}

func (s *Store) SetMemberCount(ctx context.Context, id string, count int) error {
	_, err := s.setServerField(ctx, id, "member_count", count)
	return err
}

// ClaimServersForRefresh claims one document per FindOneAndUpdate so two
// workers can never take the same listing.
func (s *Store) ClaimServersForRefresh(ctx context.Context, staleBefore, now time.Time, limit int) ([]models.Server, error) {
	filter := bson.M{"$or": []bson.M{
		{"member_checked_at": bson.M{"$exists": false}},
		{"member_checked_at": bson.M{"$lt": staleBefore}},
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "member_checked_at", Value: 1}}).
		SetReturnDocument(options.After)

	out := []models.Server{}
	for len(out) < limit {
		var doc serverDoc
		err := s.servers.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M{"member_checked_at": now}}, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, doc.toModel())
	}
	return out, nil
}

// Bump inserts the log and stamps the listing in one transaction. Two
// concurrent bumps both write the listing document, so one of them aborts
// with a write conflict and re-runs against the committed log.
func (s *Store) Bump(ctx context.Context, userID, serverID string, at time.Time, cooldown time.Duration) (*models.BumpLog, error) {
	entry := bumpDoc{
		ID:       uuid.NewString(),
		UserID:   userID,
		ServerID: serverID,
		BumpedAt: at,
	}

	err := s.withTx(ctx, func(sc mongo.SessionContext) error {
		var last bumpDoc
		err := s.bumps.FindOne(sc,
			bson.M{"user_id": userID, "server_id": serverID, "bumped_at": bson.M{"$gte": at.Add(-cooldown)}},
			options.FindOne().SetSort(bson.D{{Key: "bumped_at", Value: -1}}),
		).Decode(&last)
		if err == nil {
			return &storage.CooldownError{LastBumpAt: last.BumpedAt}
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}

		res, err := s.servers.UpdateOne(sc, bson.M{"_id": serverID}, bson.M{"$set": bson.M{"last_bumped_at": at}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return storage.ErrNotFound
		}

		_, err = s.bumps.InsertOne(sc, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.BumpLog{ID: entry.ID, UserID: userID, ServerID: serverID, BumpedAt: at}, nil
}

func (s *Store) LastBump(ctx context.Context, userID, serverID string) (*models.BumpLog, error) {
	var doc bumpDoc
	err := s.bumps.FindOne(ctx,
		bson.M{"user_id": userID, "server_id": serverID},
		options.FindOne().SetSort(bson.D{{Key: "bumped_at", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &models.BumpLog{ID: doc.ID, UserID: doc.UserID, ServerID: doc.ServerID, BumpedAt: doc.BumpedAt}, nil
}

func (s *Store) CountBumps(ctx context.Context, userID, serverID string) (int, error) {
	n, err := s.bumps.CountDocuments(ctx, bson.M{"user_id": userID, "server_id": serverID})
	return int(n), err
}

func (s *Store) CreateReport(ctx context.Context, r *models.Report) error {
	n, err := s.servers.CountDocuments(ctx, bson.M{"_id": r.ServerID})
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err = s.reports.InsertOne(ctx, reportDoc{
		ID:         r.ID,
		ReporterID: r.ReporterID,
		ServerID:   r.ServerID,
		Reason:     r.Reason,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
	})
	return err
}

func (s *Store) ListReports(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.reports.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []models.Report{}
	for cur.Next(ctx) {
		var doc reportDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, *doc.toModel())
	}
	return out, cur.Err()
}

func (s *Store) SetReportStatus(ctx context.Context, id string, status models.ReportStatus) (*models.Report, error) {
	var doc reportDoc
	err := s.reports.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": string(status)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel(), nil
}
