// Package mongostore is the SessionStore backed by a MongoDB server. One
// database serves one proctor server instance: startup and stale-connection
// reconciliation treat every connected enrollment in it as owned by this
// process.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collExams       = "exams"
	collSessions    = "sessions"
	collEnrollments = "enrollments"
	collAudit       = "audit"
)

type Store struct {
	client      *mongo.Client
	exams       *mongo.Collection
	sessions    *mongo.Collection
	enrollments *mongo.Collection
	audit       *mongo.Collection
}

var _ core.SessionStore = (*Store)(nil)

// Open connects to uri, pings the server and makes sure the indexes the
// store relies on for uniqueness exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	s := &Store{
		client:      client,
		exams:       db.Collection(collExams),
		sessions:    db.Collection(collSessions),
		enrollments: db.Collection(collEnrollments),
		audit:       db.Collection(collAudit),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info().Str("module", "store.mongo").Str("database", database).Msg("connected")
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.exams, mongo.IndexModel{Keys: bson.D{{Key: "exam_id", Value: 1}}, Options: unique}},
		{s.sessions, mongo.IndexModel{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: unique}},
		{s.sessions, mongo.IndexModel{Keys: bson.D{{Key: "exam_id", Value: 1}}, Options: unique}},
		{s.enrollments, mongo.IndexModel{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: unique}},
		{s.enrollments, mongo.IndexModel{Keys: bson.D{{Key: "connection_status", Value: 1}}}},
		{s.audit, mongo.IndexModel{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}}}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("create index on %s: %w", ix.coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return err
}

func (s *Store) UpsertExam(ctx context.Context, exam domain.Exam) error {
	_, err := s.exams.ReplaceOne(ctx, bson.M{"exam_id": exam.ExamID}, exam, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetExam(ctx context.Context, id domain.ExamID) (domain.Exam, error) {
	var exam domain.Exam
	err := s.exams.FindOne(ctx, bson.M{"exam_id": id}).Decode(&exam)
	return exam, notFound(err, "exam "+string(id))
}

// CreateSession inserts with $setOnInsert keyed on exam_id, so two racing
// creators end up with the same document; created is true for the one whose
// session id won.
func (s *Store) CreateSession(ctx context.Context, sess domain.ExamSession) (domain.ExamSession, bool, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored domain.ExamSession
	err := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"exam_id": sess.ExamID},
		bson.M{"$setOnInsert": sess},
		opts,
	).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// lost the upsert race on the unique index; the winner is readable now
		stored, err = s.GetSessionByExam(ctx, sess.ExamID)
		return stored, false, err
	}
	if err != nil {
		return domain.ExamSession{}, false, err
	}
	return stored, stored.SessionID == sess.SessionID, nil
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (domain.ExamSession, error) {
	var sess domain.ExamSession
	err := s.sessions.FindOne(ctx, bson.M{"session_id": id}).Decode(&sess)
	return sess, notFound(err, "session "+string(id))
}

func (s *Store) GetSessionByExam(ctx context.Context, id domain.ExamID) (domain.ExamSession, error) {
	var sess domain.ExamSession
	err := s.sessions.FindOne(ctx, bson.M{"exam_id": id}).Decode(&sess)
	return sess, notFound(err, "no session for exam "+string(id))
}

func (s *Store) ListSessions(ctx context.Context, f core.SessionFilter) ([]domain.ExamSession, error) {
	filter := bson.M{}
	if f.ProctorID != "" {
		filter["proctor_ids"] = f.ProctorID
	}
	if f.ExamineeID != "" {
		filter["expected_examinee_ids"] = f.ExamineeID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	cur, err := s.sessions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []domain.ExamSession{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id domain.SessionID, from, to domain.SessionStatus, at time.Time) error {
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"session_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": at}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	cur, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: session %s is %s, expected %s", domain.ErrConflict, id, cur.Status, from)
}

func (s *Store) UpsertEnrollment(ctx context.Context, e domain.Enrollment) error {
	_, err := s.enrollments.ReplaceOne(ctx,
		bson.M{"session_id": e.SessionID, "user_id": e.UserID},
		e,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *Store) GetEnrollment(ctx context.Context, sid domain.SessionID, uid domain.UserID) (domain.Enrollment, error) {
	var e domain.Enrollment
	err := s.enrollments.FindOne(ctx, bson.M{"session_id": sid, "user_id": uid}).Decode(&e)
	return e, notFound(err, fmt.Sprintf("enrollment %s/%s", sid, uid))
}

func (s *Store) ListEnrollments(ctx context.Context, f core.EnrollmentFilter) ([]domain.Enrollment, error) {
	filter := bson.M{}
	if f.SessionID != "" {
		filter["session_id"] = f.SessionID
	}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.Status != "" {
		filter["connection_status"] = f.Status
	}
	cur, err := s.enrollments.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := []domain.Enrollment{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	_, err := s.audit.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		// a retried insert that already landed
		return nil
	}
	return err
}

func (s *Store) ListAudit(ctx context.Context, sid domain.SessionID) ([]domain.AuditRecord, error) {
	cur, err := s.audit.Find(ctx, bson.M{"session_id": sid}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []domain.AuditRecord{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
