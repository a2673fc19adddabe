// Package badgerstore is the embedded SessionStore. Documents are JSON
// values under prefixed keys:
//
//	exam:<exam_id>
//	session:<session_id>
//	session_by_exam:<exam_id>      -> session_id
//	enrollment:<session_id>:<user_id>
//	audit:<session_id>:<unix_nano>:<record_id>
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/rs/zerolog/log"
)

const maxTxnRetries = 5

type Store struct {
	db *badger.DB
}

var _ core.SessionStore = (*Store)(nil)

// Open opens (or creates) the database under path. An empty path keeps
// everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	log.Info().Str("module", "store.badger").Str("path", path).Msg("opened")
	return New(db), nil
}

func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func examKey(id domain.ExamID) []byte             { return []byte("exam:" + string(id)) }
func sessionKey(id domain.SessionID) []byte       { return []byte("session:" + string(id)) }
func sessionByExamKey(id domain.ExamID) []byte    { return []byte("session_by_exam:" + string(id)) }
func enrollmentPrefix(id domain.SessionID) []byte { return []byte("enrollment:" + string(id) + ":") }
func auditPrefix(id domain.SessionID) []byte      { return []byte("audit:" + string(id) + ":") }

func enrollmentKey(sid domain.SessionID, uid domain.UserID) []byte {
	return append(enrollmentPrefix(sid), uid...)
}

func auditKey(r domain.AuditRecord) []byte {
	return fmt.Appendf(auditPrefix(r.SessionID), "%020d:%s", r.Timestamp.UnixNano(), r.ID)
}

// update retries fn when badger reports a write-write conflict between
// concurrent transactions.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// scan decodes every value under prefix in key order and hands it to fn.
func scan[T any](db *badger.DB, prefix []byte, fn func(T)) error {
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var v T
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			fn(v)
		}
		return nil
	})
}

func (s *Store) UpsertExam(_ context.Context, exam domain.Exam) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, examKey(exam.ExamID), exam)
	})
}

func (s *Store) GetExam(_ context.Context, id domain.ExamID) (domain.Exam, error) {
	var exam domain.Exam
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, examKey(id), &exam)
	})
	return exam, err
}

func (s *Store) CreateSession(_ context.Context, sess domain.ExamSession) (domain.ExamSession, bool, error) {
	var (
		stored  domain.ExamSession
		created bool
	)
	err := s.update(func(txn *badger.Txn) error {
		created = false
		item, err := txn.Get(sessionByExamKey(sess.ExamID))
		switch {
		case err == nil:
			sid, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			return getJSON(txn, sessionKey(domain.SessionID(sid)), &stored)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(sessionByExamKey(sess.ExamID), []byte(sess.SessionID)); err != nil {
			return err
		}
		if err := setJSON(txn, sessionKey(sess.SessionID), sess); err != nil {
			return err
		}
		stored, created = sess, true
		return nil
	})
	return stored, created, err
}

func (s *Store) GetSession(_ context.Context, id domain.SessionID) (domain.ExamSession, error) {
	var sess domain.ExamSession
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sessionKey(id), &sess)
	})
	return sess, err
}

func (s *Store) GetSessionByExam(_ context.Context, id domain.ExamID) (domain.ExamSession, error) {
	var sess domain.ExamSession
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionByExamKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: no session for exam %s", domain.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		sid, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, sessionKey(domain.SessionID(sid)), &sess)
	})
	return sess, err
}

func (s *Store) ListSessions(_ context.Context, f core.SessionFilter) ([]domain.ExamSession, error) {
	out := []domain.ExamSession{}
	err := scan(s.db, []byte("session:"), func(sess domain.ExamSession) {
		if f.ProctorID != "" && !sess.IsProctor(f.ProctorID) {
			return
		}
		if f.ExamineeID != "" && !sess.IsExpectedExaminee(f.ExamineeID) {
			return
		}
		if f.Status != "" && sess.Status != f.Status {
			return
		}
		out = append(out, sess)
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b domain.ExamSession) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, id domain.SessionID, from, to domain.SessionStatus, at time.Time) error {
	return s.update(func(txn *badger.Txn) error {
		var sess domain.ExamSession
		if err := getJSON(txn, sessionKey(id), &sess); err != nil {
			return err
		}
		if sess.Status != from {
			return fmt.Errorf("%w: session %s is %s, expected %s", domain.ErrConflict, id, sess.Status, from)
		}
		sess.Status = to
		sess.UpdatedAt = at
		return setJSON(txn, sessionKey(id), sess)
	})
}

func (s *Store) UpsertEnrollment(_ context.Context, e domain.Enrollment) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, enrollmentKey(e.SessionID, e.UserID), e)
	})
}

func (s *Store) GetEnrollment(_ context.Context, sid domain.SessionID, uid domain.UserID) (domain.Enrollment, error) {
	var e domain.Enrollment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, enrollmentKey(sid, uid), &e)
	})
	return e, err
}

func (s *Store) ListEnrollments(_ context.Context, f core.EnrollmentFilter) ([]domain.Enrollment, error) {
	prefix := []byte("enrollment:")
	if f.SessionID != "" {
		prefix = enrollmentPrefix(f.SessionID)
	}
	out := []domain.Enrollment{}
	err := scan(s.db, prefix, func(e domain.Enrollment) {
		if f.UserID != "" && e.UserID != f.UserID {
			return
		}
		if f.Status != "" && e.ConnectionStatus != f.Status {
			return
		}
		out = append(out, e)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, rec domain.AuditRecord) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, auditKey(rec), rec)
	})
}

// ListAudit returns the session's records oldest first.
func (s *Store) ListAudit(_ context.Context, sid domain.SessionID) ([]domain.AuditRecord, error) {
	out := []domain.AuditRecord{}
	err := scan(s.db, auditPrefix(sid), func(r domain.AuditRecord) {
		out = append(out, r)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
