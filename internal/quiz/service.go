package quiz

import (
	"context"
	"errors"
	"time"

	"github.com/schoolpsy/psyhelper/internal/cloudsync"
	"github.com/schoolpsy/psyhelper/internal/storage"
)

var (
	ErrNoAnswers = errors.New("no answers given")
	// ErrDuplicate is returned when the user already has a result stamped
	// with the same second.
	ErrDuplicate = errors.New("a result with this date already exists")
)

// Service records completed questionnaires.
type Service struct {
	bank *Bank
	db   *storage.DB
	sync *cloudsync.Manager // nil keeps results local

	now func() time.Time
}

func NewService(bank *Bank, db *storage.DB, sync *cloudsync.Manager) *Service {
	return &Service{bank: bank, db: db, sync: sync, now: time.Now}
}

func (s *Service) Bank() *Bank { return s.bank }

// Submit scores answers against the current questions, stores the result
// locally and mirrors it. A mirror failure is logged; the next result sync
// pushes it.
func (s *Service) Submit(ctx context.Context, u storage.User, answers []int) (storage.TestResult, error) {
	if len(answers) == 0 {
		return storage.TestResult{}, ErrNoAnswers
	}
	qs := s.bank.Questions(ctx)
	r := Evaluate(u.ID, u.FullName(), qs, answers, s.now())
	id, inserted, err := s.db.SaveTestResult(ctx, r)
	if err != nil {
		return storage.TestResult{}, err
	}
	if !inserted {
		return storage.TestResult{}, ErrDuplicate
	}
	r.ID = id
	if s.sync != nil {
		if err := s.sync.SyncOnTestSave(ctx, r); err != nil {
			if errors.Is(err, cloudsync.ErrOffline) {
				log.Debugf("result of user %d kept local: offline", u.ID)
			} else {
				log.Warnf("mirror result of user %d: %v", u.ID, err)
			}
		}
	}
	log.Infof("user %d scored %d", u.ID, r.Score)
	return r, nil
}

// Summary is a user's test history with its average.
type Summary struct {
	Results []storage.TestResult `json:"results"`
	Average float64              `json:"average"`
}

func (s *Service) History(ctx context.Context, userID int64) (Summary, error) {
	rs, err := s.db.TestHistory(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	avg, err := s.db.AverageScore(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	if rs == nil {
		rs = []storage.TestResult{}
	}
	return Summary{Results: rs, Average: avg}, nil
}
