package fork

import (
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
)

const (
	// prefixes must be unique across all db's.
	prefixVersionStats   int64 = 1
	prefixScheduleDigest int64 = 2
)

// StatsStore persists the adoption vector of each protocol version and the
// digest of the witness schedule they were counted for. Missing values are
// returned as nil.
type StatsStore interface {
	StatsByVersion(version int) ([]byte, error)
	SetStatsByVersion(version int, stats []byte) error
	ScheduleDigest() ([]byte, error)
	SetScheduleDigest(digest []byte) error
}

type dbStatsStore struct {
	db dbm.DB
}

// NewStatsStore returns a StatsStore backed by db.
func NewStatsStore(db dbm.DB) StatsStore {
	return &dbStatsStore{db: db}
}

func (s *dbStatsStore) StatsByVersion(version int) ([]byte, error) {
	bz, err := s.db.Get(versionStatsKey(version))
	if err != nil {
		return nil, fmt.Errorf("loading stats of version %d: %w", version, err)
	}
	if bz == nil {
		return nil, nil
	}
	// callers modify the vector in place
	return append([]byte(nil), bz...), nil
}

func (s *dbStatsStore) SetStatsByVersion(version int, stats []byte) error {
	if err := s.db.SetSync(versionStatsKey(version), stats); err != nil {
		return fmt.Errorf("saving stats of version %d: %w", version, err)
	}
	return nil
}

func (s *dbStatsStore) ScheduleDigest() ([]byte, error) {
	bz, err := s.db.Get(scheduleDigestKey())
	if err != nil {
		return nil, fmt.Errorf("loading schedule digest: %w", err)
	}
	return bz, nil
}

func (s *dbStatsStore) SetScheduleDigest(digest []byte) error {
	if err := s.db.SetSync(scheduleDigestKey(), digest); err != nil {
		return fmt.Errorf("saving schedule digest: %w", err)
	}
	return nil
}

func scheduleDigestKey() []byte {
	key, err := orderedcode.Append(nil, prefixScheduleDigest)
	if err != nil {
		panic(err)
	}
	return key
}

func versionStatsKey(version int) []byte {
	key, err := orderedcode.Append(nil, prefixVersionStats, int64(version))
	if err != nil {
		panic(err)
	}
	return key
}
