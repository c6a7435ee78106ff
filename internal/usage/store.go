// Package usage persists per-identity usage statistics in a local bbolt
// database. The in-memory counters of the account switcher stay
// authoritative for rotation decisions; this store only mirrors lifetime
// totals so they survive restarts and can be served by the info endpoint.
package usage

import (
	"encoding/json"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var bucketIdentity = []byte("identity_usage")

// Stats are the persisted lifetime totals of one identity.
type Stats struct {
	Requests   int64     `json:"requests"`
	Failures   int64     `json:"failures"`
	LastSwitch time.Time `json:"last_switch,omitempty"`
}

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the statistics database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(bucketIdentity)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRequest bumps the lifetime request counter for an identity.
func (s *Store) RecordRequest(authIndex int) {
	s.update(authIndex, func(st *Stats) { st.Requests++ })
}

// RecordFailure bumps the lifetime failure counter for an identity.
func (s *Store) RecordFailure(authIndex int) {
	s.update(authIndex, func(st *Stats) { st.Failures++ })
}

// RecordSwitch stamps the moment an identity became active.
func (s *Store) RecordSwitch(authIndex int) {
	s.update(authIndex, func(st *Stats) { st.LastSwitch = time.Now() })
}

// Snapshot returns the persisted stats of every known identity.
func (s *Store) Snapshot() map[int]Stats {
	out := make(map[int]Stats)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).ForEach(func(k, v []byte) error {
			index, errKey := strconv.Atoi(string(k))
			if errKey != nil {
				return nil
			}
			var st Stats
			if errVal := json.Unmarshal(v, &st); errVal == nil {
				out[index] = st
			}
			return nil
		})
	})
	if err != nil {
		log.Warnf("usage snapshot failed: %v", err)
	}
	return out
}

func (s *Store) update(authIndex int, mutate func(*Stats)) {
	key := []byte(strconv.Itoa(authIndex))
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdentity)
		var st Stats
		if raw := bucket.Get(key); raw != nil {
			_ = json.Unmarshal(raw, &st)
		}
		mutate(&st)
		data, errMarshal := json.Marshal(&st)
		if errMarshal != nil {
			return errMarshal
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		log.Warnf("usage update for identity %d failed: %v", authIndex, err)
	}
}
