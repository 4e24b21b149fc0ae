package mirror

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDeals = []byte("deals")

	// ErrNotFound is returned when no mirror entry exists for a deal.
	ErrNotFound = errors.New("mirror: entry not found")
)

// Entry is the cached projection of one deal's on-ledger state.
type Entry struct {
	DealID          string    `json:"dealId"`
	ContractAddress string    `json:"contractAddress"`
	LastKnownStatus string    `json:"lastKnownStatus"`
	Balance         string    `json:"balance,omitempty"`
	Deadline        uint32    `json:"deadline,omitempty"`
	LastPolledAt    time.Time `json:"lastPolledAt"`
	Revision        uint64    `json:"revision"`
}

// Reader is the read side handed to components that need cached status.
type Reader interface {
	Get(dealID string) (Entry, error)
	List() ([]Entry, error)
}

// Store is a bbolt-backed mirror keyed by deal id. Only the reconciliation
// routine holds a *Store; everything else receives a Reader.
type Store struct {
	db *bolt.DB
}

// Open initialises the store at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeals)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the entry for dealID.
func (s *Store) Get(dealID string) (Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDeals).Get([]byte(dealID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	return entry, err
}

// List returns every entry ordered by deal id.
func (s *Store) List() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeals).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DealID < out[j].DealID })
	return out, nil
}

// Upsert writes entry keyed by its deal id and returns the previous value, if
// any. Writing identical content only refreshes LastPolledAt, so replays of a
// reconciliation pass never create duplicates.
func (s *Store) Upsert(entry Entry) (previous *Entry, err error) {
	if entry.DealID == "" {
		return nil, errors.New("mirror: deal id required")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeals)
		key := []byte(entry.DealID)
		if raw := bucket.Get(key); raw != nil {
			var prev Entry
			if err := json.Unmarshal(raw, &prev); err != nil {
				return err
			}
			previous = &prev
			entry.Revision = prev.Revision
			if prev.LastKnownStatus != entry.LastKnownStatus || prev.Balance != entry.Balance || prev.Deadline != entry.Deadline {
				entry.Revision++
			}
		} else {
			entry.Revision = 1
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
	return previous, err
}
