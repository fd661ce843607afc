package admission

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/skycoin/cyclenet/pkg/comm"
)

var boltDBBucket = []byte("admission")

var errStopRange = errors.New("iterator stopped")

type boltDBStore struct {
	db *bbolt.DB
}

// BoltDBStore opens or creates a Store in the BoltDB file at path.
func BoltDBStore(path string) (Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltDBBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		db.Close() // nolint:errcheck
		return nil, err
	}

	return &boltDBStore{db: db}, nil
}

func (s *boltDBStore) Decision(host string) (comm.Decision, error) {
	var v []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(boltDBBucket).Get([]byte(host)); raw != nil {
			v = append(v, raw...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, ErrNotFound
	}
	return comm.Decision(v[0]), nil
}

func (s *boltDBStore) SetDecision(host string, d comm.Decision) error {
	if d == comm.Delay {
		return fmt.Errorf("cannot store decision %s", d)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltDBBucket).Put([]byte(host), []byte{byte(d)})
	})
}

func (s *boltDBStore) Remove(hosts ...string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltDBBucket)

		var dErr error
		for _, h := range hosts {
			if err := b.Delete([]byte(h)); err != nil {
				dErr = err
			}
		}
		return dErr
	})
}

func (s *boltDBStore) Range(f RangeFunc) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(boltDBBucket).ForEach(func(k, v []byte) error {
			if len(v) != 1 {
				log.Warnf("Skipping malformed decision for %q", k)
				return nil
			}
			if !f(string(k), comm.Decision(v[0])) {
				return errStopRange
			}
			return nil
		})
		if err == errStopRange {
			return nil
		}
		return err
	})
}

func (s *boltDBStore) Count() (count int) {
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(boltDBBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0
	}
	return count
}

func (s *boltDBStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
