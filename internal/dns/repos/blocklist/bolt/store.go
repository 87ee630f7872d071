// Package bolt persists the block-list index in a bbolt database.
package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-proxy/internal/dns/common/utils"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist"
)

var (
	bucketExact  = []byte("exact")
	bucketSuffix = []byte("suffix")
	bucketMeta   = []byte("meta")

	keyVersion = []byte("version")
	keyUpdated = []byte("updated")
)

// boltStore implements blocklist.Store. Exact entries are keyed by canonical
// name, suffix entries by blocklist.ReverseName. Values hold the unix time
// the entry was added followed by its source.
type boltStore struct {
	db *bbolt.DB
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (blocklist.Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open blocklist db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketExact, bucketSuffix, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) GetFirstMatch(name string) (domain.BlockRule, bool, error) {
	var (
		rule  domain.BlockRule
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketExact).Get([]byte(name)); v != nil {
			rule, found = decodeRule(name, domain.BlockRuleExact, v), true
			return nil
		}
		suffix := tx.Bucket(bucketSuffix)
		for a := name; ; {
			if v := suffix.Get([]byte(blocklist.ReverseName(a))); v != nil {
				rule, found = decodeRule(a, domain.BlockRuleSuffix, v), true
				return nil
			}
			parent, ok := utils.ParentName(a)
			if !ok {
				return nil
			}
			a = parent
		}
	})
	return rule, found, err
}

// RebuildAll replaces both rule buckets and the metadata in one transaction.
func (s *boltStore) RebuildAll(rules []domain.BlockRule, version uint64, updatedUnix int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		exact, err := recreate(tx, bucketExact)
		if err != nil {
			return err
		}
		suffix, err := recreate(tx, bucketSuffix)
		if err != nil {
			return err
		}
		for _, r := range rules {
			var err error
			switch r.Kind {
			case domain.BlockRuleExact:
				err = exact.Put([]byte(r.Name), encodeRule(r))
			case domain.BlockRuleSuffix:
				err = suffix.Put([]byte(blocklist.ReverseName(r.Name)), encodeRule(r))
			default:
				err = fmt.Errorf("unsupported BlockRuleKind: %d", r.Kind)
			}
			if err != nil {
				return fmt.Errorf("store rule %q: %w", r.Name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyVersion, binary.BigEndian.AppendUint64(nil, version)); err != nil {
			return err
		}
		return meta.Put(keyUpdated, binary.BigEndian.AppendUint64(nil, uint64(updatedUnix)))
	})
}

func (s *boltStore) Stats() (blocklist.StoreStats, error) {
	var st blocklist.StoreStats
	err := s.db.View(func(tx *bbolt.Tx) error {
		st.ExactKeys = uint64(tx.Bucket(bucketExact).Stats().KeyN)
		st.SuffixKeys = uint64(tx.Bucket(bucketSuffix).Stats().KeyN)
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyVersion); len(v) == 8 {
			st.Version = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyUpdated); len(v) == 8 {
			st.UpdatedUnix = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return st, err
}

func recreate(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return nil, err
	}
	return tx.CreateBucket(name)
}

func encodeRule(r domain.BlockRule) []byte {
	v := binary.BigEndian.AppendUint64(nil, uint64(r.AddedAt.Unix()))
	return append(v, r.Source...)
}

func decodeRule(name string, kind domain.BlockRuleKind, v []byte) domain.BlockRule {
	r := domain.BlockRule{Name: name, Kind: kind}
	if len(v) >= 8 {
		r.AddedAt = time.Unix(int64(binary.BigEndian.Uint64(v[:8])), 0)
		r.Source = string(v[8:])
	}
	return r
}
