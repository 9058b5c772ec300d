package checkpoint

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var bucketKey = []byte("checkpoints")

type boltStore struct {
	db *bbolt.DB
}

// OpenBolt opens, or creates, a file backed store.
func OpenBolt(path string) (Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint: open %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "checkpoint: create bucket")
	}
	return &boltStore{db: db}, nil
}

func encode(cp Checkpoint) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], cp.Revision)
	binary.BigEndian.PutUint64(b[8:], cp.Position)
	return b
}

func decode(b []byte) (Checkpoint, error) {
	if len(b) != 16 {
		return Checkpoint{}, errors.Errorf("checkpoint: corrupt value of %d bytes", len(b))
	}
	return Checkpoint{
		Revision: binary.BigEndian.Uint64(b[:8]),
		Position: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

func (s *boltStore) Load(ctx context.Context, name string) (Checkpoint, bool, error) {
	var (
		cp Checkpoint
		ok bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketKey).Get([]byte(name))
		if v == nil {
			return nil
		}
		var err error
		cp, err = decode(v)
		ok = err == nil
		return err
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return cp, false, ErrClosed
	}
	return cp, ok, err
}

func (s *boltStore) Save(ctx context.Context, name string, cp Checkpoint) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketKey)
		key := []byte(name)
		if v := bkt.Get(key); v != nil {
			prev, err := decode(v)
			if err == nil && prev.Position > cp.Position {
				return nil
			}
		}
		return bkt.Put(key, encode(cp))
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func (s *boltStore) Delete(ctx context.Context, name string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKey).Delete([]byte(name))
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
