// Package metadb implements the overlay's metadata side-channel: the
// key-value store adapter, the key codec, the path-to-inode index, the
// attribute store, and the crash-rebuild procedure. Everything here is
// independent of FUSE; the overlay package composes it with host
// syscalls and the go-fuse node tree.
package metadb

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// bucketName is the single bbolt bucket every key lives in. The overlay
// never needed more than one namespace; the three key shapes (§4.2) are
// distinguished by prefix, not by bucket.
var bucketName = []byte("metadata")

// Store is the KV store adapter (§4.1). It owns the bbolt handle and a
// side lock file used for the database lock (§5); bbolt itself is opened
// with its own locking disabled so the two don't fight over the same
// file descriptor.
type Store struct {
	db   *bolt.DB
	lock *Lock
	log  zerolog.Logger

	path string
}

// Open opens (or creates) the metadata database at dbPath and its
// sibling lock file. It runs the structural checker once and, if it
// reports corruption, recovers before handing back a usable Store.
func Open(dbPath string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  false,
		NoLock:  true, // the overlay serialises access itself; see Lock.
	})
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadb: initialize bucket: %w", err)
	}

	lock, err := OpenLock(dbPath + ".lock")
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, lock: lock, log: log, path: dbPath}

	if s.needsRecovery() {
		if err := s.recover(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Lock returns the database lock. The overlay's VFS operations take it
// at the start of every namespace-mutating and metadata-reading call.
func (s *Store) Lock() *Lock { return s.lock }

// Path returns the path to the database file itself, used by the mount
// procedure to compute the rebuild sentinel.
func (s *Store) Path() string { return s.path }

// Close releases the bbolt handle and the lock file. It is safe to call
// exactly once, from Root.Close.
func (s *Store) Close() error {
	lockErr := s.lock.Close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return lockErr
}

// needsRecovery runs bbolt's structural checker. A non-empty error
// stream means the file is damaged in a way bbolt itself detected; see
// §4.1.
func (s *Store) needsRecovery() bool {
	errc := s.db.Check()
	for range errc {
		return true
	}
	return false
}

// recover implements the "backup" strategy described in §4.1 and §7: the
// damaged file is moved aside with a timestamped suffix, a fresh
// database is opened in its place, and as many keys as still parse out
// of the backup are carried forward. Recovered/lost counts and the
// backup location are logged; the overlay never tries to reintegrate
// the backup automatically.
func (s *Store) recover() error {
	backupPath := fmt.Sprintf("%s.backup-%d", s.path, time.Now().UnixNano())
	dbPath := s.path

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("metadb: close damaged database: %w", err)
	}
	if err := os.Rename(dbPath, backupPath); err != nil {
		return fmt.Errorf("metadb: back up damaged database: %w", err)
	}

	fresh, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoLock:  true,
	})
	if err != nil {
		return fmt.Errorf("metadb: create fresh database after recovery: %w", err)
	}
	if err := fresh.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		fresh.Close()
		return err
	}
	s.db = fresh

	recovered, lost := s.salvage(backupPath, fresh)
	s.log.Warn().
		Str("backup", backupPath).
		Int("recovered_keys", recovered).
		Int("lost_keys", lost).
		Msg("recovered metadata database from corruption")
	return nil
}

// salvage best-effort copies every key that still reads cleanly out of
// the backup file into the fresh database. bbolt can usually still open
// and iterate a file whose corruption is confined to a handful of pages;
// keys on unreadable pages are simply absent from the iteration and are
// not counted. lost counts the keys that were read but could not be
// written into the fresh database, and is -1 if the backup could not be
// opened at all.
func (s *Store) salvage(backupPath string, fresh *bolt.DB) (recovered, lost int) {
	old, err := bolt.Open(backupPath, 0600, &bolt.Options{ReadOnly: true, NoLock: true})
	if err != nil {
		return 0, -1
	}
	defer old.Close()

	_ = old.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			putErr := fresh.Update(func(wtx *bolt.Tx) error {
				return wtx.Bucket(bucketName).Put(append([]byte(nil), k...), append([]byte(nil), v...))
			})
			if putErr != nil {
				lost++
				return nil
			}
			recovered++
			return nil
		})
	})
	return recovered, lost
}

// Fetch returns the value stored under key, or (nil, false, nil) if the
// key is absent. A bbolt miss is not an error per §4.1.
func (s *Store) Fetch(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.retrying(func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(bucketName).Get(key)
			if v != nil {
				value = append([]byte(nil), v...)
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Put stores value under key, replacing any existing value.
func (s *Store) Put(key, value []byte) error {
	return s.retrying(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketName).Put(key, value)
		})
	})
}

// Delete removes key. Deleting an absent key is idempotent success.
func (s *Store) Delete(key []byte) error {
	return s.retrying(func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketName).Delete(key)
		})
	})
}

// ForEach walks every key with the given byte prefix, in key order. It
// exists solely for Rebuild, which must visit every "inode <path>" key;
// nothing else in the overlay needs to iterate the store.
func (s *Store) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return s.retrying(func() error {
		return s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketName).Cursor()
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				if err := fn(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// retrying runs op; each time it fails, it classifies the error per §4.1:
// a checker-detected corruption triggers recovery and a retry, any other
// error is unrecoverable and aborts the process. The guest never sees a
// database error as a returned errno (§7).
func (s *Store) retrying(op func() error) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !s.needsRecovery() {
			s.log.Fatal().Err(err).Msg("unrecoverable metadata database error")
			return err // unreachable: Fatal exits the process
		}
		if rerr := s.recover(); rerr != nil {
			s.log.Fatal().Err(rerr).Msg("metadata database recovery failed")
		}
	}
}

// DBInode reads the "db inode" sentinel written by a previous mount, if
// any. The value carries a trailing NUL (§6); it is trimmed before
// parsing.
func (s *Store) DBInode() (uint64, bool) {
	value, ok, _ := s.Fetch(DBInodeKey())
	if !ok {
		return 0, false
	}
	value = trimTrailingNUL(value)
	return decodeInode(value)
}

// SetDBInode stores the current database-file inode under the "db
// inode" sentinel, null-terminated as §6 specifies.
func (s *Store) SetDBInode(inode uint64) error {
	value := append(encodeInode(inode), 0)
	return s.Put(DBInodeKey(), value)
}

func trimTrailingNUL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == 0 {
		return b[:n-1]
	}
	return b
}
