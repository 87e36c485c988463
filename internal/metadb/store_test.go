package metadb

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "meta.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreFetchMissIsNotError(t *testing.T) {
	s := openTestStore(t)
	value, ok, err := s.Fetch([]byte("inode /nope"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ok || value != nil {
		t.Fatalf("Fetch of absent key: got (%v, %v), want (nil, false)", value, ok)
	}
}

func TestStorePutFetchDelete(t *testing.T) {
	s := openTestStore(t)
	key := []byte("stat 7")
	rec := Record{Mode: 0100644, Uid: 1000, Gid: 1000}

	if err := s.Put(key, rec.MarshalBinary()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, ok, err := s.Fetch(key)
	if err != nil || !ok {
		t.Fatalf("Fetch after Put: value=%v ok=%v err=%v", value, ok, err)
	}
	got, err := UnmarshalRecord(value)
	if err != nil || got != rec {
		t.Fatalf("round trip through store: got %+v, err=%v", got, err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Fetch(key); ok {
		t.Fatalf("key still present after Delete")
	}
}

func TestStoreDeleteAbsentIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Delete([]byte("stat 999")); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
}

func TestStoreForEachPrefix(t *testing.T) {
	s := openTestStore(t)
	for _, path := range []string{"/a", "/b", "/c"} {
		if err := s.Put(pathKey(path), encodeInode(1)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Put(statKey(1), Record{Mode: 1}.MarshalBinary()); err != nil {
		t.Fatalf("Put stat key: %v", err)
	}

	var seen []string
	if err := s.ForEach([]byte(inodePrefix), func(k, v []byte) error {
		seen = append(seen, string(k))
		return nil
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("ForEach(inode prefix): got %d keys, want 3 (got %v)", len(seen), seen)
	}
}

func TestDBInodeSentinelRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, ok := s.DBInode(); ok {
		t.Fatalf("DBInode on fresh store: want absent")
	}
	if err := s.SetDBInode(12345); err != nil {
		t.Fatalf("SetDBInode: %v", err)
	}
	got, ok := s.DBInode()
	if !ok || got != 12345 {
		t.Fatalf("DBInode after SetDBInode: got (%d, %v), want (12345, true)", got, ok)
	}
}
