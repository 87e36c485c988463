package metadb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRebuildCarriesRecordToNewInode(t *testing.T) {
	s := openTestStore(t)
	dataDir := t.TempDir()
	root, err := os.Open(dataDir)
	if err != nil {
		t.Fatalf("open root: %v", err)
	}
	defer root.Close()

	if err := os.WriteFile(filepath.Join(dataDir, "f"), []byte("x"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	oldInode := WritePath(s, root, "f")
	if oldInode == 0 {
		t.Fatalf("WritePath: got inode 0")
	}
	rec := Record{Mode: 0100644, Uid: 42, Gid: 42}
	if err := s.Put(statKey(oldInode), rec.MarshalBinary()); err != nil {
		t.Fatalf("Put stat record: %v", err)
	}

	// Simulate the host renumbering inodes: replace the file so it gets
	// a new inode number, without changing the path.
	if err := os.Remove(filepath.Join(dataDir, "f")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "f"), []byte("x"), 0644); err != nil {
		t.Fatalf("recreate file: %v", err)
	}
	newInode := InodeFor(root, "f")
	if newInode == 0 {
		t.Fatalf("InodeFor after recreate: got 0")
	}
	if newInode == oldInode {
		t.Skip("host did not renumber the recreated file; cannot exercise rebuild on this filesystem")
	}

	if err := Rebuild(s, root); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	gotInode, ok := decodeInodeValue(t, s, pathKey("f"))
	if !ok || gotInode != newInode {
		t.Fatalf("path index after rebuild: got %d, ok=%v, want %d", gotInode, ok, newInode)
	}

	value, ok, err := s.Fetch(statKey(newInode))
	if err != nil || !ok {
		t.Fatalf("stat record under new inode: ok=%v err=%v", ok, err)
	}
	got, err := UnmarshalRecord(value)
	if err != nil || got != rec {
		t.Fatalf("stat record after rebuild: got %+v err=%v, want %+v", got, err, rec)
	}

	if _, ok, _ := s.Fetch(statKey(oldInode)); ok {
		t.Fatalf("stat record still present under old inode after rebuild")
	}
}

func TestRebuildLeavesMissingPathsAlone(t *testing.T) {
	s := openTestStore(t)
	dataDir := t.TempDir()
	root, err := os.Open(dataDir)
	if err != nil {
		t.Fatalf("open root: %v", err)
	}
	defer root.Close()

	if err := s.Put(pathKey("gone"), encodeInode(999)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(statKey(999), Record{Mode: 0100644}.MarshalBinary()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := Rebuild(s, root); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	value, ok, _ := s.Fetch(pathKey("gone"))
	if !ok || string(value) != "999" {
		t.Fatalf("path index for a since-deleted path changed: value=%q ok=%v", value, ok)
	}
}

func decodeInodeValue(t *testing.T, s *Store, key []byte) (uint64, bool) {
	t.Helper()
	value, ok, err := s.Fetch(key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !ok {
		return 0, false
	}
	n, ok := decodeInode(value)
	return n, ok
}
