package metadb

import "testing"

func TestPathKeyShape(t *testing.T) {
	got := string(pathKey("/a/f"))
	want := "inode /a/f"
	if got != want {
		t.Fatalf("pathKey: got %q, want %q", got, want)
	}
}

func TestStatKeyShape(t *testing.T) {
	got := string(statKey(42))
	want := "stat 42"
	if got != want {
		t.Fatalf("statKey: got %q, want %q", got, want)
	}
}

func TestDBInodeKeyLiteral(t *testing.T) {
	got := string(DBInodeKey())
	want := "db inode"
	if got != want {
		t.Fatalf("DBInodeKey: got %q, want %q", got, want)
	}
	if len(got) != 8 {
		t.Fatalf("DBInodeKey: got %d bytes, want 8", len(got))
	}
}

func TestInodeCodecRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 42, 1 << 40} {
		got, ok := decodeInode(encodeInode(n))
		if !ok || got != n {
			t.Fatalf("inode codec round trip for %d: got %d, ok=%v", n, got, ok)
		}
	}
}

func TestDecodeInodeRejectsGarbage(t *testing.T) {
	if _, ok := decodeInode([]byte("not a number")); ok {
		t.Fatalf("decodeInode accepted garbage input")
	}
}
