package metadb

import "testing"

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{Mode: 0100644, Uid: 1000, Gid: 1000, Rdev: 0}
	got, err := UnmarshalRecord(rec.MarshalBinary())
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	if got != rec {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
}

func TestRecordRoundTripDevice(t *testing.T) {
	rec := Record{Mode: 0020666, Uid: 0, Gid: 0, Rdev: 0x0103}
	got, err := UnmarshalRecord(rec.MarshalBinary())
	if err != nil {
		t.Fatalf("UnmarshalRecord: %v", err)
	}
	if got != rec {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
}

func TestUnmarshalRecordWrongSize(t *testing.T) {
	for _, n := range []int{0, 8, 15, 17, 32} {
		if _, err := UnmarshalRecord(make([]byte, n)); err == nil {
			t.Fatalf("UnmarshalRecord(%d bytes): want error, got nil", n)
		}
	}
}
