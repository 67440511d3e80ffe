package format_test

import (
	"errors"
	"testing"

	"github.com/hesham-youssef/flashmt/internal/format"
)

func TestHeader_RoundTrips(t *testing.T) {
	t.Parallel()

	cases := []format.Header{
		{Type: format.BlockMT, Level: 0, LogicalAddress: 0},
		{Type: format.BlockData, Level: 0, LogicalAddress: 1<<56 - 1},
		{Type: format.BlockMT, Level: 63, LogicalAddress: 12345},
		{Type: format.BlockSegMeta, Level: 0, LogicalAddress: 0},
	}

	for _, want := range cases {
		buf := make([]byte, format.HeaderSize)

		if err := format.EncodeHeader(want, buf); err != nil {
			t.Fatalf("EncodeHeader(%+v): %v", want, err)
		}

		got, err := format.DecodeHeader(buf)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}

		if got != want {
			t.Fatalf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestHeader_RejectsOutOfRangeFields(t *testing.T) {
	t.Parallel()

	buf := make([]byte, format.HeaderSize)

	if err := format.EncodeHeader(format.Header{Type: 4}, buf); !errors.Is(err, format.ErrCorrupt) {
		t.Fatalf("type overflow: err=%v, want ErrCorrupt", err)
	}

	if err := format.EncodeHeader(format.Header{Level: 64}, buf); !errors.Is(err, format.ErrCorrupt) {
		t.Fatalf("level overflow: err=%v, want ErrCorrupt", err)
	}

	if err := format.EncodeHeader(format.Header{LogicalAddress: 1 << 56}, buf); !errors.Is(err, format.ErrCorrupt) {
		t.Fatalf("logical address overflow: err=%v, want ErrCorrupt", err)
	}
}

func TestIsErased(t *testing.T) {
	t.Parallel()

	erased := make([]byte, format.HeaderSize)
	for i := range erased {
		erased[i] = 0xFF
	}

	if !format.IsErased(erased) {
		t.Fatalf("IsErased(all-ones) = false, want true")
	}

	buf := make([]byte, format.HeaderSize)

	if err := format.EncodeHeader(format.Header{Type: format.BlockData, LogicalAddress: 5}, buf); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	if format.IsErased(buf) {
		t.Fatalf("IsErased(written header) = true, want false")
	}
}

func TestSegMeta_RoundTrips(t *testing.T) {
	t.Parallel()

	want := format.SegMeta{
		ContainsCheckpoint: true,
		BlockSize:          64,
		NpageMappings:      4096,
		TailOffset:         12345,
		SeqNum:             7,
	}

	buf := make([]byte, format.HeaderSize+format.SegMetaSize)

	if err := format.EncodeSegMeta(want, buf); err != nil {
		t.Fatalf("EncodeSegMeta: %v", err)
	}

	got, err := format.DecodeSegMeta(buf)
	if err != nil {
		t.Fatalf("DecodeSegMeta: %v", err)
	}

	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestSegMeta_NotCheckpoint_RoundTrips(t *testing.T) {
	t.Parallel()

	want := format.SegMeta{ContainsCheckpoint: false, BlockSize: 64, NpageMappings: 8, TailOffset: 0, SeqNum: 0}

	buf := make([]byte, format.HeaderSize+format.SegMetaSize)

	if err := format.EncodeSegMeta(want, buf); err != nil {
		t.Fatalf("EncodeSegMeta: %v", err)
	}

	got, err := format.DecodeSegMeta(buf)
	if err != nil {
		t.Fatalf("DecodeSegMeta: %v", err)
	}

	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestDecodeSegMeta_RejectsWrongHeaderType(t *testing.T) {
	t.Parallel()

	buf := make([]byte, format.HeaderSize+format.SegMetaSize)

	if err := format.EncodeHeader(format.Header{Type: format.BlockData}, buf); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	if _, err := format.DecodeSegMeta(buf); !errors.Is(err, format.ErrCorrupt) {
		t.Fatalf("DecodeSegMeta on non-SegMeta header: err=%v, want ErrCorrupt", err)
	}
}

func TestMTEntry_RoundTrips(t *testing.T) {
	t.Parallel()

	buf := make([]byte, format.MTEntrySize)

	format.EncodeMTEntry(format.InvalidAddress, buf)

	if got := format.DecodeMTEntry(buf); got != format.InvalidAddress {
		t.Fatalf("DecodeMTEntry = %d, want InvalidAddress", got)
	}

	format.EncodeMTEntry(4096, buf)

	if got := format.DecodeMTEntry(buf); got != 4096 {
		t.Fatalf("DecodeMTEntry = %d, want 4096", got)
	}
}

func TestMTEntriesPerPage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pageSize uint32
		want     uint32
	}{
		{pageSize: 64, want: (64 - uint32(format.HeaderSize)) / format.MTEntrySize},
		{pageSize: 4096, want: (4096 - uint32(format.HeaderSize)) / format.MTEntrySize},
		{pageSize: 4, want: 0},
	}

	for _, c := range cases {
		if got := format.MTEntriesPerPage(c.pageSize); got != c.want {
			t.Fatalf("MTEntriesPerPage(%d) = %d, want %d", c.pageSize, got, c.want)
		}
	}
}
