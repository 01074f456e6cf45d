package cel

import "testing"

func TestBlockSize(t *testing.T) {
	cases := map[BlockSZX]int{
		SZX16:   16,
		SZX32:   32,
		SZX1024: 1024,
	}
	for szx, want := range cases {
		if got := BlockSize(szx); got != want {
			t.Errorf("BlockSize(%v) = %d, want %d", szx, got, want)
		}
	}
}

func TestSZXForSize(t *testing.T) {
	cases := []struct {
		size int
		want BlockSZX
	}{
		{2000, SZX1024},
		{1024, SZX1024},
		{1023, SZX512},
		{16, SZX16},
		{10, SZX16},
	}
	for _, c := range cases {
		if got := SZXForSize(c.size); got != c.want {
			t.Errorf("SZXForSize(%d) = %v, want %v", c.size, got, c.want)
		}
	}
}

func TestBlockForOffset(t *testing.T) {
	szx, seq := blockForOffset(2048, SZX1024)
	if szx != SZX1024 || seq != 2 {
		t.Errorf("blockForOffset(2048, SZX1024) = (%v, %d), want (SZX1024, 2)", szx, seq)
	}

	szx, seq = blockForOffset(100, SZX1024)
	if szx != SZX1024 || seq != 0 {
		t.Errorf("blockForOffset(100, SZX1024) = (%v, %d), want (SZX1024, 0)", szx, seq)
	}
}

func TestElideLeadingOnResumedBlock(t *testing.T) {
	// Resuming at offset 1100 inside a 1024-byte block means the server
	// returns the whole block starting at 1024; the first 76 bytes must
	// be elided before handing the chunk to the caller.
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	chunk := ElideLeading(data, 1100, SZX1024)
	if len(chunk) != 1024-76 {
		t.Fatalf("ElideLeading produced %d bytes, want %d", len(chunk), 1024-76)
	}
	if chunk[0] != byte(76) {
		t.Errorf("ElideLeading should start at the requested offset, got first byte %d", chunk[0])
	}
}

func TestElideLeadingAtBlockBoundary(t *testing.T) {
	data := []byte{1, 2, 3}
	if got := ElideLeading(data, 1024, SZX1024); len(got) != 3 {
		t.Errorf("an offset exactly on a block boundary should elide nothing, got %v", got)
	}
}
