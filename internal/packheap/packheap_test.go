package packheap

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Heap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap.pack")
	h, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestAppendGetRoundTrip(t *testing.T) {
	h := openTemp(t)
	r1, err := h.Append([]byte("hello world"))
	require.NoError(t, err)
	r2, err := h.Append([]byte("a second record, a bit longer than the first"))
	require.NoError(t, err)

	got1, err := h.Get(r1)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got1))

	got2, err := h.Get(r2)
	require.NoError(t, err)
	require.Equal(t, "a second record, a bit longer than the first", string(got2))
}

func TestInsertAtExistingOffset(t *testing.T) {
	h := openTemp(t)
	r1, err := h.Append([]byte("original"))
	require.NoError(t, err)

	r2, err := h.Insert(r1.Offset, []byte("replacement bytes"))
	require.NoError(t, err)

	got, err := h.Get(r2)
	require.NoError(t, err)
	require.Equal(t, "replacement bytes", string(got))
}

func TestMoveOverlapping(t *testing.T) {
	h := openTemp(t)
	payload := []byte("the quick brown fox jumps over the lazy dog")
	r1, err := h.Append(payload)
	require.NoError(t, err)

	// move forward into an overlapping region
	target := r1.Offset + r1.Size/2
	r2, err := h.Move(target, r1)
	require.NoError(t, err)

	got, err := h.Get(r2)
	require.NoError(t, err)
	require.Equal(t, string(payload), string(got))
}

func TestResizeGrowsAndTruncates(t *testing.T) {
	h := openTemp(t)
	r, err := h.Append([]byte("keep me"))
	require.NoError(t, err)

	grown := h.Size() + 4096
	require.NoError(t, h.Resize(grown))
	require.Equal(t, grown, h.Size())

	got, err := h.Get(r)
	require.NoError(t, err)
	require.Equal(t, "keep me", string(got))

	require.NoError(t, h.Resize(r.Offset+r.Size))
	require.Equal(t, r.Offset+r.Size, h.Size())
}

func TestCloseAppendsSentinelWhenLastByteIsNull(t *testing.T) {
	h := openTemp(t)
	r, err := h.Append([]byte{1, 2, 3, 0})
	require.NoError(t, err)
	// records are stored compressed, so the payload's trailing 0 is not
	// the file's last byte; growing by one byte makes the last byte \0
	require.NoError(t, h.Resize(r.Offset+r.Size+1))
	sizeBefore := h.Size()
	require.NoError(t, h.Close())
	require.Greater(t, h.Size(), sizeBefore)
}

func TestRandomRecordsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h := openTemp(t)

	var records []Record
	var payloads [][]byte
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(500)
		buf := make([]byte, n)
		rng.Read(buf)
		r, err := h.Append(buf)
		require.NoError(t, err)
		records = append(records, r)
		payloads = append(payloads, buf)
	}

	for i, r := range records {
		got, err := h.Get(r)
		require.NoError(t, err)
		require.Equal(t, payloads[i], got)
	}
}
