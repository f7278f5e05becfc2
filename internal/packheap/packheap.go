// Package packheap implements the append-only, memory-mappable byte heap
// that backs feature packs (spec.md C6). The heap is
// opaque to record contents: every record is LZ4-frame compressed on
// insertion and decompressed on read.
package packheap

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// sentinel is appended when the file's last byte would otherwise be \0,
// so a crash-truncated file can be told apart from a clean one on reopen.
const sentinel = 0xFF

// Record is an (offset, size) pair into the heap. size is the compressed
// length on disk, not the decompressed payload length.
type Record struct {
	Offset int64
	Size   int64
}

// Heap is a single memory-mappable file of compressed records.
type Heap struct {
	mu   sync.RWMutex
	f    *os.File
	size int64
}

// Open opens or creates the heap file at path.
func Open(path string) (*Heap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("packheap: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("packheap: stat %s: %w", path, err)
	}
	return &Heap{f: f, size: st.Size()}, nil
}

// Size returns the current length of the heap file in bytes.
func (h *Heap) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Append compresses bytes and places them at the current end of the heap.
func (h *Heap) Append(data []byte) (Record, error) {
	compressed, err := compress(data)
	if err != nil {
		return Record{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	offset := h.size
	if _, err := h.f.WriteAt(compressed, offset); err != nil {
		return Record{}, fmt.Errorf("packheap: append: %w", err)
	}
	h.size = offset + int64(len(compressed))
	return Record{Offset: offset, Size: int64(len(compressed))}, nil
}

// Insert compresses bytes and writes them at offset, growing the heap if
// the write extends past the current size.
func (h *Heap) Insert(offset int64, data []byte) (Record, error) {
	compressed, err := compress(data)
	if err != nil {
		return Record{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.f.WriteAt(compressed, offset); err != nil {
		return Record{}, fmt.Errorf("packheap: insert: %w", err)
	}
	if end := offset + int64(len(compressed)); end > h.size {
		h.size = end
	}
	return Record{Offset: offset, Size: int64(len(compressed))}, nil
}

// Move relocates the compressed bytes of from to targetOffset, correct
// even when the source and destination ranges overlap.
func (h *Heap) Move(targetOffset int64, from Record) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, from.Size)
	if _, err := h.f.ReadAt(buf, from.Offset); err != nil {
		return Record{}, fmt.Errorf("packheap: move: read source: %w", err)
	}
	if _, err := h.f.WriteAt(buf, targetOffset); err != nil {
		return Record{}, fmt.Errorf("packheap: move: write target: %w", err)
	}
	if end := targetOffset + from.Size; end > h.size {
		h.size = end
	}
	return Record{Offset: targetOffset, Size: from.Size}, nil
}

// Get decompresses and returns a copy of the record's payload.
func (h *Heap) Get(r Record) ([]byte, error) {
	h.mu.RLock()
	buf := make([]byte, r.Size)
	_, err := h.f.ReadAt(buf, r.Offset)
	h.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("packheap: get: read: %w", err)
	}
	return decompress(buf)
}

// Resize truncates or grows the heap to n bytes. Callers must guarantee
// truncation does not destroy a live record.
func (h *Heap) Resize(n int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.f.Truncate(n); err != nil {
		return fmt.Errorf("packheap: resize: %w", err)
	}
	h.size = n
	return nil
}

// Close appends the trailing non-null sentinel if needed and closes the
// underlying file.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size > 0 {
		var last [1]byte
		if _, err := h.f.ReadAt(last[:], h.size-1); err != nil {
			return fmt.Errorf("packheap: close: read last byte: %w", err)
		}
		if last[0] == 0 {
			if _, err := h.f.WriteAt([]byte{sentinel}, h.size); err != nil {
				return fmt.Errorf("packheap: close: write sentinel: %w", err)
			}
			h.size++
		}
	}
	return h.f.Close()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("packheap: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("packheap: compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("packheap: decompress: %w", err)
	}
	return out, nil
}
