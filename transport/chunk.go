package transport

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"
)

// Split cuts data into chunks of at most maxSize bytes sharing a fresh
// message id. Empty data yields a single empty chunk.
func Split(data []byte, maxSize int) []Chunk {
	if maxSize <= 0 {
		maxSize = len(data)
	}
	count := (len(data) + maxSize - 1) / maxSize
	if count == 0 {
		count = 1
	}
	id := uuid.NewString()
	out := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * maxSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, Chunk{
			MessageId: id,
			Index:     int64(i),
			Count:     int64(count),
			Data:      data[i*maxSize : end],
		})
	}
	return out
}

type partial struct {
	count int64
	parts map[int64][]byte
}

// Reassembler collects chunks by message id. Incomplete messages are evicted
// least-recently-used once the cache is full.
type Reassembler struct {
	lk      sync.Mutex
	pending *lru.Cache[string, *partial]
}

func NewReassembler(size int) (*Reassembler, error) {
	c, err := lru.New[string, *partial](size)
	if err != nil {
		return nil, err
	}
	return &Reassembler{pending: c}, nil
}

// Add records c and returns the reassembled message once every index of it
// has been seen. Chunks may arrive in any order; duplicates are ignored.
func (r *Reassembler) Add(c Chunk) ([]byte, bool, error) {
	if c.Count <= 0 || c.Index < 0 || c.Index >= c.Count {
		return nil, false, xerrors.Errorf("%w: index %d of %d", ErrBadChunk, c.Index, c.Count)
	}
	if c.Count == 1 {
		return c.Data, true, nil
	}

	r.lk.Lock()
	defer r.lk.Unlock()

	p, ok := r.pending.Get(c.MessageId)
	if !ok {
		p = &partial{count: c.Count, parts: map[int64][]byte{}}
		r.pending.Add(c.MessageId, p)
	}
	if p.count != c.Count {
		return nil, false, xerrors.Errorf("%w: count changed from %d to %d", ErrBadChunk, p.count, c.Count)
	}
	p.parts[c.Index] = c.Data
	if int64(len(p.parts)) < p.count {
		return nil, false, nil
	}

	r.pending.Remove(c.MessageId)
	var out []byte
	for i := int64(0); i < p.count; i++ {
		out = append(out, p.parts[i]...)
	}
	return out, true, nil
}

func encodeChunk(c Chunk) ([]byte, error) {
	return cbor.DumpObject(c)
}

func decodeChunk(b []byte) (Chunk, error) {
	var c Chunk
	if err := cbor.DecodeInto(b, &c); err != nil {
		return Chunk{}, xerrors.Errorf("%w: %s", ErrBadChunk, err)
	}
	return c, nil
}
