// Package chunks implements the content model of a local file: a list of
// clean block chunks overlaid, in write order, by dirty chunks.
//
// The functions here only plan. They never touch stored data; callers load
// chunk bytes through the loader they pass to Materialize.
package chunks

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/types"
)

// ErrOffsetOverflow is returned for a write whose end does not fit in a
// file size.
var ErrOffsetOverflow = errors.New("write end overflows the file size")

// DefaultBlocksize is the target size of reshaped blocks.
const DefaultBlocksize = 512 * 1024

// Segment is a byte range of the file served by one chunk. Chunk is nil for
// ranges that read as zeros.
type Segment struct {
	Start uint64
	Stop  uint64
	Chunk *manifest.Chunk
}

func (s Segment) size() uint64 { return s.Stop - s.Start }

// Project resolves the overlay of f over [0, f.Size): the latest dirty
// chunk containing a byte wins, then the clean chunk containing it, then
// zero. Adjacent segments never share a chunk and a range.
func Project(f *manifest.LocalFile) []Segment {
	var segs []Segment
	for i := range f.Blocks {
		c := f.Blocks[i]
		segs = overlay(segs, c)
	}
	for i := range f.DirtyBlocks {
		segs = overlay(segs, f.DirtyBlocks[i])
	}
	return fill(clip(segs, f.Size), f.Size)
}

// overlay inserts c on top of segs, which are sorted and non-overlapping.
func overlay(segs []Segment, c manifest.Chunk) []Segment {
	if c.Start >= c.Stop {
		return segs
	}
	chunk := c
	out := make([]Segment, 0, len(segs)+2)
	inserted := false
	for _, s := range segs {
		if s.Stop <= c.Start || s.Start >= c.Stop {
			if !inserted && s.Start >= c.Stop {
				out = append(out, Segment{Start: c.Start, Stop: c.Stop, Chunk: &chunk})
				inserted = true
			}
			out = append(out, s)
			continue
		}
		if s.Start < c.Start {
			out = append(out, Segment{Start: s.Start, Stop: c.Start, Chunk: s.Chunk})
		}
		if !inserted {
			out = append(out, Segment{Start: c.Start, Stop: c.Stop, Chunk: &chunk})
			inserted = true
		}
		if s.Stop > c.Stop {
			out = append(out, Segment{Start: c.Stop, Stop: s.Stop, Chunk: s.Chunk})
		}
	}
	if !inserted {
		out = append(out, Segment{Start: c.Start, Stop: c.Stop, Chunk: &chunk})
	}
	return out
}

func clip(segs []Segment, size uint64) []Segment {
	out := segs[:0]
	for _, s := range segs {
		if s.Start >= size {
			break
		}
		s.Stop = min(s.Stop, size)
		out = append(out, s)
	}
	return out
}

// fill inserts zero segments in the gaps of segs up to size.
func fill(segs []Segment, size uint64) []Segment {
	out := make([]Segment, 0, len(segs))
	var cursor uint64
	for _, s := range segs {
		if s.Start > cursor {
			out = append(out, Segment{Start: cursor, Stop: s.Start})
		}
		out = append(out, s)
		cursor = s.Stop
	}
	if cursor < size {
		out = append(out, Segment{Start: cursor, Stop: size})
	}
	return out
}

// Range returns the segments serving [offset, offset+size), clamped to the
// file size.
func Range(f *manifest.LocalFile, offset, size uint64) []Segment {
	if offset >= f.Size || size == 0 {
		return nil
	}
	stop := min(offset+size, f.Size)
	var out []Segment
	for _, s := range Project(f) {
		if s.Stop <= offset || s.Start >= stop {
			continue
		}
		s.Start = max(s.Start, offset)
		s.Stop = min(s.Stop, stop)
		out = append(out, s)
	}
	return out
}

// Loader returns the raw bytes of a chunk, covering [RawOffset,
// RawOffset+RawSize).
type Loader func(c manifest.Chunk) ([]byte, error)

// Materialize concatenates the bytes of segs. Zero segments are filled with
// zeros.
func Materialize(segs []Segment, load Loader) ([]byte, error) {
	var total uint64
	for _, s := range segs {
		total += s.size()
	}
	out := make([]byte, 0, total)
	for _, s := range segs {
		if s.Chunk == nil {
			out = append(out, make([]byte, s.size())...)
			continue
		}
		raw, err := load(*s.Chunk)
		if err != nil {
			return nil, err
		}
		lo, hi := s.Start-s.Chunk.RawOffset, s.Stop-s.Chunk.RawOffset
		if hi > uint64(len(raw)) {
			return nil, fmt.Errorf("chunk %s holds %d bytes, need %d", s.Chunk.ID, len(raw), hi)
		}
		out = append(out, raw[lo:hi]...)
	}
	return out, nil
}

// Write records a write of n bytes at offset and returns the new dirty
// chunk. The caller stores the data under the chunk id.
func Write(f *manifest.LocalFile, offset, n uint64) (manifest.Chunk, error) {
	if offset > math.MaxUint64-n {
		return manifest.Chunk{}, fmt.Errorf("%w: %d bytes at offset %d", ErrOffsetOverflow, n, offset)
	}
	c := manifest.NewDirtyChunk(offset, n)
	f.DirtyBlocks = append(f.DirtyBlocks, c)
	f.Size = max(f.Size, offset+n)
	return c, nil
}

// Truncate resizes f. Chunks beyond size are dropped and straddling ones
// sliced. It returns the ids no chunk of f references anymore.
func Truncate(f *manifest.LocalFile, size uint64) []types.BlockID {
	before := referenced(f)
	f.Blocks = cut(f.Blocks, size)
	f.DirtyBlocks = cut(f.DirtyBlocks, size)
	f.Size = size
	return unreferenced(before, f)
}

func cut(chunks []manifest.Chunk, size uint64) []manifest.Chunk {
	var out []manifest.Chunk
	for _, c := range chunks {
		if c.Start >= size {
			continue
		}
		c.Stop = min(c.Stop, size)
		out = append(out, c)
	}
	return out
}

func referenced(f *manifest.LocalFile) map[types.BlockID]struct{} {
	ids := make(map[types.BlockID]struct{}, len(f.Blocks)+len(f.DirtyBlocks))
	for _, c := range f.Blocks {
		ids[c.ID] = struct{}{}
	}
	for _, c := range f.DirtyBlocks {
		ids[c.ID] = struct{}{}
	}
	return ids
}

func unreferenced(before map[types.BlockID]struct{}, f *manifest.LocalFile) []types.BlockID {
	after := referenced(f)
	var out []types.BlockID
	for id := range before {
		if _, ok := after[id]; !ok {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, func(a, b types.BlockID) int {
		return slices.Compare(a[:], b[:])
	})
	return out
}
