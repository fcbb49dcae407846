package chunks

import (
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/types"
)

// Window is one block of the reshaped file. When Reuse is set the window
// is exactly an existing block and nothing needs to be uploaded; otherwise
// Sources describe the bytes of the new block.
type Window struct {
	Start   uint64
	Stop    uint64
	Reuse   *manifest.BlockAccess
	Sources []Segment
}

// Size is the number of bytes of the window.
func (w Window) Size() uint64 { return w.Stop - w.Start }

// PlanReshape cuts [0, f.Size) into windows of f.Blocksize bytes.
func PlanReshape(f *manifest.LocalFile) []Window {
	bs := f.Blocksize
	if bs == 0 {
		bs = DefaultBlocksize
	}
	segs := Project(f)

	var windows []Window
	for start := uint64(0); start < f.Size; start += bs {
		w := Window{Start: start, Stop: min(start+bs, f.Size)}
		for _, s := range segs {
			if s.Stop <= w.Start || s.Start >= w.Stop {
				continue
			}
			s.Start = max(s.Start, w.Start)
			s.Stop = min(s.Stop, w.Stop)
			w.Sources = append(w.Sources, s)
		}
		if len(w.Sources) == 1 {
			c := w.Sources[0].Chunk
			if c != nil && c.IsWholeBlock() && c.Start == w.Start && c.Stop == w.Stop {
				access := *c.Access
				w.Reuse = &access
			}
		}
		windows = append(windows, w)
	}
	return windows
}

// NeedsUpload reports whether any window requires a new block.
func NeedsUpload(windows []Window) bool {
	for _, w := range windows {
		if w.Reuse == nil {
			return true
		}
	}
	return false
}

// ApplyReshape replaces the content of f by blocks, one per window, and
// returns the ids no chunk of f references anymore.
func ApplyReshape(f *manifest.LocalFile, blocks []manifest.BlockAccess) []types.BlockID {
	before := referenced(f)
	f.Blocks = make([]manifest.Chunk, 0, len(blocks))
	for _, b := range blocks {
		f.Blocks = append(f.Blocks, manifest.ChunkFromBlock(b))
	}
	f.DirtyBlocks = nil
	return unreferenced(before, f)
}
