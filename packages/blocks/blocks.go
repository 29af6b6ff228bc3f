// Package blocks splits Python source files into hashable units for
// dependency tracking: one import block, merged runs of loose top-level
// statements, and one block per function, class header, and method.
package blocks

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/JasonLovesDoggo/taut/packages/core/pysrc"
)

// Kind classifies a block.
type Kind int

const (
	KindFunction Kind = iota
	KindMethod
	KindClass
	KindTopLevel
	KindImport
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindMethod:
		return "method"
	case KindClass:
		return "class"
	case KindTopLevel:
		return "toplevel"
	case KindImport:
		return "import"
	}
	return "unknown"
}

// Ref is the stable identity of a block across edits.
type Ref struct {
	File string `json:"file"`
	Name string `json:"name"`
}

// Key returns the flat map key used by the dependency database.
func (r Ref) Key() string {
	return r.File + "::" + r.Name
}

// ParseKey splits a key produced by Ref.Key.
func ParseKey(key string) (Ref, bool) {
	idx := strings.LastIndex(key, "::")
	if idx < 0 {
		return Ref{}, false
	}
	return Ref{File: key[:idx], Name: key[idx+2:]}, true
}

// Block is one syntactic unit with its current content hash.
type Block struct {
	Ref   Ref
	Kind  Kind
	Start int
	End   int
	Hash  string
}

// FileBlocks holds every block of one file plus a line lookup.
type FileBlocks struct {
	File   string
	Blocks []Block

	lineIdx map[int]int
}

// maximum line gap between loose top-level statements merged into one block
const topLevelMergeGap = 2

// FromModule extracts the blocks of a scanned module. rel is the file path
// relative to the project root, used for every Ref.
func FromModule(rel string, mod *pysrc.Module) *FileBlocks {
	fb := &FileBlocks{File: rel}

	fb.extractImports(mod)
	fb.extractTopLevel(mod)
	fb.extractDefs(mod)

	fb.lineIdx = make(map[int]int)
	for idx, b := range fb.Blocks {
		for line := b.Start; line <= b.End; line++ {
			fb.lineIdx[line] = idx
		}
	}
	return fb
}

// ForLine returns the block containing a 1-based line, if any.
func (fb *FileBlocks) ForLine(line int) (*Block, bool) {
	idx, ok := fb.lineIdx[line]
	if !ok {
		return nil, false
	}
	return &fb.Blocks[idx], true
}

// ByName returns the block with the given qualified name.
func (fb *FileBlocks) ByName(name string) (*Block, bool) {
	for i := range fb.Blocks {
		if fb.Blocks[i].Ref.Name == name {
			return &fb.Blocks[i], true
		}
	}
	return nil, false
}

// ModuleLevel returns the import and top-level blocks, the units executed
// when the file is imported.
func (fb *FileBlocks) ModuleLevel() []Block {
	var out []Block
	for _, b := range fb.Blocks {
		if b.Kind == KindImport || b.Kind == KindTopLevel {
			out = append(out, b)
		}
	}
	return out
}

func (fb *FileBlocks) extractImports(mod *pysrc.Module) {
	minLine, maxLine := 0, 0
	for _, stmt := range mod.Stmts {
		if stmt.Kind != pysrc.StmtImport {
			continue
		}
		if minLine == 0 || stmt.Start < minLine {
			minLine = stmt.Start
		}
		if stmt.End > maxLine {
			maxLine = stmt.End
		}
	}
	if minLine == 0 {
		return
	}
	fb.add(KindImport, "<imports>", minLine, maxLine, mod)
}

func (fb *FileBlocks) extractTopLevel(mod *pysrc.Module) {
	type span struct{ start, end int }
	var spans []span
	for _, stmt := range mod.Stmts {
		if stmt.Kind == pysrc.StmtOther {
			spans = append(spans, span{stmt.Start, stmt.End})
		}
	}
	if len(spans) == 0 {
		return
	}

	num := 0
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.start <= cur.end+topLevelMergeGap {
			cur.end = s.end
			continue
		}
		fb.add(KindTopLevel, fmt.Sprintf("<toplevel_%d>", num), cur.start, cur.end, mod)
		num++
		cur = s
	}
	fb.add(KindTopLevel, fmt.Sprintf("<toplevel_%d>", num), cur.start, cur.end, mod)
}

func (fb *FileBlocks) extractDefs(mod *pysrc.Module) {
	for _, stmt := range mod.Stmts {
		switch stmt.Kind {
		case pysrc.StmtFunc:
			fn := stmt.Func
			fb.add(KindFunction, fn.Name, fn.Start, fn.End, mod)
		case pysrc.StmtClass:
			cls := stmt.Class
			// The class header hashes separately from its methods so an
			// edit to one method does not invalidate the others.
			fb.add(KindClass, cls.Name, cls.Start, cls.HeaderEnd, mod)
			for _, m := range cls.Methods {
				fb.add(KindMethod, cls.Name+"."+m.Name, m.Start, m.End, mod)
			}
		}
	}
}

func (fb *FileBlocks) add(kind Kind, name string, start, end int, mod *pysrc.Module) {
	fb.Blocks = append(fb.Blocks, Block{
		Ref:   Ref{File: fb.File, Name: name},
		Kind:  kind,
		Start: start,
		End:   end,
		Hash:  Checksum(extractLines(mod.Lines, start, end)),
	})
}

// Checksum hashes block source after normalization: lines are trimmed,
// blank lines and comment lines dropped. Reformatting or commenting a block
// does not invalidate it; any code change does.
func Checksum(source string) string {
	var kept []string
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, trimmed)
	}
	sum := xxhash.Sum64String(strings.Join(kept, "\n"))
	return fmt.Sprintf("%016x", sum)
}

func extractLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// Index aggregates the blocks of many files, keyed by relative path.
type Index struct {
	files map[string]*FileBlocks
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{files: make(map[string]*FileBlocks)}
}

// Add registers (or replaces) a file's blocks.
func (ix *Index) Add(fb *FileBlocks) {
	ix.files[fb.File] = fb
}

// File returns the blocks of one file.
func (ix *Index) File(rel string) (*FileBlocks, bool) {
	fb, ok := ix.files[rel]
	return fb, ok
}

// Files returns all indexed file paths.
func (ix *Index) Files() []string {
	out := make([]string, 0, len(ix.files))
	for f := range ix.files {
		out = append(out, f)
	}
	return out
}

// Resolve maps a BlockRef to its current block.
func (ix *Index) Resolve(ref Ref) (*Block, bool) {
	fb, ok := ix.files[ref.File]
	if !ok {
		return nil, false
	}
	return fb.ByName(ref.Name)
}

// ResolveLine maps (file, line) to the containing block.
func (ix *Index) ResolveLine(rel string, line int) (*Block, bool) {
	fb, ok := ix.files[rel]
	if !ok {
		return nil, false
	}
	return fb.ForLine(line)
}
