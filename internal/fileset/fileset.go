// Package fileset models a generated project as an ordered, path-keyed set of
// files and keeps it coherent across generation cycles.
//
// A FileSet is immutable once built: Normalize and EnsureEntryPoint always
// return a new value, so a published FileSet can be read concurrently while the
// next one is computed.
package fileset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// VirtualFile is one file of a FileSet with its derived role.
type VirtualFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Role    Role   `json:"role"`
}

// Entry is a raw path/content pair as it arrives from outside the package.
type Entry struct {
	Path    string
	Content string
}

// FileSet maps normalized paths to contents, keeping insertion order.
// The zero value is an empty set.
type FileSet struct {
	files *orderedmap.OrderedMap[string, string]
}

// New builds a FileSet from entries. Paths are normalized and entries with an
// empty path are dropped; a repeated path keeps its first position and the last content.
func New(entries ...Entry) FileSet {
	b := newBuilder(len(entries))
	for _, e := range entries {
		b.set(e.Path, e.Content)
	}
	return b.build()
}

// FromMap builds a FileSet from an unordered map, ordering paths lexically.
func FromMap(m map[string]string) FileSet {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	b := newBuilder(len(paths))
	for _, p := range paths {
		b.set(p, m[p])
	}
	return b.build()
}

// Len reports the number of files.
func (fs FileSet) Len() int {
	if fs.files == nil {
		return 0
	}
	return fs.files.Len()
}

// Get returns the file at p; p is normalized first.
func (fs FileSet) Get(p string) (VirtualFile, bool) {
	if fs.files == nil {
		return VirtualFile{}, false
	}
	p = NormalizePath(p)
	content, ok := fs.files.Get(p)
	if !ok {
		return VirtualFile{}, false
	}
	return VirtualFile{Path: p, Content: content, Role: Classify(p)}, true
}

// Files returns every file in insertion order.
func (fs FileSet) Files() []VirtualFile {
	out := make([]VirtualFile, 0, fs.Len())
	if fs.files == nil {
		return out
	}
	for pair := fs.files.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, VirtualFile{Path: pair.Key, Content: pair.Value, Role: Classify(pair.Key)})
	}
	return out
}

// Paths returns every path in insertion order.
func (fs FileSet) Paths() []string {
	out := make([]string, 0, fs.Len())
	if fs.files == nil {
		return out
	}
	for pair := fs.files.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Map returns an unordered path→content copy, the shape the preview runtime consumes.
func (fs FileSet) Map() map[string]string {
	out := make(map[string]string, fs.Len())
	for _, f := range fs.Files() {
		out[f.Path] = f.Content
	}
	return out
}

// Equal reports whether both sets hold the same files in the same order.
func (fs FileSet) Equal(other FileSet) bool {
	a, b := fs.Files(), other.Files()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || a[i].Content != b[i].Content {
			return false
		}
	}
	return true
}

// byRole splits paths by role, preserving order.
func (fs FileSet) byRole() (entries, bootstraps []string) {
	for _, p := range fs.Paths() {
		switch Classify(p) {
		case RoleEntry:
			entries = append(entries, p)
		case RoleBootstrap:
			bootstraps = append(bootstraps, p)
		}
	}
	return entries, bootstraps
}

// MarshalJSON encodes the set as a JSON object in insertion order.
func (fs FileSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fs.Files() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalNoEscape(f.Path)
		if err != nil {
			return nil, err
		}
		val, err := marshalNoEscape(f.Content)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a path→content object, keeping document order.
func (fs *FileSet) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*fs = FileSet{}
		return nil
	}
	om := orderedmap.New[string, string]()
	if err := om.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decode file set: %w", err)
	}
	b := newBuilder(om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		b.set(pair.Key, pair.Value)
	}
	*fs = b.build()
	return nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// builder is the only mutable view of a file map; it never escapes the package.
type builder struct {
	files *orderedmap.OrderedMap[string, string]
}

func newBuilder(capacity int) *builder {
	return &builder{files: orderedmap.New[string, string](capacity)}
}

func (fs FileSet) toBuilder() *builder {
	b := newBuilder(fs.Len())
	for _, f := range fs.Files() {
		b.files.Set(f.Path, f.Content)
	}
	return b
}

func (b *builder) set(p, content string) {
	p = NormalizePath(p)
	if p == "" {
		return
	}
	b.files.Set(p, content)
}

func (b *builder) build() FileSet {
	return FileSet{files: b.files}
}
