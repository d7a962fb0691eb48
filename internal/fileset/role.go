package fileset

import (
	"path"
	"strings"
)

// Role is derived from a file's path, never stored.
type Role string

const (
	RoleEntry     Role = "entry-component"
	RoleBootstrap Role = "bootstrap"
	RoleOrdinary  Role = "ordinary"
)

const (
	// EntryName is the base name of the root UI component.
	EntryName = "App"
	// BootstrapName is the base name of the file mounting EntryName into the page.
	BootstrapName = "index"
	// RootElementID is the DOM id the bootstrap mounts into.
	RootElementID = "root"

	DefaultEntryPath     = "/App.jsx"
	DefaultBootstrapPath = "/index.js"
)

// Only script files take part in entry/bootstrap classification, so App.css and
// public/index.html stay ordinary.
var scriptExts = map[string]bool{".js": true, ".jsx": true, ".ts": true, ".tsx": true}

var (
	entryPriority     = []string{".jsx", ".tsx", ".js", ".ts"}
	bootstrapPriority = []string{".js", ".jsx", ".tsx", ".ts"}
)

// NormalizePath returns p with exactly one leading separator and no duplicate
// separators. An empty or all-separator path normalizes to "".
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if strings.Trim(p, "/") == "" {
		return ""
	}
	return path.Clean("/" + p)
}

// Classify derives the role of the file at p.
func Classify(p string) Role {
	base := path.Base(p)
	ext := path.Ext(base)
	if !scriptExts[strings.ToLower(ext)] {
		return RoleOrdinary
	}
	name := strings.TrimSuffix(base, ext)
	switch {
	case strings.EqualFold(name, EntryName):
		return RoleEntry
	case strings.EqualFold(name, BootstrapName):
		return RoleBootstrap
	default:
		return RoleOrdinary
	}
}

// ImportPath is the relative module specifier a bootstrap at the root uses to
// import the file at p: extension stripped, "." prefixed.
func ImportPath(p string) string {
	return "." + strings.TrimSuffix(p, path.Ext(p))
}

// pick returns the first path whose extension ranks highest in priority.
// Ties keep the order of paths.
func pick(paths []string, priority []string) string {
	for _, ext := range priority {
		for _, p := range paths {
			if strings.EqualFold(path.Ext(p), ext) {
				return p
			}
		}
	}
	if len(paths) > 0 {
		return paths[0]
	}
	return ""
}
