package fileset

import "fmt"

// EnsureEntryPoint fills the gaps that keep a project from mounting.
//
// An entry component without a bootstrap gets a synthesized /index.js that
// imports it; a set with neither gets the placeholder component and its
// bootstrap. An existing bootstrap is never rewritten, even if it imports a
// path that no longer exists.
func EnsureEntryPoint(fs FileSet) FileSet {
	entries, bootstraps := fs.byRole()
	if len(bootstraps) > 0 {
		return fs
	}

	b := fs.toBuilder()
	if len(entries) == 0 {
		b.set(DefaultEntryPath, placeholderEntrySource)
		b.set(DefaultBootstrapPath, BootstrapSource(ImportPath(DefaultEntryPath)))
		return b.build()
	}

	entry := pick(entries, entryPriority)
	b.set(DefaultBootstrapPath, BootstrapSource(ImportPath(entry)))
	return b.build()
}

// BootstrapSource renders a bootstrap mounting the component at importPath
// into the RootElementID element.
func BootstrapSource(importPath string) string {
	return fmt.Sprintf(`import React from 'react';
import ReactDOM from 'react-dom/client';
import App from '%s';

ReactDOM.createRoot(document.getElementById('%s')).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>
);`, importPath, RootElementID)
}

// ActiveFile picks the file the editor should focus: the entry component by
// extension priority, else the first bootstrap, else the first path.
func ActiveFile(fs FileSet) string {
	entries, bootstraps := fs.byRole()
	if len(entries) > 0 {
		return pick(entries, entryPriority)
	}
	if len(bootstraps) > 0 {
		return bootstraps[0]
	}
	if paths := fs.Paths(); len(paths) > 0 {
		return paths[0]
	}
	return ""
}

// BootstrapPath returns the bootstrap the runtime should start from, or "".
func BootstrapPath(fs FileSet) string {
	_, bootstraps := fs.byRole()
	return pick(bootstraps, bootstrapPriority)
}
