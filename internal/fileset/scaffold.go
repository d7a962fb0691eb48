package fileset

const placeholderEntrySource = `import React from 'react';

export default function App() {
  return (
    <div className="App">
      <h1>Hello, React!</h1>
    </div>
  );
}`

const fallbackEntrySource = `import React from 'react';

export default function App() {
  return (
    <div className="App">
      <h1>Hello from React!</h1>
      <p>AI couldn't generate proper code. This is a fallback.</p>
    </div>
  );
}`

// Dependencies is the package manifest the preview runtime installs for every project.
var Dependencies = map[string]string{
	"react":            "^18.2.0",
	"react-dom":        "^18.2.0",
	"lucide-react":     "^0.284.0",
	"react-router-dom": "^6.16.0",
	"tailwindcss":      "^3.3.3",
	"postcss":          "^8.4.31",
	"autoprefixer":     "^10.4.16",
}

var scaffoldEntries = []Entry{
	{Path: "/public/index.html", Content: `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Document</title>
  </head>
  <body>
    <div id="root"></div>
  </body>
</html>`},
	{Path: "/index.css", Content: `@tailwind base;
@tailwind components;
@tailwind utilities;`},
	{Path: "/tailwind.config.js", Content: `/** @type {import('tailwindcss').Config} */
module.exports = {
  content: [
    "./**/*.{js,jsx,ts,tsx}"
  ],
  theme: {
    extend: {}
  },
  plugins: []
};`},
	{Path: "/postcss.config.js", Content: `/** @type {import('postcss').Config} */
module.exports = {
  plugins: {
    tailwindcss: {},
    autoprefixer: {}
  }
};`},
}

// Scaffold is the project a workspace shows before its first generation cycle.
func Scaffold() FileSet {
	return EnsureEntryPoint(New(scaffoldEntries...))
}

// Fallback is the single-file project substituted for an artifact without files.
func Fallback() FileSet {
	return New(Entry{Path: DefaultEntryPath, Content: fallbackEntrySource})
}

// WithSupportFiles returns fs followed by every scaffold file it lacks. The
// preview runtime needs the page shell and styling config even when a cycle
// did not resend them; all of them are ordinary so the entry invariants hold.
func WithSupportFiles(fs FileSet) FileSet {
	b := fs.toBuilder()
	for _, e := range scaffoldEntries {
		if _, ok := fs.Get(e.Path); !ok {
			b.set(e.Path, e.Content)
		}
	}
	return b.build()
}
