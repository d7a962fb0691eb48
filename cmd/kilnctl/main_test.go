package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/kiln/internal/extractor"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

const modelOutput = "Here you go:\n```json\n{\"projectTitle\":\"Counter\",\"files\":{\"/App.js\":\"export default () => <b>1</b>;\"}}\n```"

func TestExtract_Stdin(t *testing.T) {
	out, err := run(t, modelOutput, "extract")
	require.NoError(t, err)

	var a extractor.Artifact
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, "Counter", a.Title)
	assert.Equal(t, extractor.StageFence, a.Stage)
	require.Len(t, a.Files, 1)
	assert.Equal(t, "export default () => <b>1</b>;", a.Files[0].Content)
	assert.Contains(t, out, "<b>1</b>", "output is not HTML-escaped")
}

func TestExtract_NoArtifact(t *testing.T) {
	_, err := run(t, "sorry, I cannot help with that", "extract")
	require.Error(t, err)
	var failure *extractor.ExtractionFailure
	assert.ErrorAs(t, err, &failure)
}

func TestMerge_KeepsExistingEntryPath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.json")
	require.NoError(t, os.WriteFile(existing, []byte(`{"version":3,"files":{"/App.jsx":"old","/index.js":"boot","/util.js":"u"}}`), 0o644))
	input := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(input, []byte(modelOutput), 0o644))

	out, err := run(t, "", "merge", "--existing", existing, input)
	require.NoError(t, err)

	var res mergeResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "published", res.Outcome)
	// existing support files are not carried; each cycle resends the project
	assert.Equal(t, []string{"/App.jsx", "/index.js"}, res.Files.Paths())
	app, _ := res.Files.Get("/App.jsx")
	assert.Equal(t, "export default () => <b>1</b>;", app.Content)
	assert.Equal(t, "/App.jsx", res.ActiveFile)
	assert.Equal(t, "/index.js", res.Entry)
}

func TestMerge_DegenerateUsesFallback(t *testing.T) {
	out, err := run(t, `{"projectTitle":"Empty","files":{}}`, "merge")
	require.NoError(t, err)

	var res mergeResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "degenerate", res.Outcome)
	assert.Equal(t, []string{"/App.jsx", "/index.js"}, res.Files.Paths())
}

func TestDecodeFileSet(t *testing.T) {
	bare, err := decodeFileSet([]byte(`{"/b.js":"b","/a.js":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"/b.js", "/a.js"}, bare.Paths())

	// a file literally named "files" is not a wrapper
	named, err := decodeFileSet([]byte(`{"files":"x","/a.js":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, named.Len())

	_, err = decodeFileSet([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestArchive_RequiresEndpoint(t *testing.T) {
	t.Setenv("ARCHIVE_S3_ENDPOINT", "")
	_, err := run(t, "", "archive", "ls", "6f1c2b9e-8f5a-4d3b-9c1e-0a2b3c4d5e6f")
	assert.ErrorContains(t, err, "ARCHIVE_S3_ENDPOINT")

	_, err = run(t, "", "archive", "get", "not-a-uuid", "1")
	assert.ErrorContains(t, err, "invalid workspace id")
}
