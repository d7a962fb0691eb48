package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// InvalidFileContent replaces a file value that is neither a string nor a {"code": ...} wrapper.
const InvalidFileContent = "// Invalid file content"

// Stage names the extraction strategy that produced an artifact.
type Stage string

const (
	StageFence    Stage = "fence"
	StageBalanced Stage = "balanced"
	StageGreedy   Stage = "greedy"
	StageWhole    Stage = "whole"
)

// File is one generated file with its content already resolved to text.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Artifact is the structured result of one model response.
type Artifact struct {
	Title          string   `json:"title,omitempty"`
	Explanation    string   `json:"explanation,omitempty"`
	Files          []File   `json:"files"`
	GeneratedFiles []string `json:"generatedFiles,omitempty"`
	RawText        string   `json:"rawText"`
	Stage          Stage    `json:"stage"`
}

// Degenerate reports whether the artifact parsed but carries no files.
func (a *Artifact) Degenerate() bool {
	return len(a.Files) == 0
}

// ExtractionFailure is returned when no strategy recovers an artifact.
// RawText is the model output exactly as received.
type ExtractionFailure struct {
	RawText    string
	Candidates int
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("no structured artifact in model output (%d candidates tried, %d bytes)", e.Candidates, len(e.RawText))
}

// payload mirrors the JSON document the model is asked to produce. Every
// field is held raw so a wrongly typed optional field degrades instead of
// rejecting the whole candidate.
type payload struct {
	ProjectTitle   json.RawMessage `json:"projectTitle"`
	Title          json.RawMessage `json:"title"`
	Explanation    json.RawMessage `json:"explanation"`
	Files          json.RawMessage `json:"files"`
	GeneratedFiles json.RawMessage `json:"generatedFiles"`
}

// parse decodes one candidate. Only a JSON object is accepted as an artifact.
func parse(candidate string) (*Artifact, error) {
	trimmed := bytes.TrimSpace([]byte(candidate))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("candidate is not a JSON object")
	}

	var p payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}

	files, err := decodeFiles(p.Files)
	if err != nil {
		return nil, err
	}

	title := asString(p.ProjectTitle)
	if title == "" {
		title = asString(p.Title)
	}

	return &Artifact{
		Title:          title,
		Explanation:    asString(p.Explanation),
		Files:          files,
		GeneratedFiles: asStrings(p.GeneratedFiles),
	}, nil
}

// decodeFiles reads the files object in document order. A missing, null or
// non-object value yields no files.
func decodeFiles(raw json.RawMessage) ([]File, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil
	}

	om := orderedmap.New[string, json.RawMessage]()
	if err := om.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}

	files := make([]File, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		files = append(files, File{Path: unescapeKey(pair.Key), Content: fileContent(pair.Value)})
	}
	return files, nil
}

// fileContent resolves the two accepted shapes of a file value.
func fileContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var wrapped struct {
		Code *string `json:"code"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Code != nil {
		return *wrapped.Code
	}
	return InvalidFileContent
}

// unescapeKey decodes JSON escapes left in an object key, such as "\/".
func unescapeKey(k string) string {
	if !strings.Contains(k, `\`) {
		return k
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+k+`"`), &out); err != nil {
		return k
	}
	return out
}

func asString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func asStrings(raw json.RawMessage) []string {
	var out []string
	if len(raw) == 0 || json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}
