package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/kiln/internal/extractor"
	"github.com/MikeSquared-Agency/kiln/internal/fileset"
)

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract [file]",
		Short: "Extract the structured artifact from raw model output",
		Long:  `Reads model output from file, or stdin when no file is given, and prints the recovered artifact.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			artifact, err := extract(raw)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), artifact)
		},
	}
}

type mergeResult struct {
	Outcome      string            `json:"outcome"`
	Files        fileset.FileSet   `json:"files"`
	ActiveFile   string            `json:"activeFile"`
	Entry        string            `json:"entry"`
	Dependencies map[string]string `json:"dependencies"`
}

func newMergeCmd() *cobra.Command {
	var existingPath string
	cmd := &cobra.Command{
		Use:   "merge [file]",
		Short: "Reconcile model output against an existing file set",
		Long: `Extracts the artifact from model output, merges it into the file set read
from --existing and prints the file set a cycle would publish.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var existing fileset.FileSet
			if existingPath != "" {
				data, err := os.ReadFile(existingPath)
				if err != nil {
					return fmt.Errorf("read existing: %w", err)
				}
				existing, err = decodeFileSet(data)
				if err != nil {
					return err
				}
			}

			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			artifact, err := extract(raw)
			if err != nil {
				return err
			}

			outcome := "published"
			incoming := fileset.New(entries(artifact.Files)...)
			if incoming.Len() == 0 {
				outcome = "degenerate"
				incoming = fileset.Fallback()
			}
			files := fileset.EnsureEntryPoint(fileset.Normalize(incoming, existing))
			return writeJSON(cmd.OutOrStdout(), mergeResult{
				Outcome:      outcome,
				Files:        files,
				ActiveFile:   fileset.ActiveFile(files),
				Entry:        fileset.BootstrapPath(files),
				Dependencies: fileset.Dependencies,
			})
		},
	}
	cmd.Flags().StringVar(&existingPath, "existing", "", "JSON file holding the current file set or a snapshot with a files object")
	return cmd
}

func extract(raw string) (*extractor.Artifact, error) {
	artifact, err := extractor.Extract(raw)
	if err != nil {
		var failure *extractor.ExtractionFailure
		if errors.As(err, &failure) {
			return nil, fmt.Errorf("%w (tried %d candidates)", err, failure.Candidates)
		}
		return nil, err
	}
	return artifact, nil
}

func entries(files []extractor.File) []fileset.Entry {
	out := make([]fileset.Entry, len(files))
	for i, f := range files {
		out[i] = fileset.Entry{Path: f.Path, Content: f.Content}
	}
	return out
}

// decodeFileSet accepts a bare path→content object or any document with a
// files object, such as the output of merge or GET .../files.
func decodeFileSet(data []byte) (fileset.FileSet, error) {
	var wrapped struct {
		Files json.RawMessage `json:"files"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fileset.FileSet{}, fmt.Errorf("decode existing: %w", err)
	}
	doc := data
	if len(wrapped.Files) > 0 && wrapped.Files[0] == '{' {
		doc = wrapped.Files
	}
	var fs fileset.FileSet
	if err := json.Unmarshal(doc, &fs); err != nil {
		return fileset.FileSet{}, fmt.Errorf("decode existing: %w", err)
	}
	return fs, nil
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
