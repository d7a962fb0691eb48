package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/kiln/internal/archive"
	"github.com/MikeSquared-Agency/kiln/internal/config"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read snapshots from the object-storage archive",
		Long:  `Uses the ARCHIVE_S3_* settings the server reads.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls <workspace-id>",
		Short: "List archived versions of a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid workspace id: %w", err)
			}
			arc, err := openArchive()
			if err != nil {
				return err
			}
			versions, err := arc.Versions(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("list versions: %w", err)
			}
			for _, v := range versions {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "get <workspace-id> <version>",
		Short: "Print one archived cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid workspace id: %w", err)
			}
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 0 {
				return fmt.Errorf("invalid version %q", args[1])
			}
			arc, err := openArchive()
			if err != nil {
				return err
			}
			cycle, err := arc.Get(cmd.Context(), id, version)
			if err != nil {
				return fmt.Errorf("get version %d: %w", version, err)
			}
			return writeJSON(cmd.OutOrStdout(), cycle)
		},
	})
	return cmd
}

func openArchive() (*archive.S3Archive, error) {
	cfg := config.Load().Archive
	if !cfg.Enabled() {
		return nil, fmt.Errorf("ARCHIVE_S3_ENDPOINT is not set")
	}
	return archive.New(archive.Config{
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
