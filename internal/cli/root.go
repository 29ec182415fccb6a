// Package cli holds the parsemdctl admin commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/spf13/cobra"
)

type Records interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, status models.Status, limit int) ([]models.Job, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type Entries interface {
	List(ctx context.Context, state models.EntryState, limit int) ([]models.QueueEntry, error)
	Inspect(ctx context.Context, jobID string) (*models.QueueEntry, error)
	PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Backend is everything the commands touch. It is opened once per
// invocation, after flags are parsed.
type Backend struct {
	Migrate       func(ctx context.Context) error
	SchemaVersion func(ctx context.Context) (int64, error)
	Records       Records
	Entries       Entries
	Retention     time.Duration
	Close         func() error
}

type Opener func(ctx context.Context) (*Backend, error)

type state struct {
	open    Opener
	backend *Backend
	asJSON  bool
}

func (s *state) get(ctx context.Context) (*Backend, error) {
	if s.backend != nil {
		return s.backend, nil
	}
	b, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	s.backend = b
	return b, nil
}

func NewRootCmd(open Opener) *cobra.Command {
	s := &state{open: open}

	root := &cobra.Command{
		Use:           "parsemdctl",
		Short:         "Administer the parsemd job store and queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if s.backend != nil && s.backend.Close != nil {
				return s.backend.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&s.asJSON, "json", false, "print JSON instead of a table")

	root.AddCommand(
		migrateCmd(s),
		entriesCmd(s),
		jobCmd(s),
		purgeCmd(s),
	)
	return root
}

func (s *state) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
