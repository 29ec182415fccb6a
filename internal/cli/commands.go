package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/joshu-sajeev/parsemd/internal/dto"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"github.com/spf13/cobra"
)

func migrateCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := s.get(cmd.Context())
			if err != nil {
				return err
			}
			if err := b.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			v, err := b.SchemaVersion(cmd.Context())
			if err != nil {
				return fmt.Errorf("schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	}
}

func entriesCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Inspect queue entries",
	}

	var stateFlag string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue entries, optionally by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.EntryState(stateFlag)
			if stateFlag != "" && !st.Valid() {
				return fmt.Errorf("unknown state %q (waiting, active, failed)", stateFlag)
			}
			b, err := s.get(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := b.Entries.List(cmd.Context(), st, limit)
			if err != nil {
				return fmt.Errorf("list entries: %w", err)
			}

			resp := make([]dto.EntryResponse, len(entries))
			for i, e := range entries {
				resp[i] = dto.NewEntryResponse(e)
			}
			if s.asJSON {
				return s.printJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No queue entries.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tSTATE\tATTEMPTS\tPROGRESS\tNEXT ATTEMPT\tLAST ERROR")
			for _, e := range resp {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d%%\t%s\t%s\n",
					e.JobID, e.State, e.AttemptsMade, e.MaxAttempts, e.Progress,
					formatTime(e.NextAttemptAt), deref(e.LastError))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&stateFlag, "state", "", "filter by state (waiting, active, failed)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")

	show := &cobra.Command{
		Use:   "show <jobId>",
		Short: "Show the queue entry of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := s.get(cmd.Context())
			if err != nil {
				return err
			}
			e, err := b.Entries.Inspect(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("inspect %s: %w", args[0], err)
			}
			return s.printJSON(cmd.OutOrStdout(), dto.NewEntryResponse(*e))
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func jobCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect job records",
	}

	show := &cobra.Command{
		Use:   "show <jobId>",
		Short: "Show one job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := s.get(cmd.Context())
			if err != nil {
				return err
			}
			j, err := b.Records.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			return s.printJSON(cmd.OutOrStdout(), jobView(j))
		},
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent job records",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.Status
			if status != "" {
				parsed, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				st = parsed
			}
			b, err := s.get(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := b.Records.List(cmd.Context(), st, limit)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if s.asJSON {
				views := make([]map[string]any, len(jobs))
				for i := range jobs {
					views[i] = jobView(&jobs[i])
				}
				return s.printJSON(cmd.OutOrStdout(), views)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tSTATUS\tSOURCE\tCREATED\tCOMPLETED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Status, j.SourceName, formatTime(&j.CreatedAt), formatTime(j.CompletedAt))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (queued, processing, complete, failed)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum jobs to show")

	cmd.AddCommand(show, list)
	return cmd
}

func purgeCmd(s *state) *cobra.Command {
	var failedAge time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired job records and old failed queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := s.get(cmd.Context())
			if err != nil {
				return err
			}
			if failedAge == 0 {
				failedAge = b.Retention
			}

			jobs, err := b.Records.DeleteExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("delete expired jobs: %w", err)
			}
			entries, err := b.Entries.PurgeFailed(cmd.Context(), failedAge)
			if err != nil {
				return fmt.Errorf("purge failed entries: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired jobs, %d failed entries\n", jobs, entries)
			return nil
		},
	}
	cmd.Flags().DurationVar(&failedAge, "failed-older-than", 0, "purge failed entries finished before this age (default: job retention)")
	return cmd
}

func jobView(j *models.Job) map[string]any {
	v := map[string]any{
		"jobId":       j.ID,
		"sourceName":  j.SourceName,
		"status":      j.Status,
		"createdAt":   j.CreatedAt,
		"completedAt": j.CompletedAt,
		"error":       j.Error,
	}
	if len(j.Result) > 0 {
		v["result"] = j.Result
	}
	return v
}
