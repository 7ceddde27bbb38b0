package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatrelay/internal/convlog"
	"chatrelay/internal/domain"
)

func logsCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the most recent conversation log records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.ConvLog.SQLite == "" {
				return fmt.Errorf("convlog.sqlite is not configured")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			db, err := convlog.NewSQLiteSink(ctx, cfg.ConvLog.SQLite, zerolog.Nop())
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := db.Recent(ctx, limit)
			if err != nil {
				return err
			}
			total, err := db.Count(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, rec := range records {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
				return nil
			}
			printRecords(cmd.OutOrStdout(), records, total, time.Now())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON lines")
	return cmd
}

func printRecords(w io.Writer, records []domain.LogRecord, total int, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No conversation records yet.")
		return
	}
	for _, rec := range records {
		when := humanize.RelTime(rec.Timestamp, now, "ago", "from now")
		fmt.Fprintf(w, "%s  %s (%s)\n", when, rec.PhoneNumber, rec.ClientName)
		fmt.Fprintf(w, "  Q: %s\n", oneLine(rec.Question))
		fmt.Fprintf(w, "  A: %s\n", oneLine(rec.Answer))
		if rec.ReferenceIndex != "" {
			fmt.Fprintf(w, "  index: %s\n", rec.ReferenceIndex)
		}
	}
	fmt.Fprintf(w, "\nShowing %d of %s records.\n", len(records), humanize.Comma(int64(total)))
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) > 120 {
		return string([]rune(s)[:117]) + "..."
	}
	return s
}
