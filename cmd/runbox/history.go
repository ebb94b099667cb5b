package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/itstheanurag/runbox/internal/database"
	"github.com/itstheanurag/runbox/internal/journal"
	"github.com/spf13/cobra"
)

var limitFlag int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent executions from the journal",
	Long: `Show the most recent executions recorded in the execution journal.
Requires journal.driver to be sqlite or postgres. Only metadata is
journaled; source code and output are never stored.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of executions to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if conf.Journal.Driver == "" || conf.Journal.Driver == "none" {
		return fmt.Errorf("journal is disabled (set journal.driver to sqlite or postgres)")
	}
	logger := newLogger(conf.Log)

	path := conf.Journal.SQLitePath
	if conf.Journal.Driver == "postgres" {
		path = database.DSN(conf.Db)
	}
	ctx := context.Background()
	store, err := journal.Open(ctx, conf.Journal.Driver, path, &logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(ctx, limitFlag)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tSUBMISSION\tLANGUAGE\tOUTCOME\tEXIT\tELAPSED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.FinishedAt.Local().Format(time.DateTime), e.SubmissionID, e.Language,
			e.Outcome, e.ExitCode, time.Duration(e.ElapsedMs)*time.Millisecond)
	}
	return w.Flush()
}
