package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/server"
	"github.com/spf13/cobra"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List supported languages and their limits",
	Args:  cobra.NoArgs,
	RunE:  runLanguages,
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}

func runLanguages(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	var extra []languages.Language
	if conf.LanguagesFile != "" {
		extra, err = languages.LoadFile(conf.LanguagesFile)
		if err != nil {
			return err
		}
	}
	registry := languages.NewRegistry(server.DefaultLimits(conf.Limits), extra...)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tALIASES\tCOMPILED\tWALL\tCPU\tMEMORY")
	for _, l := range registry.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\t%dMB\n",
			l.ID, l.Name, strings.Join(l.Aliases, ","), l.Compiled(),
			l.Limits.WallTimeout, l.Limits.CPUTime, l.Limits.MemoryBytes>>20)
	}
	return w.Flush()
}
