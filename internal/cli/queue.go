package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/logger"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show what the durable store still holds",
	Long: `List the durable namespaces (offline answers, undelivered violations,
pending submissions, snapshots) and how many entries each one holds.`,
	RunE: runQueue,
}

func init() {
	f := queueCmd.Flags()
	f.String("submission", "", "Only show namespaces of this submission")
	f.Bool("entries", false, "Also list the entry keys of every namespace")
}

func runQueue(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	kv, closeStore, err := openStore(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	submission, _ := cmd.Flags().GetString("submission")
	showEntries, _ := cmd.Flags().GetBool("entries")

	namespaces, err := kv.Namespaces(cmd.Context(), config.StorageKey.SubmissionPattern())
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	sort.Strings(namespaces)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tENTRIES")
	for _, ns := range namespaces {
		if submission != "" && !strings.Contains(ns, ":submission:"+submission+":") {
			continue
		}
		entries, err := kv.List(cmd.Context(), ns)
		if err != nil {
			return fmt.Errorf("list %s: %w", ns, err)
		}
		fmt.Fprintf(w, "%s\t%d\n", ns, len(entries))
		if !showEntries {
			continue
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%d bytes\n", k, len(entries[k]))
		}
	}
	return w.Flush()
}
