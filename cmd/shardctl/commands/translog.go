package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/indexshard/config"
	"github.com/hupe1980/indexshard/store"
	"github.com/hupe1980/indexshard/translog"
)

var (
	translogJSON   bool
	translogSource bool
)

var translogCmd = &cobra.Command{
	Use:   "translog",
	Short: "Print the operations held in the shard's translog",
	Long: `Print every operation of the configured translog in append order. These
are the operations a store recovery would replay. The shard must not be
running; opening the translog starts a new, empty generation.`,
	RunE: runTranslog,
}

func init() {
	translogCmd.Flags().BoolVar(&translogJSON, "json", false, "Print one JSON object per operation")
	translogCmd.Flags().BoolVar(&translogSource, "source", false, "Include document sources")
}

type translogEntry struct {
	SeqNo   uint64          `json:"seq_no"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Source  json.RawMessage `json:"source,omitempty"`
}

func runTranslog(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	lock, err := store.LockDir(cfg.Shard.DataDir)
	if err != nil {
		return fmt.Errorf("shard [%s] is in use: %w", cfg.Shard.ID, err)
	}
	defer lock.Release()

	tlogOpts, err := cfg.Translog.Options(cfg.TranslogDir())
	if err != nil {
		return err
	}
	tlog, err := translog.New(tlogOpts)
	if err != nil {
		return err
	}
	defer tlog.Close()

	ops, err := tlog.Snapshot()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if translogJSON {
		enc := json.NewEncoder(out)
		for _, op := range ops {
			e := translogEntry{SeqNo: op.SeqNo, Type: op.Type.String(), ID: op.ID, Version: op.Version}
			if translogSource && json.Valid(op.Source) {
				e.Source = op.Source
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tID\tVERSION")
	for _, op := range ops {
		if translogSource {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", op.SeqNo, op.Type, op.ID, op.Version, op.Source)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", op.SeqNo, op.Type, op.ID, op.Version)
	}
	fmt.Fprintf(tw, "\n%d operations, %d bytes\n", len(ops), tlog.SizeInBytes())
	return tw.Flush()
}
