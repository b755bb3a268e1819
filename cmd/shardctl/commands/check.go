package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/indexshard/config"
	"github.com/hupe1980/indexshard/store"
)

var (
	checkFix       bool
	checkChecksums bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the shard's last commit",
	Long: `Verify the segments referenced by the last commit of the configured
store. The shard must not be running.

With --checksum only segment checksums are verified. With --fix, segments
that fail the check are dropped and a new commit is published; the
documents they held are lost.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkFix, "fix", false, "Drop broken segments and publish a repaired commit")
	checkCmd.Flags().BoolVar(&checkChecksums, "checksum", false, "Only verify segment checksums")
	checkCmd.MarkFlagsMutuallyExclusive("fix", "checksum")
}

type segmentReport struct {
	Name    string `yaml:"name"`
	Docs    int    `yaml:"docs"`
	Deleted int    `yaml:"deleted"`
	Error   string `yaml:"error,omitempty"`
}

type checkReport struct {
	Generation uint64          `yaml:"generation"`
	Clean      bool            `yaml:"clean"`
	Fixed      bool            `yaml:"fixed,omitempty"`
	LostDocs   int             `yaml:"lost_docs,omitempty"`
	Segments   []segmentReport `yaml:"segments"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	lock, err := store.LockDir(cfg.Shard.DataDir)
	if err != nil {
		return fmt.Errorf("shard [%s] is in use: %w", cfg.Shard.ID, err)
	}
	defer lock.Release()

	st := store.New(blobs, func(o *store.Options) { o.Logger = logger.Logger })

	if checkChecksums {
		if err := st.VerifyChecksums(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "checksums ok")
		return nil
	}

	report, err := st.CheckIndex(ctx, checkFix)
	if err != nil {
		return err
	}

	out := checkReport{
		Generation: report.Generation,
		Clean:      report.Clean(),
		Fixed:      report.Fixed,
		LostDocs:   report.LostDocs,
	}
	for _, seg := range report.Segments {
		sr := segmentReport{Name: seg.Name, Docs: seg.DocCount, Deleted: seg.Deleted}
		if seg.Err != nil {
			sr.Error = seg.Err.Error()
		}
		out.Segments = append(out.Segments, sr)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if !report.Clean() && !report.Fixed {
		return report.Err()
	}
	return nil
}
