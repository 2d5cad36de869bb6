package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/logger"
)

var (
	pipelineFile string
	runnersFile  string
	projectID    int64
	ref          string
	protected    bool
	execute      bool
	logLevel     string
	legacyScan   bool
	keepOrphans  bool
)

var rootCmd = &cobra.Command{
	Use:   "pipeline-sim",
	Short: "simulate runner matching and processing for a pipeline",
	Long: `load a pipeline definition and a runner fleet into an in-memory store, drop builds no
runner can take, process the pipeline and print every build status`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.UseConsoleLogging(os.Stderr)
		return logger.SetLevel(logLevel)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		definition, err := os.ReadFile(pipelineFile)
		if err != nil {
			return errors.Wrap(err, "read pipeline")
		}
		runners, err := os.ReadFile(runnersFile)
		if err != nil {
			return errors.Wrap(err, "read runners")
		}

		features := config.DefaultFeatures()
		features.QueueMaintenanceEnabled = !legacyScan
		features.DropBuildsWithoutRunners = !keepOrphans

		ctx := cmd.Context()
		sim, err := simulate(ctx, definition, runners, simOptions{
			projectID: projectID,
			ref:       ref,
			protected: protected,
			execute:   execute,
			features:  features,
		})
		if err != nil {
			return err
		}
		return sim.print(ctx, cmd.OutOrStdout())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&pipelineFile, "pipeline", "p", "", "pipeline definition YAML")
	flags.StringVarP(&runnersFile, "runners", "r", "", "runner fleet YAML")
	flags.Int64Var(&projectID, "project", 1, "project id the pipeline belongs to")
	flags.StringVar(&ref, "ref", "main", "git ref of the pipeline")
	flags.BoolVar(&protected, "protected", false, "run the pipeline on a protected ref")
	flags.BoolVar(&execute, "execute", false, "let runners claim and succeed builds until none are left")
	flags.BoolVar(&legacyScan, "legacy-scan", false, "pick builds by scanning pending builds instead of the queue")
	flags.BoolVar(&keepOrphans, "keep-orphans", false, "do not drop builds without a matching runner")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	_ = rootCmd.MarkFlagRequired("pipeline")
	_ = rootCmd.MarkFlagRequired("runners")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("pipeline-sim failed")
		os.Exit(1)
	}
}
