package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reddit-miner",
		Short:         "Fetch Reddit threads, deduplicate extracted signals and store them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default: from config)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs as JSON")

	root.AddCommand(runCmd())
	root.AddCommand(fetchCmd())
	root.AddCommand(topCmd())
	root.AddCommand(showCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(daemonCmd())

	return root
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline once: fetch, analyze, dedupe, store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.sources, "subreddit", "s", nil, "subreddits to mine (default: from config)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "l", 0, "max posts per subreddit (default: from config)")
	cmd.Flags().IntVarP(&opts.processLimit, "process-limit", "p", -1, "max posts to analyze (default: from config)")
	cmd.Flags().BoolVar(&opts.skipFetch, "skip-fetch", false, "only analyze posts already stored")
	return cmd
}

func fetchCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and store posts without analyzing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.fetchOnly = true
			return runPipeline(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.sources, "subreddit", "s", nil, "subreddits to fetch (default: from config)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "l", 0, "max posts per subreddit (default: from config)")
	return cmd
}

func topCmd() *cobra.Command {
	var (
		jsonOutput bool
		all        bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show the highest scoring signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTop(cmd.Context(), limit, all, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&all, "all", false, "include disqualified and non-extracted signals")
	cmd.Flags().IntVar(&limit, "limit", 10, "max signals to show")
	return cmd
}

func showCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <signal-id>",
		Short: "Show one signal with its source post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runsCmd() *cobra.Command {
	var (
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd.Context(), limit, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to show")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		output              string
		limit               int
		includeDisqualified bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the top signals to a .json or .csv file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), output, limit, includeDisqualified)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "signals.json", "output file (.json or .csv)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "max signals to export")
	cmd.Flags().BoolVar(&includeDisqualified, "include-disqualified", false, "include disqualified and non-extracted signals")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func daemonCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline on a schedule and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
