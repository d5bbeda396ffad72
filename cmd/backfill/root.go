package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/patrickspencer/backfill/internal/config"
)

var (
	configPath string
	envFile    string
	logLevel   string
	flagVals   runFlags
)

// runFlags holds the values of the batch flags. Each command registers the
// subset it reads; applyFlags ignores flags a command does not define.
type runFlags struct {
	startDate     string
	endDate       string
	windowDays    int
	pdfDir        string
	index         string
	downloadDelay string
	retries       int
	retryDelay    string
	state         string
	force         bool
	stopOnError   bool
	discoverCmd   string
	parseCmd      string
	history       string
	noHistory     bool
	logDir        string
	noLogs        bool
	dedupKeys     []string
	timeout       string
}

var rootCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run discover/parse stages over a date range in resumable windows.",
	Long: `backfill splits a date range into windows and runs an external discover
stage followed by a parse stage for each window. Progress is kept in a JSON
state file; invoking the command again resumes where the last run stopped.`,
	SilenceUsage: true,
	RunE:         runBatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "backfill.yaml", "path to configuration file (optional unless set)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	addBatchFlags(rootCmd.Flags())
}

// addBatchFlags registers every flag a batch run reads. Defaults come from
// the config layer, so only flags that were explicitly set override it.
func addBatchFlags(fs *pflag.FlagSet) {
	d := config.Default()
	addRangeFlags(fs)
	addPathFlags(fs)
	fs.StringVar(&flagVals.pdfDir, "pdf-dir", d.PDFDir, "directory for fetched artifacts, passed to parse")
	fs.StringVar(&flagVals.downloadDelay, "download-delay", d.DownloadDelay, "rate-limit delay passed to parse")
	fs.IntVar(&flagVals.retries, "retries", d.RetryCount(), "retries per stage after the first attempt")
	fs.StringVar(&flagVals.retryDelay, "retry-delay", d.RetryDelay, "constant delay between attempts (e.g. 5s, or seconds)")
	fs.BoolVar(&flagVals.force, "force", false, "re-run every window, including done ones")
	fs.BoolVar(&flagVals.stopOnError, "stop-on-error", false, "abort the batch on the first failed window")
	fs.StringVar(&flagVals.discoverCmd, "discover-cmd", "", "discover command (split on whitespace)")
	fs.StringVar(&flagVals.parseCmd, "parse-cmd", "", "parse command (split on whitespace)")
	fs.BoolVar(&flagVals.noHistory, "no-history", false, "do not record attempt history")
	fs.BoolVar(&flagVals.noLogs, "no-logs", false, "do not keep per-attempt output logs")
	fs.StringVar(&flagVals.timeout, "timeout", "", "per-command timeout (e.g. 30m)")
}

// addRangeFlags registers the flags that decide the window plan.
func addRangeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flagVals.startDate, "start-date", config.Default().StartDate, "first day of the range (YYYY-MM-DD)")
	fs.StringVar(&flagVals.endDate, "end-date", "", "last day of the range (YYYY-MM-DD, default today UTC)")
	fs.IntVar(&flagVals.windowDays, "window-days", 0, "fixed window width in days (0 = calendar months)")
}

// addPathFlags registers the file locations read by the inspection commands.
func addPathFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.StringVar(&flagVals.state, "state", d.State, "state file path")
	fs.StringVar(&flagVals.index, "index", d.Index, "JSONL output log shared by both stages")
	fs.StringVar(&flagVals.history, "history", "", "attempt history database (default next to the state file)")
	fs.StringVar(&flagVals.logDir, "log-dir", "", "directory for per-attempt output logs (default next to the state file)")
	fs.StringSliceVar(&flagVals.dedupKeys, "dedup-keys", d.DedupKeys, "record fields tried in order as the identity key")
}

// loadConfig reads the dotenv and YAML config. Explicitly set flags of cmd
// override file values before defaults are derived.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	optional := !cmd.Flags().Changed("config")
	cfg, err := config.LoadConfigWith(configPath, optional, func(cfg *config.Config) {
		applyFlags(cmd.Flags(), cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// applyFlags copies every explicitly set batch flag onto cfg.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, apply func()) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			apply()
		}
	}
	set("start-date", func() { cfg.StartDate = flagVals.startDate })
	set("end-date", func() { cfg.EndDate = flagVals.endDate })
	set("window-days", func() { cfg.WindowDays = flagVals.windowDays })
	set("pdf-dir", func() { cfg.PDFDir = flagVals.pdfDir })
	set("index", func() { cfg.Index = flagVals.index })
	set("download-delay", func() { cfg.DownloadDelay = flagVals.downloadDelay })
	set("retries", func() { n := flagVals.retries; cfg.Retries = &n })
	set("retry-delay", func() { cfg.RetryDelay = flagVals.retryDelay })
	set("state", func() { cfg.State = flagVals.state })
	set("force", func() { cfg.Force = flagVals.force })
	set("stop-on-error", func() { cfg.StopOnError = flagVals.stopOnError })
	set("discover-cmd", func() { cfg.Commands.Discover = strings.Fields(flagVals.discoverCmd) })
	set("parse-cmd", func() { cfg.Commands.Parse = strings.Fields(flagVals.parseCmd) })
	set("history", func() { cfg.History.Path = flagVals.history })
	set("no-history", func() { v := !flagVals.noHistory; cfg.History.Enabled = &v })
	set("log-dir", func() { cfg.RunLogs.Dir = flagVals.logDir })
	set("no-logs", func() { v := !flagVals.noLogs; cfg.RunLogs.Enabled = &v })
	set("dedup-keys", func() { cfg.DedupKeys = flagVals.dedupKeys })
	set("timeout", func() { cfg.Commands.Timeout = flagVals.timeout })
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}
