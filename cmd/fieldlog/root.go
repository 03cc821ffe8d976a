package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/banshee-data/fieldlog/internal/config"
	"github.com/banshee-data/fieldlog/internal/monitoring"
)

// Environment variables read after .env is loaded. Flags win over them.
const (
	envListen   = "FIELDLOG_LISTEN"
	envDB       = "FIELDLOG_DB"
	envAPIBase  = "FIELDLOG_API_BASE"
	envAPIToken = "FIELDLOG_API_TOKEN"
	envTuning   = "FIELDLOG_TUNING"
	envGPSPort  = "FIELDLOG_GPS_PORT"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	envFile    string
	tuningPath string
	quiet      bool

	tuning *config.TuningConfig
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fieldlog",
		Short:         "Geospatial AR field-logging core",
		Long:          `fieldlog fuses phone sensors into a stable heading and position, tracks detections, and logs geo-anchored observations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading FIELDLOG_* variables")
	cmd.PersistentFlags().StringVar(&opts.tuningPath, "tuning", "", "tuning JSON file (default $"+envTuning+" or built-in defaults)")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "mute diagnostic logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newGPSCmd(opts),
		newReplayCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the dotenv file, then the tuning config. A missing dotenv file
// is fine; a malformed one is not.
func (o *rootOptions) load() error {
	if o.quiet {
		monitoring.SetLogger(nil)
	}
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", o.envFile, err)
		}
	}

	path := envOr(o.tuningPath, envTuning, "")
	if path == "" {
		o.tuning = config.EmptyTuningConfig()
		return nil
	}
	cfg, err := config.LoadTuningConfig(path)
	if err != nil {
		return err
	}
	monitoring.Logf("[CLI] tuning from %s", path)
	o.tuning = cfg
	return nil
}

// envOr returns flag when set, else the environment variable key, else
// fallback.
func envOr(flag, key, fallback string) string {
	if flag != "" {
		return flag
	}
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
