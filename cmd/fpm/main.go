package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/fpmatch/internal/config"
	"github.com/franz/fpmatch/internal/util"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile  string
	envFiles []string
	initErr  error

	rootCmd = &cobra.Command{
		Use:   "fpm",
		Short: "Fingerprint matching engine workers",
		Long: `fpm runs the workers of the audio fingerprint matching engine.

It imports queued submissions into the fingerprint database, replicates
fingerprint changes into the change stream, keeps the external fingerprint
index up to date and merges tracks and MusicBrainz recordings.

Configuration is read from flags, FPM_* environment variables, .env files
and an optional fpmatch.yaml.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/fpmatch.yaml or ./fpmatch.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load (default is ./.env)")
	rootCmd.PersistentFlags().String("db", "", "database: PostgreSQL URL or SQLite file")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().String("events-dir", "", "directory for JSONL event logs")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet output (errors only)")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	// Bind flags to viper
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("metrics.addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("events.dir", rootCmd.PersistentFlags().Lookup("events-dir"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	viper.BindPFlag("no_color", rootCmd.PersistentFlags().Lookup("no-color"))
}

func initConfig() {
	initErr = config.Init(viper.GetViper(), cfgFile, envFiles...)
}

// loadConfig applies the logging flags and returns the validated config
func loadConfig() (*config.Config, error) {
	util.SetVerbose(util.GetConfigBool("verbose"))
	util.SetQuiet(util.GetConfigBool("quiet"))
	if util.GetConfigBool("no_color") {
		util.SetColors(false)
	}
	if initErr != nil {
		return nil, initErr
	}
	return config.Load(viper.GetViper())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
