package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	penkitHome string // ~/.penkit
	configPath string // actual config file used (if loaded)
	config     model.Config
	settings   *viper.Viper
	logCloser  io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagSession        string // value of --session flag
)

func init() {
	d, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	penkitHome = filepath.Join(d, ".penkit")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is penkit.yaml in current directory or in "+penkitHome)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "store results in a named session")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initPenkit
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}

	rootCmd.AddCommand(nmapCmd())
	rootCmd.AddCommand(sqlmapCmd())
	rootCmd.AddCommand(modulesCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		printError(err)
		slog.Error("penkit failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "penkit",
	Short:        "Penetration testing toolkit orchestrating nmap and sqlmap",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a penkit",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("penkit: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("penkit: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initPenkit(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("PENKITCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{penkitHome, "."} {
			path := filepath.Join(d, "penkit.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("loading .env failed", "error", err)
	}

	v, err := newSettings(configPath, penkitHome)
	if err != nil {
		return err
	}
	config, err = model.ValidateSettings(v.AllSettings())
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.String(), d.Attr("config"))
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	settings = v

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	var logger *slog.Logger
	logger, logCloser = log.New(log.Options{
		Verbose:    config.Verbose,
		Stderr:     config.Verbose,
		File:       config.Log.File,
		MaxSizeMB:  config.Log.MaxSizeMB,
		MaxBackups: config.Log.MaxBackups,
		MaxAgeDays: config.Log.MaxAgeDays,
		Compress:   config.Log.Compress,
	})
	slog.SetDefault(logger)

	slog.Debug("penkit run", "cmd", cmd.Name(), "configPath", configPath)
	return nil
}

// newSettings merges defaults, the config file and PENKIT_ environment
// variables. An empty path skips the file.
func newSettings(path, home string) (*viper.Viper, error) {
	v := viper.New()
	defaults, err := model.DefaultConfig(home).Settings()
	if err != nil {
		return nil, fmt.Errorf("encoding default config: %w", err)
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("PENKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
