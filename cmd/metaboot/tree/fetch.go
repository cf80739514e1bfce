package tree

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cloudboss/metaboot/pkg/account"
	"github.com/cloudboss/metaboot/pkg/bootstrap"
	"github.com/cloudboss/metaboot/pkg/cloudconfig"
	"github.com/cloudboss/metaboot/pkg/config"
	"github.com/cloudboss/metaboot/pkg/constants"
	"github.com/cloudboss/metaboot/pkg/datasource/sources"
	"github.com/cloudboss/metaboot/pkg/observe"
)

const (
	formatJSON        = "json"
	formatCloudConfig = "cloud-config"
)

var (
	appFs    = afero.NewOsFs()
	fetchCfg = &fetchConfig{}
	fetchCmd = &cobra.Command{
		Use:   "fetch",
		Short: "Wait for the metadata service and fetch metadata, user data and password",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			switch fetchCfg.format {
			case formatJSON, formatCloudConfig:
				return nil
			default:
				return fmt.Errorf("invalid format %s", fetchCfg.format)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Debug {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
			logger := slog.Default().With("run-id", uuid.NewString())

			entry, ok := sources.Registry.Lookup(cfg.Datasource)
			if !ok {
				return fmt.Errorf("unknown datasource %s, must be one of %v",
					cfg.Datasource, sources.Registry.Names())
			}
			observer := observe.NewLogObserver(logger)
			src, err := entry.New(cfg, logger, observer)
			if err != nil {
				return fmt.Errorf("unable to create datasource %s: %w", entry.Name, err)
			}

			record, err := bootstrap.New(logger, observer).Run(cmd.Context(), src)
			if err != nil {
				return err
			}

			if err = writeRecord(cmd.OutOrStdout(), record); err != nil {
				return err
			}

			if fetchCfg.apply {
				return applyRecord(logger, cfg, record)
			}
			return nil
		},
	}
)

type fetchConfig struct {
	apply      bool
	attempts   int
	configFile string
	datasource string
	debug      bool
	format     string
	maxWait    time.Duration
	output     string
	rootDir    string
	timeout    time.Duration
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVarP(&fetchCfg.configFile, "config", "c", constants.FileConfigDefault,
		"Path to the configuration file. A missing file is ignored.")

	fetchCmd.Flags().StringVarP(&fetchCfg.datasource, "datasource", "d", constants.DatasourceDefault,
		"Name of the metadata source to use.")

	fetchCmd.Flags().DurationVar(&fetchCfg.timeout, "timeout", constants.TimeoutDefault,
		"Timeout of each request to the metadata service.")

	fetchCmd.Flags().IntVar(&fetchCfg.attempts, "attempts", constants.AttemptsDefault,
		"Number of attempts for each request after the service is reachable.")

	fetchCmd.Flags().DurationVar(&fetchCfg.maxWait, "max-wait", constants.MaxWaitDefault,
		"Maximum time to wait for the metadata service to become reachable.")

	fetchCmd.Flags().StringVarP(&fetchCfg.output, "output", "o", "",
		"File to write the result to instead of standard output.")

	fetchCmd.Flags().StringVarP(&fetchCfg.format, "format", "f", formatJSON,
		"Output format. Must be one of 'json' or 'cloud-config'.")

	fetchCmd.Flags().BoolVar(&fetchCfg.apply, "apply", false,
		"Apply the password and ssh settings to the system.")

	fetchCmd.Flags().StringVar(&fetchCfg.rootDir, "root", "/",
		"Root of the filesystem to apply settings to.")

	fetchCmd.Flags().BoolVar(&fetchCfg.debug, "debug", false, "Enable debug output.")
}

// loadConfig reads the configuration file and overrides it with the flags
// that were given on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(appFs, fetchCfg.configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("datasource") {
		cfg.Datasource = fetchCfg.datasource
	}
	if flags.Changed("timeout") {
		cfg.Timeout = fetchCfg.timeout
	}
	if flags.Changed("attempts") {
		cfg.Attempts = fetchCfg.attempts
	}
	if flags.Changed("max-wait") {
		cfg.MaxWait = fetchCfg.maxWait
	}
	if flags.Changed("debug") {
		cfg.Debug = fetchCfg.debug
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func writeRecord(stdout io.Writer, record *bootstrap.Record) error {
	var (
		b   []byte
		err error
	)
	switch fetchCfg.format {
	case formatCloudConfig:
		extra := record.ExtraConfig
		if extra == nil {
			extra = &cloudconfig.Config{}
		}
		b, err = extra.Marshal()
	default:
		b, err = json.MarshalIndent(record, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return fmt.Errorf("unable to encode result: %w", err)
	}

	if len(fetchCfg.output) == 0 {
		_, err = stdout.Write(b)
		return err
	}
	err = afero.WriteFile(appFs, fetchCfg.output, b, 0600)
	if err != nil {
		return fmt.Errorf("unable to write %s: %w", fetchCfg.output, err)
	}
	return nil
}

// applyRecord applies the datasource configuration merged with any
// cloud-config in user data. User data that is not cloud-config is left for
// other tools.
func applyRecord(logger *slog.Logger, cfg *config.Config, record *bootstrap.Record) error {
	userCfg, isCloudConfig, err := cloudconfig.ParseUserData(record.UserData)
	if err != nil {
		logger.Warn("Ignoring user data", "error", err)
		userCfg = nil
	} else if !isCloudConfig && len(record.UserData) > 0 {
		logger.Debug("User data is not cloud-config")
	}

	effective, err := cloudconfig.Effective(record.ExtraConfig, userCfg)
	if err != nil {
		return err
	}

	err = account.Apply(appFs, effective, account.Options{
		BaseDir:   fetchCfg.rootDir,
		LoginUser: cfg.LoginUser,
	})
	if err != nil {
		return fmt.Errorf("unable to apply configuration under %s: %w", fetchCfg.rootDir, err)
	}
	return nil
}
