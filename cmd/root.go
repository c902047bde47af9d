package cmd

import (
	"errors"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "volunteer-pipeline"

	// apiKeyEnv supplies the model credential when no key file is configured.
	apiKeyEnv = "OPENROUTER_API_KEY"
)

type Config struct {
	Database string          `mapstructure:"database"`
	LogFile  string          `mapstructure:"log-file"`
	AI       *AIConfig       `mapstructure:"ai"`
	Pipeline *PipelineConfig `mapstructure:"pipeline"`
}

type AIConfig struct {
	Model         string `mapstructure:"model"`
	APIKeyFile    string `mapstructure:"api-key-file"`
	MaxRetries    int    `mapstructure:"max-retries"`
	MaxAttempts   int    `mapstructure:"max-attempts"`
	PromptConfig  string `mapstructure:"prompt-config"`
	PromptVersion string `mapstructure:"prompt-version"`
}

type PipelineConfig struct {
	// Delay is the pause between model calls, in seconds.
	Delay float64 `mapstructure:"delay"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "volunteer-pipeline ingests volunteer CSVs, enriches members with an LLM and answers ranked queries",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// A local .env may carry the API key during development.
	_ = godotenv.Load()

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is "+app+".yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Config needed only for the run command. If there is no config, we can skip initialization
	if runCmd.CalledAs() == "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app + ".yaml")
		viper.SetConfigType("yaml")
	}

	// The config file is optional; an explicitly named one must parse.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, err
	}

	if config.AI == nil {
		config.AI = &AIConfig{}
	}
	if config.Pipeline == nil {
		config.Pipeline = &PipelineConfig{}
	}

	return config, nil
}
