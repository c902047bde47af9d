package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/logger"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/pipeline"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/prompts"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/secrets"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"

	defaultDatabase = "volunteer_data.db"
	defaultDelay    = 2 * time.Second
)

var prompt = promptui.Select{
	Label: "Database already exists, new results will be appended as a fresh enrichment version. Proceed?",
	Items: []string{PromptYes, PromptNo},
}

var runCmd = &cobra.Command{
	Use:   "run <members.csv>",
	Short: "Ingest a volunteer CSV and enrich every member through the model",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("database", "b", "", "path to the sqlite database (default "+defaultDatabase+")")
	runCmd.Flags().BoolP("auto-aprove", "y", false, "do not ask for confirmation when the database already exists")
	runCmd.Flags().StringP("api-key-file", "k", "", "file with the OpenRouter API key")
	runCmd.Flags().Float64P("delay", "w", 0, "seconds to wait between model calls (default 2)")

	viper.BindPFlag("database", runCmd.Flags().Lookup("database"))
	viper.BindPFlag("ai.api-key-file", runCmd.Flags().Lookup("api-key-file"))
	viper.BindPFlag("pipeline.delay", runCmd.Flags().Lookup("delay"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command, csvPath string) {
	ctx := context.Background()

	config, err := getConfig()
	if err != nil {
		log.Fatalf("getting a config: %s", err)
	}

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"), config.LogFile)
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	logger.Info("starting the volunteer pipeline", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	if _, err := os.Stat(csvPath); err != nil {
		logger.Fatal("csv file is not readable", zap.String("csv", csvPath), zap.Error(err))
	}

	apiKey, err := resolveAPIKey(config)
	if err != nil {
		logger.Fatal(
			"loading openrouter api key",
			zap.Error(err),
			zap.String("hint", "set "+apiKeyEnv+" or the 'ai.api-key-file' key in the configuration file"),
		)
	}

	dbPath := config.Database
	if dbPath == "" {
		dbPath = defaultDatabase
	}

	if _, err := os.Stat(dbPath); err == nil {
		if cmd.Flag("auto-aprove").Value.String() == "false" {
			_, action, err := prompt.Run()
			if err != nil {
				logger.Fatal("exiting", zap.Error(err))
			}
			if action == PromptNo {
				logger.Info("exiting", zap.String("reason", "got no from prompt"))
				return
			}
		}
	}

	delay := defaultDelay
	if config.Pipeline.Delay > 0 {
		delay = time.Duration(config.Pipeline.Delay * float64(time.Second))
	}

	promptConfig := config.AI.PromptConfig
	if promptConfig == "" {
		promptConfig = prompts.DefaultConfigPath
	}

	p := pipeline.New(pipeline.Config{
		CSVPath:          csvPath,
		DBPath:           dbPath,
		APIKey:           apiKey,
		Model:            config.AI.Model,
		PromptConfigPath: promptConfig,
		PromptVersion:    config.AI.PromptVersion,
		Delay:            delay,
		MaxAttempts:      config.AI.MaxAttempts,
		MaxRetries:       config.AI.MaxRetries,
	}, logger)

	if err := p.Run(ctx); err != nil {
		logger.Fatal("pipeline failed", zap.Error(err))
	}
}

func resolveAPIKey(config *Config) (string, error) {
	return secrets.Load(secrets.Source{
		Name: "openrouter api key",
		File: strings.TrimSpace(config.AI.APIKeyFile),
		Env:  apiKeyEnv,
	})
}
