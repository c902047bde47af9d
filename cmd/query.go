package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/logger"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/store"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query enriched members from the database",
}

var mentorsCmd = &cobra.Command{
	Use:   "mentors",
	Short: "Find ranked mentor candidates",
	Run: func(cmd *cobra.Command, _ []string) {
		st, logger := openStore(cmd)
		defer st.Close()

		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
		location, _ := cmd.Flags().GetString("location")
		recencyDays, _ := cmd.Flags().GetInt("recency-days")
		skills, _ := cmd.Flags().GetStringSlice("skills")

		candidates, err := st.FindMentors(store.MentorQuery{
			MinConfidence:  minConfidence,
			Location:       location,
			RecencyDays:    recencyDays,
			RequiredSkills: skills,
		})
		if err != nil {
			logger.Fatal("finding mentors", zap.Error(err))
		}

		printJSON(logger, candidates)
	},
}

var personaCmd = &cobra.Command{
	Use:   "persona <persona-type>",
	Short: "Find members by their current persona",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, logger := openStore(cmd)
		defer st.Close()

		limit, _ := cmd.Flags().GetInt("limit")

		candidates, err := st.FindByPersona(args[0], limit)
		if err != nil {
			logger.Fatal("finding members by persona", zap.Error(err))
		}

		printJSON(logger, candidates)
	},
}

var skillsCmd = &cobra.Command{
	Use:   "skills <skill> [skill...]",
	Short: "Find members by their current skills",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, logger := openStore(cmd)
		defer st.Close()

		matchAll, _ := cmd.Flags().GetBool("match-all")

		candidates, err := st.FindBySkills(args, matchAll)
		if err != nil {
			logger.Fatal("finding members by skills", zap.Error(err))
		}

		printJSON(logger, candidates)
	},
}

var lowConfidenceCmd = &cobra.Command{
	Use:   "low-confidence",
	Short: "Find members whose classification needs manual review",
	Run: func(cmd *cobra.Command, _ []string) {
		st, logger := openStore(cmd)
		defer st.Close()

		threshold, _ := cmd.Flags().GetFloat64("threshold")

		candidates, err := st.FindLowConfidence(threshold)
		if err != nil {
			logger.Fatal("finding low confidence members", zap.Error(err))
		}

		printJSON(logger, candidates)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print database statistics",
	Run: func(cmd *cobra.Command, _ []string) {
		st, logger := openStore(cmd)
		defer st.Close()

		stats, err := st.GetStatistics()
		if err != nil {
			logger.Fatal("collecting statistics", zap.Error(err))
		}

		printJSON(logger, stats)
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.PersistentFlags().StringP("database", "b", defaultDatabase, "path to the sqlite database")

	mentorsCmd.Flags().Float64("min-confidence", 0.7, "minimum confidence score")
	mentorsCmd.Flags().String("location", "", "substring to match against bio or name")
	mentorsCmd.Flags().Int("recency-days", 0, "only members active within this many days")
	mentorsCmd.Flags().StringSlice("skills", nil, "skills a candidate must have (comma separated)")

	personaCmd.Flags().Int("limit", 10, "maximum number of members to return")

	skillsCmd.Flags().Bool("match-all", false, "require all named skills instead of any")

	lowConfidenceCmd.Flags().Float64("threshold", 0.5, "confidence below this needs review")

	queryCmd.AddCommand(mentorsCmd, personaCmd, skillsCmd, lowConfidenceCmd, statsCmd)
}

// openStore opens the database for a query command. Queries keep logging
// quiet unless debug is requested so stdout stays valid JSON.
func openStore(cmd *cobra.Command) (*store.Store, *zap.Logger) {
	zl := zap.NewNop()
	if viper.GetBool("debug") {
		var err error
		zl, err = logger.New(viper.GetBool("json"), true, "")
		if err != nil {
			log.Fatalf("creating a logger: %s", err)
		}
	}

	dbPath, _ := cmd.Flags().GetString("database")

	if _, err := os.Stat(dbPath); err != nil {
		log.Fatalf("database %q is not readable: %s", dbPath, err)
	}

	st, err := store.Open(dbPath, zl)
	if err != nil {
		log.Fatalf("opening database: %s", err)
	}

	return st, zl
}

func printJSON(logger *zap.Logger, v any) {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatal("encoding results", zap.Error(err))
	}
	fmt.Println(string(pretty))
}
