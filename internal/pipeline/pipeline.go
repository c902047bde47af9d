// Package pipeline orchestrates a full run: ingest the CSV, load members,
// enrich them through the model and persist the results as a new enrichment
// version, then report a summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/enrich"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/enrich/openrouter"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/ingest"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/prompts"
	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/store"
	"go.uber.org/zap"
)

// reviewThreshold flags current confidence scores below this value for
// manual review in the run summary.
const reviewThreshold = 0.5

// Config carries everything a pipeline run needs.
type Config struct {
	CSVPath          string
	DBPath           string
	APIKey           string
	Model            string
	// APIURL overrides the model endpoint; empty means the default.
	APIURL           string
	PromptConfigPath string
	PromptVersion    string
	Delay            time.Duration
	MaxAttempts      int
	MaxRetries       int
	// SkipVerify disables the startup connection test.
	SkipVerify bool
}

// Pipeline runs the ingestion and enrichment flow.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Pipeline.
func New(cfg Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, logger: logger}
}

type memberRef struct {
	id   int64
	name string
	bio  string
}

// Run executes the pipeline end to end. Individual record failures are
// audited and skipped; only setup failures abort the run.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting volunteer pipeline",
		zap.String("csv", p.cfg.CSVPath),
		zap.String("database", p.cfg.DBPath),
	)

	records, rowErrors, err := ingest.New(p.cfg.CSVPath, p.logger).Process()
	if err != nil {
		return fmt.Errorf("ingesting csv: %w", err)
	}
	if len(records) == 0 {
		return errors.New("no valid records to process")
	}
	p.logger.Info("normalized records", zap.Int("valid", len(records)), zap.Int("rejected", len(rowErrors)))

	st, err := store.Open(p.cfg.DBPath, p.logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	members := p.loadMembers(st, records)
	p.logger.Info("loaded members", zap.Int("count", len(members)))

	promptStore, err := prompts.Load(p.cfg.PromptConfigPath)
	if err != nil {
		return fmt.Errorf("loading prompts: %w", err)
	}

	client, err := openrouter.New(p.cfg.APIKey, p.cfg.Model, p.cfg.MaxRetries, p.logger)
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}
	if p.cfg.APIURL != "" {
		client.SetAPIURL(p.cfg.APIURL)
	}

	if !p.cfg.SkipVerify {
		if err := client.Verify(ctx); err != nil {
			return err
		}
	}

	enricher := enrich.New(client, promptStore, p.cfg.MaxAttempts, p.logger)

	runID, err := st.CreateEnrichmentRun(client.Model(), p.cfg.PromptVersion)
	if err != nil {
		return fmt.Errorf("creating enrichment run: %w", err)
	}

	batch := make([]enrich.BatchRecord, len(members))
	for i, m := range members {
		batch[i] = enrich.BatchRecord{MemberName: m.name, Bio: m.bio}
	}

	outcomes := enricher.EnrichBatch(ctx, batch, p.cfg.Delay)

	enriched, failed := p.persistOutcomes(st, members, outcomes, runID)

	notes := fmt.Sprintf("Successfully enriched %d records, %d failures", enriched, failed)
	if err := st.CompleteEnrichmentRun(runID, enriched, store.RunCompleted, notes); err != nil {
		p.logger.Warn("completing enrichment run failed", zap.Error(err))
	}

	p.logger.Info("enrichment completed",
		zap.Int64("run_id", runID),
		zap.Int("enriched", enriched),
		zap.Int("failed", failed),
	)

	return p.summarize(st)
}

// loadMembers upserts the normalized records, auditing each row.
func (p *Pipeline) loadMembers(st *store.Store, records []ingest.Record) []memberRef {
	members := make([]memberRef, 0, len(records))

	for _, record := range records {
		id, err := st.UpsertMember(record.MemberName, record.Bio, record.LastActiveDate, record.RawDate)
		if err != nil {
			p.logger.Error("inserting member failed", zap.String("member", record.MemberName), zap.Error(err))
			msg := err.Error()
			st.LogProcessing(nil, record.MemberName, store.StageIngestion, store.StatusError, &msg)
			continue
		}

		st.LogProcessing(&id, record.MemberName, store.StageIngestion, store.StatusSuccess, nil)
		members = append(members, memberRef{id: id, name: record.MemberName, bio: record.Bio})
	}

	return members
}

// persistOutcomes records each enrichment outcome under the run's version.
// A persistence failure rolls back that member only and is audited; the
// rest of the batch proceeds.
func (p *Pipeline) persistOutcomes(st *store.Store, members []memberRef, outcomes []enrich.Outcome, runID int64) (enriched, failed int) {
	for i, outcome := range outcomes {
		member := members[i]
		result := outcome.Result

		err := st.RecordEnrichment(member.id, result.Skills, result.Persona,
			result.ConfidenceScore, result.Reasoning, runID)
		if err != nil {
			p.logger.Error("recording enrichment failed", zap.String("member", member.name), zap.Error(err))
			msg := err.Error()
			st.LogProcessing(&member.id, member.name, store.StageEnrichment, store.StatusError, &msg)
			failed++
			continue
		}

		st.LogProcessing(&member.id, member.name, store.StageEnrichment, store.StatusSuccess, nil)
		enriched++

		p.logger.Info("member enriched",
			zap.String("member", member.name),
			zap.String("persona", result.Persona),
			zap.Float64("confidence", result.ConfidenceScore),
			zap.Int("skills", len(result.Skills)),
		)
	}

	return enriched, failed
}

// summarize logs the persona distribution, top skills and any members whose
// current confidence needs manual review.
func (p *Pipeline) summarize(st *store.Store) error {
	stats, err := st.GetStatistics()
	if err != nil {
		return fmt.Errorf("collecting statistics: %w", err)
	}

	p.logger.Info("pipeline summary",
		zap.Int("total_members", stats.TotalMembers),
		zap.Any("persona_distribution", stats.PersonaDistribution),
		zap.Float64("average_confidence", stats.AverageConfidence),
		zap.Any("top_skills", stats.TopSkills),
	)

	lowConfidence, err := st.FindLowConfidence(reviewThreshold)
	if err != nil {
		return fmt.Errorf("finding low confidence members: %w", err)
	}

	if len(lowConfidence) > 0 {
		names := make([]string, len(lowConfidence))
		for i, c := range lowConfidence {
			names[i] = c.MemberName
		}
		p.logger.Warn("members need manual review",
			zap.Int("count", len(lowConfidence)),
			zap.Float64("threshold", reviewThreshold),
			zap.Strings("members", names),
		)
	}

	return nil
}
