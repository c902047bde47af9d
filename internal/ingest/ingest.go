// Package ingest loads raw volunteer CSV exports and normalizes them into
// records the pipeline can persist and enrich.
package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

// ErrorsFile is where rows that failed validation are saved for review.
const ErrorsFile = "processing_errors.json"

const dateLayout = "2006-01-02"

// dateLayouts are the accepted input date formats, tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/06",
	"2006/01/02",
	"02-01-2006",
	"2006.01.02",
	"Jan 2 2006",
	"02-01-06",
}

// Record is one normalized member row.
type Record struct {
	MemberName     string
	Bio            string
	LastActiveDate *string
	RawDate        string
}

// RowError describes a row that failed validation and was skipped.
type RowError struct {
	Row     int               `json:"row_index"`
	Err     string            `json:"error"`
	RawData map[string]string `json:"raw_data"`
}

// Ingester reads and normalizes a CSV export.
type Ingester struct {
	path   string
	logger *zap.Logger
}

// New creates an Ingester for the given CSV path.
func New(path string, logger *zap.Logger) *Ingester {
	return &Ingester{path: path, logger: logger}
}

// Process loads the CSV, normalizes names and dates, and splits rows into
// valid records and per-row errors. Row errors are additionally saved to
// ErrorsFile when any occur.
func (i *Ingester) Process() ([]Record, []RowError, error) {
	file, err := os.Open(i.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open csv %q: %w", i.path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for idx, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = idx
	}

	nameCol, ok := columns["member_name"]
	if !ok {
		return nil, nil, fmt.Errorf("csv is missing the member_name column")
	}
	bioCol, ok := columns["bio_or_comment"]
	if !ok {
		return nil, nil, fmt.Errorf("csv is missing the bio_or_comment column")
	}
	dateCol, hasDate := columns["last_active_date"]

	var records []Record
	var rowErrors []RowError

	for rowIdx := 0; ; rowIdx++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv row %d: %w", rowIdx, err)
		}

		raw := rawRow(header, row)

		name := field(row, nameCol)
		bio := field(row, bioCol)

		if strings.TrimSpace(name) == "" {
			rowErrors = append(rowErrors, RowError{Row: rowIdx, Err: "Missing member name", RawData: raw})
			i.logger.Warn("row validation failed", zap.Int("row", rowIdx), zap.String("reason", "missing member name"))
			continue
		}
		if strings.TrimSpace(bio) == "" {
			rowErrors = append(rowErrors, RowError{Row: rowIdx, Err: "Missing bio/comment", RawData: raw})
			i.logger.Warn("row validation failed", zap.Int("row", rowIdx), zap.String("reason", "missing bio"))
			continue
		}

		rawDate := ""
		if hasDate {
			rawDate = strings.TrimSpace(field(row, dateCol))
		}

		normalized := NormalizeDate(rawDate)
		if rawDate != "" && normalized == nil {
			i.logger.Warn("could not parse date", zap.Int("row", rowIdx), zap.String("date", rawDate))
		}

		records = append(records, Record{
			MemberName:     NormalizeName(name),
			Bio:            strings.TrimSpace(bio),
			LastActiveDate: normalized,
			RawDate:        rawDate,
		})
	}

	i.logger.Info("csv processed",
		zap.String("path", i.path),
		zap.Int("records", len(records)),
		zap.Int("errors", len(rowErrors)),
	)

	if len(rowErrors) > 0 {
		if err := saveErrors(rowErrors); err != nil {
			i.logger.Warn("saving row errors failed", zap.Error(err))
		} else {
			i.logger.Info("saved row errors", zap.String("file", ErrorsFile))
		}
	}

	return records, rowErrors, nil
}

// NormalizeName title-cases the name and collapses internal whitespace.
func NormalizeName(name string) string {
	words := strings.Fields(name)
	for i, word := range words {
		words[i] = titleWord(word)
	}
	return strings.Join(words, " ")
}

func titleWord(word string) string {
	runes := []rune(strings.ToLower(word))
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}

// NormalizeDate parses a raw date string against the accepted layouts and
// returns it in ISO form, or nil when no layout matches.
func NormalizeDate(raw string) *string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			iso := parsed.Format(dateLayout)
			return &iso
		}
	}

	return nil
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func rawRow(header, row []string) map[string]string {
	raw := make(map[string]string, len(header))
	for idx, col := range header {
		raw[strings.ToLower(strings.TrimSpace(col))] = field(row, idx)
	}
	return raw
}

func saveErrors(rowErrors []RowError) error {
	data, err := json.MarshalIndent(rowErrors, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ErrorsFile, data, 0o644)
}
