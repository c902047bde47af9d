// Package prompts holds the system context and per-record enrichment
// instruction templates. Templates live in a JSON config file next to the
// database; the built-in defaults are written out on first use so operators
// can tune them without rebuilding the binary.
package prompts

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DefaultConfigPath is where templates are stored unless overridden.
const DefaultConfigPath = "prompts_config.json"

// bioPlaceholder is substituted with the member bio in the enrichment template.
const bioPlaceholder = "{bio}"

//go:embed defaults.json
var defaultConfig []byte

type config struct {
	SystemContext    string `json:"system_context"`
	EnrichmentPrompt string `json:"enrichment_prompt"`
}

// Store provides the prompt pair used to build enrichment requests.
type Store struct {
	path string
	cfg  config
}

// Load reads the template config from path. When the file does not exist the
// embedded defaults are written there and used. An existing file is loaded
// verbatim and never regenerated; parse failures propagate to the caller.
func Load(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(path, defaultConfig, 0o644); werr != nil {
			return nil, fmt.Errorf("writing default prompt config to %q: %w", path, werr)
		}
		data = defaultConfig
	} else if err != nil {
		return nil, fmt.Errorf("reading prompt config %q: %w", path, err)
	}

	var cfg config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing prompt config %q: %w", path, err)
	}

	return &Store{path: path, cfg: cfg}, nil
}

// SystemContext returns the system/context instruction text.
func (s *Store) SystemContext() string {
	return s.cfg.SystemContext
}

// EnrichmentPrompt returns the per-record instruction with the bio substituted.
func (s *Store) EnrichmentPrompt(bio string) string {
	return strings.ReplaceAll(s.cfg.EnrichmentPrompt, bioPlaceholder, bio)
}

// Path returns the config file backing this store.
func (s *Store) Path() string {
	return s.path
}
