package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// modelStub answers chat completions keyed on a marker inside the user
// message, falling back to non-JSON noise.
func modelStub(t *testing.T, answers map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)

		content := "sorry, no JSON today"
		user := req.Messages[len(req.Messages)-1].Content
		for marker, answer := range answers {
			if strings.Contains(user, marker) {
				content = answer
				break
			}
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestPipelineRun(t *testing.T) {
	t.Chdir(t.TempDir())

	csv := "member_name,bio_or_comment,last_active_date\n" +
		"asha patel,Working with python and derivatives trading for 5+ years. Happy to mentor juniors.,2024-06-12\n" +
		"boris ivanov,just lurking,\n" +
		",missing name,2024-01-01\n"

	csvPath := filepath.Join(t.TempDir(), "members.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(csv), 0o644))

	server := modelStub(t, map[string]string{
		"Happy to mentor": `{"skills":["python","derivatives trading","mentoring"],"persona":"Mentor Material","confidence_score":85,"reasoning":"Experienced, offers to mentor"}`,
		"just lurking":    `{"skills":[],"persona":"Passive","confidence_score":30,"reasoning":"Minimal engagement"}`,
	})
	defer server.Close()

	dbPath := filepath.Join(t.TempDir(), "volunteer_data.db")

	cfg := Config{
		CSVPath:          csvPath,
		DBPath:           dbPath,
		APIKey:           "test-key",
		Model:            "test-model",
		APIURL:           server.URL,
		PromptConfigPath: filepath.Join(t.TempDir(), "prompts_config.json"),
		PromptVersion:    "v1.0",
		Delay:            0,
		MaxAttempts:      2,
		MaxRetries:       2,
		SkipVerify:       true,
	}

	require.NoError(t, New(cfg, zap.NewNop()).Run(context.Background()))

	st, err := store.Open(dbPath, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	mentors, err := st.FindMentors(store.MentorQuery{MinConfidence: 0.6})
	require.NoError(t, err)
	require.Len(t, mentors, 1)
	require.Equal(t, "Asha Patel", mentors[0].MemberName)
	require.Equal(t, 0.85, mentors[0].ConfidenceScore)
	require.Len(t, mentors[0].Skills, 3)

	stats, err := st.GetStatistics()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalMembers)
	require.Equal(t, 1, stats.PersonaDistribution["Mentor Material"])
	require.Equal(t, 1, stats.PersonaDistribution["Passive"])
}

func TestPipelineRunDegradesOnModelNoise(t *testing.T) {
	t.Chdir(t.TempDir())

	csv := "member_name,bio_or_comment,last_active_date\n" +
		"chen wei,some bio text,2024-06-12\n"

	csvPath := filepath.Join(t.TempDir(), "members.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(csv), 0o644))

	// No markers match: every completion is unparseable noise.
	server := modelStub(t, nil)
	defer server.Close()

	dbPath := filepath.Join(t.TempDir(), "volunteer_data.db")

	cfg := Config{
		CSVPath:          csvPath,
		DBPath:           dbPath,
		APIKey:           "test-key",
		APIURL:           server.URL,
		PromptConfigPath: filepath.Join(t.TempDir(), "prompts_config.json"),
		Delay:            0,
		MaxAttempts:      1,
		MaxRetries:       1,
		SkipVerify:       true,
	}

	require.NoError(t, New(cfg, zap.NewNop()).Run(context.Background()))

	st, err := store.Open(dbPath, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	// The degraded result is persisted and flagged for review.
	low, err := st.FindLowConfidence(0.5)
	require.NoError(t, err)
	require.Len(t, low, 1)
	require.Equal(t, "Unknown", low[0].Persona)
	require.Equal(t, 0.0, low[0].ConfidenceScore)
}

func TestPipelineRunFailsWithoutRecords(t *testing.T) {
	t.Chdir(t.TempDir())

	csvPath := filepath.Join(t.TempDir(), "members.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("member_name,bio_or_comment\n,\n"), 0o644))

	cfg := Config{
		CSVPath:          csvPath,
		DBPath:           filepath.Join(t.TempDir(), "db.sqlite"),
		APIKey:           "test-key",
		PromptConfigPath: filepath.Join(t.TempDir(), "prompts_config.json"),
		SkipVerify:       true,
	}

	err := New(cfg, zap.NewNop()).Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no valid records")
}
