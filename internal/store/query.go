package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cmt-volunteer-system/volunteer-pipeline/internal/ranking"
)

// MentorPersona is the persona label that qualifies a member as a mentor
// candidate.
const MentorPersona = "Mentor Material"

const dateLayout = "2006-01-02"

// MentorQuery holds the filters for FindMentors. Zero values disable the
// optional filters.
type MentorQuery struct {
	MinConfidence  float64
	Location       string
	RecencyDays    int
	RequiredSkills []string
}

// Candidate is a query-time projection of a member with their current
// persona, current skills and (for mentor queries) the ranking score.
type Candidate struct {
	MemberID        int64    `json:"member_id"`
	MemberName      string   `json:"member_name"`
	Bio             string   `json:"bio_or_comment"`
	LastActiveDate  *string  `json:"last_active_date"`
	Persona         string   `json:"persona_type"`
	ConfidenceScore float64  `json:"confidence_score"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Skills          []string `json:"skills"`
	DaysSinceActive *float64 `json:"days_since_active,omitempty"`
	RankingScore    float64  `json:"ranking_score,omitempty"`
}

// Statistics summarizes the current enrichment state of the database.
type Statistics struct {
	TotalMembers        int            `json:"total_members"`
	PersonaDistribution map[string]int `json:"persona_distribution"`
	AverageConfidence   float64        `json:"average_confidence"`
	TopSkills           map[string]int `json:"top_skills"`
}

// candidateSelect joins members with their current persona and the skills
// linked under that persona's version.
const candidateSelect = `
	SELECT
		m.member_id,
		m.member_name,
		m.bio_or_comment,
		m.last_active_date,
		p.persona_type,
		p.confidence_score,
		COALESCE(p.reasoning, ''),
		GROUP_CONCAT(DISTINCT s.skill_name)
	FROM members m
	JOIN member_personas p ON m.member_id = p.member_id AND p.is_current = 1
	LEFT JOIN member_skills ms ON m.member_id = ms.member_id AND ms.enrichment_version = p.enrichment_version
	LEFT JOIN skills s ON ms.skill_id = s.skill_id
`

// FindMentors returns mentor candidates ranked by the composite score. The
// base filter requires the current persona to be "Mentor Material" with at
// least the requested confidence; location, recency and required-skills
// filters are applied when set. Members without a last-active date are
// excluded when the recency filter is active.
func (s *Store) FindMentors(q MentorQuery) ([]Candidate, error) {
	query := candidateSelect + `
	WHERE p.persona_type = ?
	AND p.confidence_score >= ?`
	args := []any{MentorPersona, q.MinConfidence}

	if q.Location != "" {
		query += ` AND (m.bio_or_comment LIKE ? OR m.member_name LIKE ?)`
		pattern := "%" + q.Location + "%"
		args = append(args, pattern, pattern)
	}

	if q.RecencyDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -q.RecencyDays).Format(dateLayout)
		query += ` AND m.last_active_date >= ?`
		args = append(args, cutoff)
	}

	query += ` GROUP BY m.member_id ORDER BY m.member_id`

	candidates, err := s.queryCandidates(query, args...)
	if err != nil {
		return nil, err
	}

	required := make([]string, 0, len(q.RequiredSkills))
	for _, skill := range q.RequiredSkills {
		if canonical := CanonicalSkillName(skill); canonical != "" {
			required = append(required, canonical)
		}
	}

	ranked := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if len(required) > 0 && !hasAllSkills(c.Skills, required) {
			continue
		}

		c.DaysSinceActive = daysSinceActive(c.LastActiveDate)
		c.RankingScore = ranking.Score(c.ConfidenceScore, c.DaysSinceActive, len(c.Skills))
		ranked = append(ranked, c)
	}

	// Stable sort keeps the member-id order deterministic for ties.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RankingScore > ranked[j].RankingScore
	})

	return ranked, nil
}

// FindByPersona returns up to limit members whose current persona matches,
// ordered by confidence.
func (s *Store) FindByPersona(persona string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}

	query := candidateSelect + `
	WHERE p.persona_type = ?
	GROUP BY m.member_id
	ORDER BY p.confidence_score DESC
	LIMIT ?`

	return s.queryCandidates(query, persona, limit)
}

// FindBySkills returns members whose current skill set contains all (or, if
// matchAll is false, any) of the named skills. Comparison is against
// canonical skill names.
func (s *Store) FindBySkills(skillNames []string, matchAll bool) ([]Candidate, error) {
	canonical := make([]string, 0, len(skillNames))
	for _, name := range skillNames {
		if c := CanonicalSkillName(name); c != "" {
			canonical = append(canonical, c)
		}
	}
	if len(canonical) == 0 {
		return nil, fmt.Errorf("at least one skill name is required")
	}

	placeholders := strings.Repeat("?,", len(canonical))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
	SELECT
		m.member_id,
		m.member_name,
		m.bio_or_comment,
		m.last_active_date,
		p.persona_type,
		p.confidence_score,
		COALESCE(p.reasoning, ''),
		GROUP_CONCAT(DISTINCT s.skill_name)
	FROM members m
	JOIN member_personas p ON m.member_id = p.member_id AND p.is_current = 1
	JOIN member_skills ms ON m.member_id = ms.member_id AND ms.enrichment_version = p.enrichment_version
	JOIN skills s ON ms.skill_id = s.skill_id
	WHERE s.skill_name IN (%s)
	GROUP BY m.member_id`, placeholders)

	args := make([]any, 0, len(canonical)+1)
	for _, c := range canonical {
		args = append(args, c)
	}

	if matchAll {
		query += ` HAVING COUNT(DISTINCT s.skill_id) = ?`
		args = append(args, len(canonical))
	}

	query += ` ORDER BY p.confidence_score DESC`

	return s.queryCandidates(query, args...)
}

// FindLowConfidence returns members whose current confidence is below the
// threshold, lowest first, for manual review.
func (s *Store) FindLowConfidence(threshold float64) ([]Candidate, error) {
	query := candidateSelect + `
	WHERE p.confidence_score < ?
	GROUP BY m.member_id
	ORDER BY p.confidence_score ASC`

	return s.queryCandidates(query, threshold)
}

// GetStatistics aggregates totals, persona distribution, average confidence
// and the ten most common skills over current-version rows.
func (s *Store) GetStatistics() (*Statistics, error) {
	stats := &Statistics{
		PersonaDistribution: make(map[string]int),
		TopSkills:           make(map[string]int),
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM members`).Scan(&stats.TotalMembers); err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT persona_type, COUNT(*)
		FROM member_personas
		WHERE is_current = 1
		GROUP BY persona_type
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("persona distribution: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var persona string
		var count int
		if err := rows.Scan(&persona, &count); err != nil {
			return nil, err
		}
		stats.PersonaDistribution[persona] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRow(`
		SELECT AVG(confidence_score) FROM member_personas WHERE is_current = 1`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average confidence: %w", err)
	}
	stats.AverageConfidence = avg.Float64

	skillRows, err := s.db.Query(`
		SELECT s.skill_name, COUNT(*)
		FROM member_skills ms
		JOIN skills s ON ms.skill_id = s.skill_id
		GROUP BY s.skill_name
		ORDER BY COUNT(*) DESC
		LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("top skills: %w", err)
	}
	defer skillRows.Close()

	for skillRows.Next() {
		var name string
		var count int
		if err := skillRows.Scan(&name, &count); err != nil {
			return nil, err
		}
		stats.TopSkills[name] = count
	}

	return stats, skillRows.Err()
}

func (s *Store) queryCandidates(query string, args ...any) ([]Candidate, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var lastActive sql.NullString
		var skills sql.NullString

		if err := rows.Scan(&c.MemberID, &c.MemberName, &c.Bio, &lastActive,
			&c.Persona, &c.ConfidenceScore, &c.Reasoning, &skills); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}

		if lastActive.Valid && lastActive.String != "" {
			date := lastActive.String
			c.LastActiveDate = &date
		}

		c.Skills = splitSkills(skills)
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

func splitSkills(concat sql.NullString) []string {
	if !concat.Valid || concat.String == "" {
		return []string{}
	}
	return strings.Split(concat.String, ",")
}

func hasAllSkills(skills, required []string) bool {
	have := make(map[string]struct{}, len(skills))
	for _, skill := range skills {
		have[CanonicalSkillName(skill)] = struct{}{}
	}
	for _, req := range required {
		if _, ok := have[req]; !ok {
			return false
		}
	}
	return true
}

func daysSinceActive(lastActive *string) *float64 {
	if lastActive == nil {
		return nil
	}
	date, err := time.Parse(dateLayout, *lastActive)
	if err != nil {
		return nil
	}
	days := time.Since(date).Hours() / 24
	return &days
}
