package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/albeorla/reddit-miner/pkg/dedupe"
	"github.com/albeorla/reddit-miner/pkg/source"
)

// Extraction states reported by the analyzer.
const (
	StateExtracted      = "extracted"
	StateNotExtractable = "not_extractable"
	StateDisqualified   = "disqualified"
)

// Signal is a record derived from one item during one run.
type Signal struct {
	ID               int64     `db:"id" json:"id"`
	ItemID           string    `db:"item_id" json:"item_id"`
	RunID            int64     `db:"run_id" json:"run_id"`
	ClusterID        string    `db:"cluster_id" json:"cluster_id"`
	Duplicates       []string  `db:"-" json:"duplicates"`
	DuplicatesJSON   string    `db:"duplicates" json:"-"`
	ExtractionState  string    `db:"extraction_state" json:"extraction_state"`
	Summary          string    `db:"summary" json:"summary"`
	CoreProblem      string    `db:"core_problem" json:"core_problem"`
	TargetAudience   string    `db:"target_audience" json:"target_audience"`
	ProposedSolution string    `db:"proposed_solution" json:"proposed_solution"`
	Evidence         []string  `db:"-" json:"evidence"`
	EvidenceJSON     string    `db:"evidence" json:"-"`
	EvidenceStrength int       `db:"evidence_strength" json:"evidence_strength"`
	RiskFlags        []string  `db:"-" json:"risk_flags"`
	RiskFlagsJSON    string    `db:"risk_flags" json:"-"`
	Score            int       `db:"score" json:"score"`
	Confidence       float64   `db:"confidence" json:"confidence"`
	Disqualified     bool      `db:"disqualified" json:"disqualified"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// SimilarityFields exposes the fields compared when deduplicating signals.
func (s Signal) SimilarityFields() dedupe.Fields {
	return dedupe.Fields{
		Summary:        s.Summary,
		CoreProblem:    s.CoreProblem,
		TargetAudience: s.TargetAudience,
	}
}

// SignalDetail is a signal with the item it came from.
type SignalDetail struct {
	Signal
	Item *source.Item `json:"item"`
}

// TopOpts controls GetTop.
type TopOpts struct {
	Limit int
	// IncludeLowQuality also returns disqualified and non-extracted signals.
	IncludeLowQuality bool
}

// Stats summarizes the database.
type Stats struct {
	Items            int            `json:"items"`
	ProcessedItems   int            `json:"processed_items"`
	Signals          int            `json:"signals"`
	QualifiedSignals int            `json:"qualified_signals"`
	Clusters         int            `json:"clusters"`
	Runs             int            `json:"runs"`
	ItemsBySource    map[string]int `json:"items_by_source"`
}

// SaveSignal stores sig for (itemID, runID) and returns its row id. A second
// signal for the same pair yields ErrConstraintViolation.
func (s *SQLiteStore) SaveSignal(ctx context.Context, itemID string, runID int64, sig *Signal) (int64, error) {
	sig.ItemID = itemID
	sig.RunID = runID
	if sig.ExtractionState == "" {
		sig.ExtractionState = StateExtracted
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (item_id, run_id, cluster_id, duplicates, extraction_state,
			summary, core_problem, target_audience, proposed_solution,
			evidence, evidence_strength, risk_flags, score, confidence, disqualified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sig.ItemID, sig.RunID, sig.ClusterID, jsonList(sig.Duplicates), sig.ExtractionState,
		sig.Summary, sig.CoreProblem, sig.TargetAudience, sig.ProposedSolution,
		jsonList(sig.Evidence), sig.EvidenceStrength, jsonList(sig.RiskFlags),
		sig.Score, sig.Confidence, sig.Disqualified, sig.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return 0, fmt.Errorf("save signal %s/%d: %w", itemID, runID, ErrConstraintViolation)
		}
		return 0, fmt.Errorf("save signal %s/%d: %w", itemID, runID, err)
	}

	sig.ID, _ = res.LastInsertId()
	return sig.ID, nil
}

// GetTop returns the highest scoring signals.
func (s *SQLiteStore) GetTop(ctx context.Context, opts TopOpts) ([]Signal, error) {
	q := sq.Select("*").From("signals").OrderBy("score DESC", "confidence DESC", "id")
	if !opts.IncludeLowQuality {
		q = q.Where(sq.Eq{"extraction_state": StateExtracted, "disqualified": false})
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	q = q.Limit(uint64(limit))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build top query: %w", err)
	}

	var signals []Signal
	if err := s.db.SelectContext(ctx, &signals, query, args...); err != nil {
		return nil, fmt.Errorf("list top signals: %w", err)
	}
	for i := range signals {
		decodeSignal(&signals[i])
	}
	return signals, nil
}

func (s *SQLiteStore) GetDetail(ctx context.Context, id int64) (*SignalDetail, error) {
	var sig Signal
	err := s.db.GetContext(ctx, &sig, "SELECT * FROM signals WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get signal %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get signal %d: %w", id, err)
	}
	decodeSignal(&sig)

	item, err := s.GetItem(ctx, sig.ItemID)
	if err != nil {
		return nil, err
	}
	return &SignalDetail{Signal: sig, Item: item}, nil
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ItemsBySource: map[string]int{}}

	err := s.db.QueryRowxContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM items WHERE processed = 1),
			(SELECT COUNT(*) FROM signals),
			(SELECT COUNT(*) FROM signals WHERE extraction_state = ? AND disqualified = 0),
			(SELECT COUNT(DISTINCT cluster_id) FROM signals WHERE cluster_id != ''),
			(SELECT COUNT(*) FROM runs)
	`, StateExtracted).Scan(&stats.Items, &stats.ProcessedItems, &stats.Signals,
		&stats.QualifiedSignals, &stats.Clusters, &stats.Runs)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, "SELECT container, COUNT(*) FROM items GROUP BY container")
	if err != nil {
		return nil, fmt.Errorf("count items by source: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var container string
		var cnt int
		if err := rows.Scan(&container, &cnt); err != nil {
			return nil, err
		}
		stats.ItemsBySource[container] = cnt
	}
	return stats, rows.Err()
}

func decodeSignal(sig *Signal) {
	json.Unmarshal([]byte(sig.DuplicatesJSON), &sig.Duplicates)
	json.Unmarshal([]byte(sig.EvidenceJSON), &sig.Evidence)
	json.Unmarshal([]byte(sig.RiskFlagsJSON), &sig.RiskFlags)
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}
