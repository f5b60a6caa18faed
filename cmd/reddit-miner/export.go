package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/albeorla/reddit-miner/internal/store"
)

var exportHeader = []string{
	"id", "item_id", "run_id", "cluster_id", "extraction_state", "score", "confidence",
	"evidence_strength", "disqualified", "summary", "core_problem", "target_audience",
	"proposed_solution", "evidence", "risk_flags", "duplicates", "created_at",
}

// exportFormat picks the output format from the file extension. Anything
// but .csv is written as JSON.
func exportFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return "csv"
	}
	return "json"
}

func writeExport(w io.Writer, format string, signals []store.Signal) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(signals)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, s := range signals {
		err := cw.Write([]string{
			strconv.FormatInt(s.ID, 10),
			s.ItemID,
			strconv.FormatInt(s.RunID, 10),
			s.ClusterID,
			s.ExtractionState,
			strconv.Itoa(s.Score),
			strconv.FormatFloat(s.Confidence, 'f', 2, 64),
			strconv.Itoa(s.EvidenceStrength),
			strconv.FormatBool(s.Disqualified),
			s.Summary,
			s.CoreProblem,
			s.TargetAudience,
			s.ProposedSolution,
			strings.Join(s.Evidence, " | "),
			strings.Join(s.RiskFlags, ", "),
			strings.Join(s.Duplicates, ","),
			s.CreatedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func runExport(ctx context.Context, output string, limit int, includeDisqualified bool) error {
	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	signals, err := db.GetTop(ctx, store.TopOpts{Limit: limit, IncludeLowQuality: includeDisqualified})
	if err != nil {
		return fmt.Errorf("list signals: %w", err)
	}
	if len(signals) == 0 {
		fmt.Println("no signals to export")
		return nil
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	if err := writeExport(f, exportFormat(output), signals); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", output, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", output, err)
	}

	fmt.Printf("exported %d signals to %s\n", len(signals), output)
	return nil
}
