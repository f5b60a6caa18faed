package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albeorla/reddit-miner/internal/store"
	"github.com/albeorla/reddit-miner/pkg/source"
)

type fixture struct {
	srv         *httptest.Server
	runID       int64
	signalID    int64
	watchlistID int64
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertItems(ctx, []source.Item{
		{ID: "p1", Container: "SaaS", Title: "Invoices", URL: "https://www.reddit.com/r/SaaS/comments/p1/x/", FetchedAt: time.Now().Unix()},
		{ID: "p2", Container: "SaaS", Title: "Nothing", FetchedAt: time.Now().Unix()},
	}))

	runID, err := st.CreateRun(ctx, []string{"SaaS"})
	require.NoError(t, err)

	sigID, err := st.SaveSignal(ctx, "p1", runID, &store.Signal{
		ExtractionState: store.StateExtracted,
		Summary:         "Invoicing is slow",
		Score:           30,
		ClusterID:       "c1",
	})
	require.NoError(t, err)
	_, err = st.SaveSignal(ctx, "p2", runID, &store.Signal{ExtractionState: store.StateNotExtractable})
	require.NoError(t, err)

	require.NoError(t, st.LogFailure(ctx, &store.ProcessingEntry{RunID: runID, Source: "SaaS", Stage: "listing", Message: "status 503"}))
	require.NoError(t, st.CompleteRun(ctx, runID, store.RunResult{Status: store.RunCompleted, ItemsFetched: 2, SignalsSaved: 2, Errors: 1}))

	wid, err := st.CreateWatchlist(ctx, &store.Watchlist{Name: "billing", Keywords: []string{"invoic"}})
	require.NoError(t, err)
	_, err = st.RecordMatch(ctx, &store.AlertMatch{WatchlistID: wid, SignalID: sigID, Keyword: "invoic"})
	require.NoError(t, err)

	srv := httptest.NewServer(New(st, 0, nil).Handler())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, runID: runID, signalID: sigID, watchlistID: wid}
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := setup(t)

	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, f.srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSignals(t *testing.T) {
	f := setup(t)

	type page struct {
		Data  []store.Signal `json:"data"`
		Count int            `json:"count"`
	}

	var qualified page
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/v1/signals", &qualified))
	require.Equal(t, 1, qualified.Count)
	assert.Equal(t, "Invoicing is slow", qualified.Data[0].Summary)

	var all page
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/v1/signals?include_low_quality=true", &all))
	assert.Equal(t, 2, all.Count)

	assert.Equal(t, http.StatusBadRequest, get(t, f.srv.URL+"/api/v1/signals?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, f.srv.URL+"/api/v1/signals?include_low_quality=maybe", nil))
}

func TestSignalDetail(t *testing.T) {
	f := setup(t)

	var detail store.SignalDetail
	url := f.srv.URL + "/api/v1/signals/" + itoa(f.signalID)
	require.Equal(t, http.StatusOK, get(t, url, &detail))
	assert.Equal(t, "p1", detail.ItemID)
	require.NotNil(t, detail.Item)
	assert.Equal(t, "Invoices", detail.Item.Title)

	assert.Equal(t, http.StatusNotFound, get(t, f.srv.URL+"/api/v1/signals/9999", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, f.srv.URL+"/api/v1/signals/abc", nil))
}

func TestRuns(t *testing.T) {
	f := setup(t)

	var list struct {
		Data  []store.Run `json:"data"`
		Count int         `json:"count"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/v1/runs", &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, store.RunCompleted, list.Data[0].Status)
	assert.Equal(t, []string{"SaaS"}, list.Data[0].Sources)

	var one struct {
		Run      store.Run               `json:"run"`
		Failures []store.ProcessingEntry `json:"failures"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/v1/runs/"+itoa(f.runID), &one))
	assert.Equal(t, 1, one.Run.Errors)
	require.Len(t, one.Failures, 1)
	assert.Equal(t, "listing", one.Failures[0].Stage)

	assert.Equal(t, http.StatusNotFound, get(t, f.srv.URL+"/api/v1/runs/9999", nil))
}

func TestStats(t *testing.T) {
	f := setup(t)

	var stats store.Stats
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/v1/stats", &stats))
	assert.Equal(t, 2, stats.Items)
	assert.Equal(t, 2, stats.Signals)
	assert.Equal(t, 1, stats.QualifiedSignals)
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 2, stats.ItemsBySource["SaaS"])
}

func TestWatchlists(t *testing.T) {
	f := setup(t)

	var lists struct {
		Data  []store.Watchlist `json:"data"`
		Count int               `json:"count"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/api/v1/watchlists", &lists))
	require.Equal(t, 1, lists.Count)
	assert.Equal(t, "billing", lists.Data[0].Name)
	assert.Equal(t, []string{"invoic"}, lists.Data[0].Keywords)
	assert.Equal(t, 1, lists.Data[0].TotalMatches)

	var matches struct {
		Data  []store.AlertMatch `json:"data"`
		Count int                `json:"count"`
	}
	url := f.srv.URL + "/api/v1/watchlists/" + itoa(f.watchlistID) + "/matches?unnotified=true"
	require.Equal(t, http.StatusOK, get(t, url, &matches))
	require.Equal(t, 1, matches.Count)
	assert.Equal(t, f.signalID, matches.Data[0].SignalID)
	assert.Equal(t, "Invoicing is slow", matches.Data[0].Summary)

	assert.Equal(t, http.StatusBadRequest, get(t, f.srv.URL+"/api/v1/watchlists/x/matches", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, url+"x", nil))
}

func TestMethodNotAllowed(t *testing.T) {
	f := setup(t)

	resp, err := http.Post(f.srv.URL+"/api/v1/signals", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
