package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/albeorla/reddit-miner/internal/store"
	"github.com/albeorla/reddit-miner/pkg/watch"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage keyword watchlists and their matches",
	}
	cmd.AddCommand(watchAddCmd())
	cmd.AddCommand(watchListCmd())
	cmd.AddCommand(watchRemoveCmd())
	cmd.AddCommand(watchCheckCmd())
	cmd.AddCommand(watchMatchesCmd())
	return cmd
}

func watchAddCmd() *cobra.Command {
	var (
		name       string
		subreddits []string
		webhook    string
	)

	cmd := &cobra.Command{
		Use:   "add <keywords>",
		Short: "Create a watchlist from comma separated keywords",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := &store.Watchlist{
				Name:       name,
				Keywords:   strings.Split(args[0], ","),
				Containers: subreddits,
				WebhookURL: webhook,
			}
			if w.Name == "" {
				w.Name = args[0]
			}
			return runWatchAdd(cmd.Context(), w)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "watchlist name (default: the keywords)")
	cmd.Flags().StringSliceVarP(&subreddits, "subreddit", "s", nil, "only match these subreddits (default: all)")
	cmd.Flags().StringVar(&webhook, "webhook", "", "also post matches to this URL")
	return cmd
}

func watchListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List watchlists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchList(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func watchRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <watchlist-id>",
		Short: "Delete a watchlist and its matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchRemove(cmd.Context(), args[0])
		},
	}
}

func watchCheckCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Match stored signals against the watchlists and send alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchCheck(cmd.Context(), limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 500, "max signals to check, highest score first")
	return cmd
}

func watchMatchesCmd() *cobra.Command {
	var (
		watchlistID int64
		unnotified  bool
		limit       int
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "matches",
		Short: "List recorded watchlist matches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchMatches(cmd.Context(), store.MatchListOpts{
				WatchlistID: watchlistID,
				Unnotified:  unnotified,
				Limit:       limit,
			}, jsonOutput)
		},
	}

	cmd.Flags().Int64Var(&watchlistID, "watchlist", 0, "only this watchlist")
	cmd.Flags().BoolVar(&unnotified, "unnotified", false, "only matches no alert was delivered for")
	cmd.Flags().IntVar(&limit, "limit", 50, "max matches to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runWatchAdd(ctx context.Context, w *store.Watchlist) error {
	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	id, err := db.CreateWatchlist(ctx, w)
	if err != nil {
		return err
	}
	fmt.Printf("created watchlist #%d %q: %s\n", id, w.Name, strings.Join(w.Keywords, ", "))
	return nil
}

func runWatchList(ctx context.Context, jsonOutput bool) error {
	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	lists, err := db.ListWatchlists(ctx, false)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(lists)
	}
	if len(lists) == 0 {
		fmt.Println("no watchlists (add one: reddit-miner watch add \"stripe, invoices\")")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKEYWORDS\tSUBREDDITS\tMATCHES\tACTIVE")
	for _, l := range lists {
		subs := "all"
		if len(l.Containers) > 0 {
			subs = strings.Join(l.Containers, ", ")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%t\n",
			l.ID, l.Name, strings.Join(l.Keywords, ", "), subs, l.TotalMatches, l.Active)
	}
	return w.Flush()
}

func runWatchRemove(ctx context.Context, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid watchlist id %q", arg)
	}

	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	if err := db.DeleteWatchlist(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("watchlist %d not found", id)
		}
		return err
	}
	fmt.Printf("deleted watchlist #%d\n", id)
	return nil
}

func runWatchCheck(ctx context.Context, limit int) error {
	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	signals, err := db.GetTop(ctx, store.TopOpts{Limit: limit})
	if err != nil {
		return fmt.Errorf("list signals: %w", err)
	}

	matches, err := watch.NewChecker(db, buildAlertManager(cfg), log).Check(ctx, signals)
	if err != nil {
		return err
	}
	fmt.Printf("found %d new matches in %d signals\n", len(matches), len(signals))
	if len(matches) > 0 {
		printMatches(matches)
	}
	return nil
}

func runWatchMatches(ctx context.Context, opts store.MatchListOpts, jsonOutput bool) error {
	_, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()
	defer log.Sync()

	matches, err := db.ListMatches(ctx, opts)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(matches)
	}
	if len(matches) == 0 {
		fmt.Println("no matches")
		return nil
	}
	printMatches(matches)
	return nil
}

func printMatches(matches []store.AlertMatch) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WATCHLIST\tKEYWORD\tSUBREDDIT\tSIGNAL\tSUMMARY\tURL")
	for _, m := range matches {
		name := m.WatchlistName
		if name == "" {
			name = strconv.FormatInt(m.WatchlistID, 10)
		}
		fmt.Fprintf(w, "%s\t%s\tr/%s\t%d\t%s\t%s\n",
			name, m.Keyword, m.Container, m.SignalID, truncate(m.Summary, 50), m.URL)
	}
	w.Flush()
}
