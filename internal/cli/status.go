package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/chain"
	"github.com/vietddude/paywatch/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cursor, chain tip and webhook backlog",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("status requires database.url")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	store := db.Store(domain.RetrySchedule(cfg.Webhook.Backoff()))
	cur, err := store.Cursors.Get(ctx)
	if err != nil {
		slog.Error("Failed to read cursor", "error", err)
		os.Exit(1)
	}
	pending, err := store.Webhooks.CountPending(ctx)
	if err != nil {
		slog.Error("Failed to count pending webhooks", "error", err)
		os.Exit(1)
	}

	var tipHeight any = "unavailable"
	client := chain.NewHTTPClient(cfg.Chain)
	defer client.Close()
	if tip, err := client.GetTip(ctx); err != nil {
		slog.Warn("Failed to read chain tip", "error", err)
	} else {
		tipHeight = tip.Height
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CONTRACT\tCURSOR\tBLOCK HASH\tTIP\tPENDING WEBHOOKS\tUPDATED")
	if cur == nil {
		_, _ = fmt.Fprintf(w, "%s\t-\t-\t%v\t%d\t-\n", client.ContractID(), tipHeight, pending)
	} else {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%v\t%d\t%s\n",
			client.ContractID(), cur.LastHeight, cur.LastBlockHash, tipHeight, pending,
			cur.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
