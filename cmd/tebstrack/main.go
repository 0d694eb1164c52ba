package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tebstrack-io/tebstrack/internal/config"
	"github.com/tebstrack-io/tebstrack/internal/database"
	"github.com/tebstrack-io/tebstrack/internal/ingest"
	"github.com/tebstrack-io/tebstrack/internal/mail/connector"
	"github.com/tebstrack-io/tebstrack/internal/mail/parser"
	"github.com/tebstrack-io/tebstrack/internal/mail/thread"
	"github.com/tebstrack-io/tebstrack/internal/repository"
	"github.com/tebstrack-io/tebstrack/internal/runner"
	"github.com/tebstrack-io/tebstrack/internal/runner/tasks"
	"github.com/tebstrack-io/tebstrack/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "tebstrack",
	Short: "TeBSTrack - helpdesk email ingestion",
	Long: `TeBSTrack turns a support mailbox into tickets.

It fetches mail incrementally over IMAP, threads replies onto their
tickets, and stores attachments alongside the conversation.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Load(configPathFlag)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch new mail once and create tickets",
	RunE:  runFetch,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled mail fetcher until interrupted",
	RunE:  runScheduler,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-mailbox fetch statistics",
	RunE:  runStats,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset fetch cursors so mailboxes are re-scanned",
	Long: `Reset deletes the stored fetch cursor for one mailbox (or all of
them). The next fetch re-derives its window; already-ingested messages
are skipped by Message-ID, so a reset is safe.`,
	RunE: runReset,
}

var threadCmd = &cobra.Command{
	Use:   "thread <thread-id>",
	Short: "Print the reply chain stored for one thread key",
	Args:  cobra.ExactArgs(1),
	RunE:  runThread,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(db, cfg.Database.Driver); err != nil {
			return err
		}
		fmt.Println("schema is up to date")
		return nil
	},
}

var resetMailboxFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", ".", "Directory containing config.yaml")
	resetCmd.Flags().StringVar(&resetMailboxFlag, "mailbox", "", "Mailbox to reset (default: all)")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(threadCmd)
	rootCmd.AddCommand(migrateCmd)
}

func openDatabase() (*sql.DB, *config.Config, error) {
	cfg := config.Get()
	db, err := database.Open(database.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func buildPipeline() (*ingest.Pipeline, *sql.DB, error) {
	db, cfg, err := openDatabase()
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, nil, err
	}

	blobs, err := storage.NewFilesystemStore(cfg.Storage.AttachmentsPath,
		storage.WithURLPrefix(cfg.Storage.PublicPrefix))
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	account := connector.Account{
		Host:        cfg.Mail.Host,
		Port:        cfg.Mail.Port,
		Username:    cfg.Mail.Username,
		Password:    []byte(cfg.Mail.Password),
		UseTLS:      cfg.Mail.UseTLS,
		DialTimeout: cfg.Mail.DialTimeout,
	}
	dialer := connector.NewIMAPDialer(connector.WithIMAPDialTimeout(cfg.Mail.DialTimeout))

	pipeline := ingest.New(dialer, account, parser.New(blobs),
		repository.NewTicketRepository(db, cfg.Database.Driver),
		repository.NewFetchStateRepository(db, cfg.Database.Driver),
		ingest.WithMailboxes(cfg.Ingest.Mailboxes...),
		ingest.WithInboundMailbox(cfg.Ingest.InboundMailbox),
		ingest.WithSystemAddress(cfg.Mail.SystemAddress),
		ingest.WithMaxPerFetch(cfg.Ingest.MaxPerFetch),
		ingest.WithMarkSeen(cfg.Ingest.MarkSeen),
	)
	return pipeline, db, nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	pipeline, db, err := buildPipeline()
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := pipeline.Run(cmd.Context())
	if err != nil {
		return err
	}
	for mailbox, mbErr := range report.MailboxErrors {
		fmt.Fprintf(os.Stderr, "warning: mailbox %s failed: %v\n", mailbox, mbErr)
	}
	fmt.Printf("%d new tickets (%d messages processed, %d skipped, %d failed)\n",
		report.NewTickets, report.Processed, report.Skipped, report.Failed)
	return nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	pipeline, db, err := buildPipeline()
	if err != nil {
		return err
	}
	defer db.Close()
	cfg := config.Get()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr)
	}

	registry := runner.NewTaskRegistry()
	registry.Register(tasks.NewFetchMailTask(pipeline, cfg.Ingest.Schedule))

	r := runner.NewRunner(registry)
	ctx := cmd.Context()
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait(ctx)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server: %v", err)
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	db, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewFetchStateRepository(db, cfg.Database.Driver)
	states, err := repo.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no mailboxes fetched yet")
		return nil
	}
	fmt.Printf("%-20s %10s %12s  %s\n", "MAILBOX", "LAST UID", "PROCESSED", "LAST FETCH")
	for _, s := range states {
		fmt.Printf("%-20s %10d %12d  %s\n",
			s.Mailbox, s.LastUID, s.TotalProcessed, s.LastFetchTime.Format(time.RFC3339))
	}
	return nil
}

func runThread(cmd *cobra.Command, args []string) error {
	db, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewTicketRepository(db, cfg.Database.Driver)
	msgs, err := repo.MessagesByThread(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("no messages for this thread")
		return nil
	}
	for _, m := range thread.Reconstruct(msgs) {
		fmt.Printf("%s  %s\n  %s\n", m.SentAt.Format(time.RFC3339), m.Sender, m.Subject)
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	db, cfg, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewFetchStateRepository(db, cfg.Database.Driver)
	if err := repo.Reset(cmd.Context(), resetMailboxFlag); err != nil {
		return err
	}
	if resetMailboxFlag == "" {
		fmt.Println("all fetch cursors reset")
	} else {
		fmt.Printf("fetch cursor for %s reset\n", resetMailboxFlag)
	}
	return nil
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
