package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rollbar/rollbar-go"
	"github.com/spf13/cobra"
	pacswatch "gitlab.com/medical-research/pacswatch"
	"gitlab.com/medical-research/pacswatch/dicomfile"
	"gitlab.com/medical-research/pacswatch/filestore"
	"gitlab.com/medical-research/pacswatch/gcloudstorage"
	"gitlab.com/medical-research/pacswatch/healthcare"
	"gitlab.com/medical-research/pacswatch/http"
	"gitlab.com/medical-research/pacswatch/monitor"
	"gitlab.com/medical-research/pacswatch/orthanc"
	"gitlab.com/medical-research/pacswatch/pipeline"
	"gitlab.com/medical-research/pacswatch/sqlite"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Setup signal handlers.
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() { <-c; cancel() }()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	ConfigPath   string
	ArchiveURL   string
	PollInterval int
	StoreRoot    string
	Watermark    string
	HTTPAddress  string
	LedgerPath   string
}

// NewRootCommand returns the pacswatchd command. Without a subcommand it runs
// the monitor & the HTTP server until interrupted.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pacswatchd",
		Short:         "Watch a PACS for new instances and render them to PNG",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, opts, os.LookupEnv)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), config)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", DefaultConfigPath, "path to the YAML config file")
	flags.StringVar(&opts.ArchiveURL, "archive-url", "", "base URL of the archive REST API")
	flags.IntVar(&opts.PollInterval, "poll-interval", 0, "seconds between change feed polls")
	flags.StringVar(&opts.StoreRoot, "store-root", "", "directory processed images are written to")
	flags.StringVar(&opts.Watermark, "watermark", "", "text burned into rendered images")
	flags.StringVar(&opts.HTTPAddress, "http-addr", "", "bind address of the HTTP server")
	flags.StringVar(&opts.LedgerPath, "ledger", "", "path to the SQLite ledger; empty keeps the cursor in memory")

	cmd.AddCommand(NewProcessCommand(opts))

	return cmd
}

// loadConfig applies defaults, the config file, the environment & finally
// the flags that were set explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions, lookup func(string) (string, bool)) (Config, error) {
	config := DefaultConfig()
	if err := ReadConfigFile(opts.ConfigPath, cmd.Flags().Changed("config"), &config); err != nil {
		return config, err
	}
	if err := config.ApplyEnv(lookup); err != nil {
		return config, err
	}

	changed := cmd.Flags().Changed
	if changed("archive-url") {
		config.ArchiveURL = opts.ArchiveURL
	}
	if changed("poll-interval") {
		config.PollIntervalSeconds = opts.PollInterval
	}
	if changed("store-root") {
		config.StoreRoot = opts.StoreRoot
	}
	if changed("watermark") {
		config.Watermark = opts.Watermark
	}
	if changed("http-addr") {
		config.HTTPAddress = opts.HTTPAddress
	}
	if changed("ledger") {
		config.LedgerPath = opts.LedgerPath
	}
	return config, config.Validate()
}

func runDaemon(ctx context.Context, config Config) error {
	// Instantiate a new type to represent our application.
	m := NewMain()
	m.Config = config

	// Execute program.
	if err := m.Run(ctx); err != nil {
		m.Close()
		pacswatch.ReportError(ctx, err)
		return err
	}

	// Wait for CTRL-C.
	<-ctx.Done()

	// Clean up program.
	return m.Close()
}

// processOptions holds the flags of the process command.
type processOptions struct {
	*rootOptions
	Server          string
	Force           bool
	RequireMetadata bool
}

// NewProcessCommand returns the command running the pipeline for one instance.
func NewProcessCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &processOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process <instance-id>",
		Short: "Fetch, decode & render a single instance",
		Long: `Run the processing pipeline once for an instance and print the result as JSON.

With --server the run is delegated to a running pacswatchd, otherwise it
happens in this process against the configured archive & image store.

Example:
  pacswatchd process 0b1e4fb5-41e7d1e3-5d1c6a86-8f9a3a55-7d3e1b0c --force
  pacswatchd process 0b1e4fb5-41e7d1e3-5d1c6a86-8f9a3a55-7d3e1b0c --server http://localhost:3300`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, opts.rootOptions, os.LookupEnv)
			if err != nil {
				return err
			}
			return runProcess(cmd, config, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "URL of a running pacswatchd to delegate to")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "reprocess even when rendered images exist")
	cmd.Flags().BoolVar(&opts.RequireMetadata, "require-metadata", false, "fail when the metadata cannot be decoded")

	return cmd
}

func runProcess(cmd *cobra.Command, config Config, opts *processOptions, instanceID string) error {
	ctx := cmd.Context()
	processOpts := pacswatch.ProcessOptions{
		Watermark:       config.Watermark,
		Force:           opts.Force,
		RequireMetadata: opts.RequireMetadata,
	}

	var processor pacswatch.Processor
	if opts.Server != "" {
		processor = http.NewClient(opts.Server)
	} else {
		m := NewMain()
		m.Config = config
		if err := m.Open(ctx); err != nil {
			return err
		}
		defer m.Close()
		processor = m.Pipeline
	}

	result := processor.Process(ctx, instanceID, processOpts)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("instance %s: %s", instanceID, result.Status)
	}
	return nil
}

// Main represents the program.
type Main struct {
	// Parsed configuration.
	Config Config

	// Services wired together by Open.
	Archive      *orthanc.Client
	Store        *filestore.Store
	Ledger       *sqlite.Ledger
	CloudStorage *gcloudstorage.GCloudStorage
	DicomStore   *healthcare.DicomStoreService
	Pipeline     *pipeline.Pipeline
	Monitor      *monitor.Monitor

	// HTTP server for handling HTTP communication.
	// Pipeline services are attached to it before running.
	HTTPServer *http.Server

	monitorDone chan struct{}
}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{
		Config:     DefaultConfig(),
		HTTPServer: http.NewServer(),
	}
}

// Close gracefully stops the program.
func (m *Main) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.HTTPServer != nil {
		keep(m.HTTPServer.Close())
	}
	if m.monitorDone != nil {
		<-m.monitorDone
	}
	if m.Monitor != nil {
		keep(m.Monitor.Close())
	}
	if m.CloudStorage != nil {
		keep(m.CloudStorage.Close())
	}
	if m.Ledger != nil {
		keep(m.Ledger.Close())
	}
	if m.Config.RollbarToken != "" {
		rollbar.Wait()
	}
	return firstErr
}

// Open validates the configuration and builds the pipeline with every
// configured backend. Backends are opened concurrently.
func (m *Main) Open(ctx context.Context) error {
	if err := m.Config.Validate(); err != nil {
		return err
	}

	// Initialize error tracking.
	if m.Config.RollbarToken != "" {
		rollbar.SetToken(m.Config.RollbarToken)
		rollbar.SetEnvironment(m.Config.Environment)
		rollbar.SetCodeVersion(pacswatch.Version)
		rollbar.SetServerRoot("gitlab.com/medical-research/pacswatch")
		pacswatch.ReportError = rollbarReportError
		pacswatch.ReportPanic = rollbarReportPanic
		log.Printf("rollbar error tracking enabled")
	}

	m.Store = filestore.NewStore(m.Config.StoreRoot)
	m.Archive = orthanc.NewClient(m.Config.ArchiveURL, m.Config.FetchTimeout())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(m.openLedger)
	g.Go(func() error { return m.openCloudStorage(gctx) })
	g.Go(func() error { return m.openDicomStore(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	m.Pipeline = pipeline.NewPipeline(m.Archive, dicomfile.NewDecoder(), dicomfile.NewRasterizer(), m.Store)
	m.Pipeline.FetchTimeout = m.Config.FetchTimeout()
	m.Pipeline.Events = m.HTTPServer.Events
	if m.Ledger != nil {
		m.Pipeline.Ledger = m.Ledger
	}
	if m.CloudStorage != nil {
		m.Pipeline.CloudStorage = gcloudstorage.NewCloudStorageService(m.CloudStorage)
		m.Pipeline.Bucket = &pacswatch.CloudStorageBucket{Name: m.Config.Bucket}
	}
	if m.DicomStore != nil {
		m.Pipeline.DicomStore = m.DicomStore
	}
	return nil
}

func (m *Main) openLedger() error {
	if m.Config.LedgerPath == "" {
		log.Printf("no ledger configured, change feed cursor is kept in memory")
		return nil
	}
	ledger, err := sqlite.Open(m.Config.LedgerPath)
	if err != nil {
		return err
	}
	m.Ledger = ledger
	return nil
}

func (m *Main) openCloudStorage(ctx context.Context) error {
	if m.Config.Bucket == "" {
		return nil
	}
	cloudStorage, err := gcloudstorage.NewGCloudStorage(ctx)
	if err != nil {
		return err
	}
	m.CloudStorage = cloudStorage
	log.Printf("publishing rendered images to gs://%s", m.Config.Bucket)
	return nil
}

func (m *Main) openDicomStore(ctx context.Context) error {
	h := m.Config.Healthcare
	if !h.Enabled() {
		return nil
	}

	dataset := healthcare.NewDataset(h.ProjectID, h.Location, h.DatasetID)
	dicomAPI, err := healthcare.NewGoogleDicomAPI(ctx, dataset)
	if err != nil {
		return err
	}

	dicomStore := healthcare.NewDicomStoreService(dicomAPI, pacswatch.DicomStore{StoreID: h.DicomStoreID})
	if err := dicomStore.EnsureDicomStore(ctx); err != nil {
		return err
	}
	m.DicomStore = dicomStore
	log.Printf("forwarding instances to %s", dataset.DicomStoreName(h.DicomStoreID))
	return nil
}

// Run executes the program. The configuration should already be set up before
// calling this function.
func (m *Main) Run(ctx context.Context) error {
	if err := m.Open(ctx); err != nil {
		return err
	}

	m.Monitor = monitor.NewMonitor(m.Archive, m.Pipeline)
	m.Monitor.Interval = m.Config.PollInterval()
	m.Monitor.Backoff = m.Config.Backoff
	m.Monitor.MaxInterval = m.Config.MaxInterval()
	m.Monitor.MaxInFlight = m.Config.MaxInFlight
	m.Monitor.ChangeLimit = m.Config.ChangeLimit
	m.Monitor.Options = pacswatch.ProcessOptions{Watermark: m.Config.Watermark}
	if m.Ledger != nil {
		m.Monitor.Ledger = m.Ledger

		// Transient failures of a previous run are retried on the first poll.
		ids, err := m.Ledger.RetryableResults(ctx)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			log.Printf("%d instance(s) queued for retry", len(ids))
			m.Monitor.Retry(ids...)
		}
	}

	// Copy configuration settings to the HTTP server.
	m.HTTPServer.Addr = m.Config.HTTPAddress
	m.HTTPServer.Domain = m.Config.Domain
	m.HTTPServer.AllowedOrigins = m.Config.AllowedOrigins
	m.HTTPServer.ArchiveService = m.Archive
	m.HTTPServer.Processor = m.Pipeline
	m.HTTPServer.ImageStore = m.Store
	m.HTTPServer.ProcessOptions = pacswatch.ProcessOptions{Watermark: m.Config.Watermark}
	if m.Ledger != nil {
		m.HTTPServer.LedgerService = m.Ledger
	}
	if m.Pipeline.CloudStorage != nil {
		m.HTTPServer.CloudStorageService = m.Pipeline.CloudStorage
		m.HTTPServer.Bucket = m.Pipeline.Bucket
		m.HTTPServer.ServiceAccount = m.Config.ServiceAccount
	}

	// Start the HTTP server.
	if err := m.HTTPServer.Open(); err != nil {
		return err
	}

	// If TLS enabled, redirect non-TLS connections to TLS.
	if m.HTTPServer.UseTLS() {
		go func() {
			log.Fatal(http.ListenAndServeTLSRedirect(m.Config.Domain))
		}()
	}

	// Enable internal debug endpoints.
	if addr := m.Config.DebugAddress; addr != "" {
		go func() { log.Fatal(http.ListenAndServeDebug(addr)) }()
	}

	// Start watching the change feed.
	m.monitorDone = make(chan struct{})
	go func() {
		defer close(m.monitorDone)
		m.Monitor.Run(ctx)
	}()

	log.Printf("running: url=%q archive=%q debug=%q", m.HTTPServer.URL(), m.Config.ArchiveURL, m.Config.DebugAddress)

	return nil
}

// rollbarReportError reports internal errors to rollbar.
func rollbarReportError(ctx context.Context, err error, args ...interface{}) {
	if pacswatch.ErrorCode(err) != pacswatch.EINTERNAL {
		return
	}

	rollbar.Error(append([]interface{}{err}, args...)...)
	log.Printf("error reported to rollbar: %s", err)
}

// rollbarReportPanic reports panics to rollbar.
func rollbarReportPanic(err interface{}) {
	log.Printf("panic: %v", err)
	rollbar.LogPanic(err, true)
}
