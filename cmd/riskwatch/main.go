package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/riskwatch/internal/config"
	"github.com/ehr/riskwatch/internal/domain/analysis"
	"github.com/ehr/riskwatch/internal/domain/risk"
	"github.com/ehr/riskwatch/internal/platform/db"
	"github.com/ehr/riskwatch/internal/platform/fhir"
	"github.com/ehr/riskwatch/internal/platform/fhirclient"
	"github.com/ehr/riskwatch/internal/platform/metrics"
	"github.com/ehr/riskwatch/internal/platform/middleware"
	"github.com/ehr/riskwatch/internal/platform/mqtt"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "riskwatch",
		Short: "Vital-sign risk classification and FHIR delivery service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and the MQTT ingest when MQTT_BROKER is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify one vitals snapshot and print the report and bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			vitalsJSON, _ := cmd.Flags().GetString("vitals")
			deliver, _ := cmd.Flags().GetBool("deliver")
			return runClassify(cmd.Context(), cmd.OutOrStdout(), patient, vitalsJSON, deliver)
		},
	}
	cmd.Flags().String("patient", "", "Patient id the report is about")
	cmd.Flags().String("vitals", "{}", `Vitals as JSON, e.g. '{"hr":180,"spo2":95}'`)
	cmd.Flags().Bool("deliver", false, "Deliver the bundle to the configured record store")
	cmd.MarkFlagRequired("patient")
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Deliver a saved transaction Bundle to the configured record store",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			var in io.Reader = cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runSubmit(cmd.Context(), in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("file", "-", "Bundle JSON file, - for stdin")
	return cmd
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Consume vitals from MQTT_BROKER without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres record store",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx, schema)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx, schema)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(os.Stdout, schema, statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		c.Flags().String("dir", "./migrations", "Path to migrations directory")
		cmd.AddCommand(c)
	}
	return cmd
}

func openPool(ctx context.Context, schema string) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	if schema == "" {
		schema = cfg.DBSchema
	}
	return db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// healthCheck reports a component's detail and whether it is usable.
type healthCheck func(ctx context.Context) (interface{}, error)

// app holds the wired service and what it needs to be shut down.
type app struct {
	svc     *analysis.Service
	store   string
	checks  map[string]healthCheck
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires thresholds, the record store and the pending store.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{checks: map[string]healthCheck{}}

	classifier, err := newClassifier(cfg)
	if err != nil {
		return nil, err
	}

	var records analysis.RecordStore
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.checks["postgres"] = db.HealthCheck(pool)
		records = db.NewResourceStore(pool, logger)
		logger.Info().Str("schema", cfg.DBSchema).Msg("using postgres record store")
	} else {
		client := fhirclient.New(fhirclient.Config{
			BaseURL:        cfg.FHIRServerURL,
			Timeout:        cfg.FHIRTimeout,
			RateLimitRPS:   cfg.FHIRRateLimitRPS,
			RateLimitBurst: cfg.FHIRRateLimitBurst,
		}, logger)
		a.checks["fhir"] = func(ctx context.Context) (interface{}, error) {
			return map[string]string{"base_url": cfg.FHIRServerURL}, client.Ping(ctx)
		}
		records = client
		logger.Info().Str("base_url", cfg.FHIRServerURL).Msg("using FHIR server record store")
	}
	a.store = records.Name()

	var pending analysis.Store
	if cfg.RedisURL != "" {
		rdb, err := analysis.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		rs := analysis.NewRedisStore(rdb, cfg.PendingTTL)
		a.closers = append(a.closers, func() { rdb.Close() })
		a.checks["redis"] = func(ctx context.Context) (interface{}, error) {
			return nil, rs.Ping(ctx)
		}
		pending = rs
	} else {
		pending = analysis.NewMemoryStore(cfg.PendingTTL)
	}

	a.svc = analysis.NewService(classifier, records, pending, logger)
	return a, nil
}

func newClassifier(cfg *config.Config) (*risk.Classifier, error) {
	th, err := risk.LoadThresholds(cfg.ThresholdsFile)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	return risk.NewClassifier(th)
}

// newServer builds the echo instance with middleware and routes.
func newServer(a *app, cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = outcomeErrorHandler

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	e.GET("/health", healthHandler(a.checks, a.store))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rateLimitCfg),
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)
	analysis.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

// outcomeErrorHandler renders unhandled errors as OperationOutcome bodies.
func outcomeErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = fmt.Sprintf("%v", he.Message)
	}

	code := fhir.IssueTypeException
	switch status {
	case http.StatusNotFound:
		code = fhir.IssueTypeNotFound
	case http.StatusRequestEntityTooLarge:
		code = fhir.IssueTypeTooCostly
	case http.StatusTooManyRequests:
		code = fhir.IssueTypeThrottled
	case http.StatusMethodNotAllowed, http.StatusBadRequest:
		code = fhir.IssueTypeInvalid
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(status)
		return
	}
	c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, msg))
}

// healthHandler runs every check with a short deadline; any failure turns
// the response into 503.
func healthHandler(checks map[string]healthCheck, store string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := "ok"
		components := make(map[string]interface{}, len(checks))
		for name, check := range checks {
			detail, err := check(ctx)
			entry := map[string]interface{}{"status": "ok"}
			if detail != nil {
				entry["detail"] = detail
			}
			if err != nil {
				status = "degraded"
				entry["status"] = "down"
				entry["error"] = err.Error()
			}
			components[name] = entry
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status":     status,
			"version":    version,
			"store":      store,
			"components": components,
		})
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return err
	}
	defer a.Close()

	if cfg.MQTTBroker != "" {
		client, err := startIngest(ctx, cfg, a.svc, logger)
		if err != nil {
			return err
		}
		defer client.Disconnect()
	}

	e := newServer(a, cfg, logger)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runIngest() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required for ingest")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := startIngest(ctx, cfg, a.svc, logger)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	<-ctx.Done()
	logger.Info().Msg("ingest stopped")
	return nil
}

func startIngest(ctx context.Context, cfg *config.Config, svc *analysis.Service, logger zerolog.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(mqtt.Config{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		QoS:      1,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := client.Subscribe(ctx, cfg.MQTTTopic, svc.HandleMessage); err != nil {
		client.Disconnect()
		return nil, err
	}
	return client, nil
}

func runClassify(ctx context.Context, out io.Writer, patientID, vitalsJSON string, deliver bool) error {
	vitals, err := parseVitalsFlag(vitalsJSON)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req := analysis.AnalyzeRequest{PatientID: patientID, Vitals: vitals, Source: analysis.SourceCLI}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if !deliver {
		classifier, err := newClassifier(cfg)
		if err != nil {
			return err
		}
		svc := analysis.NewService(classifier, nil, analysis.NewMemoryStore(0), zerolog.Nop())
		res, err := svc.Classify(ctx, req)
		if err != nil {
			return err
		}
		return enc.Encode(res)
	}

	logger := newLogger(cfg)
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Analyze(ctx, req)
	if res != nil {
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	}
	return err
}

func runSubmit(ctx context.Context, in io.Reader, out io.Writer) error {
	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	bundle, err := fhir.ParseTransactionBundle(body)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := buildApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	receipt, err := a.svc.SubmitBundle(ctx, bundle)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(receipt)
}

// parseVitalsFlag decodes the --vitals JSON object, keeping numbers exact.
func parseVitalsFlag(s string) (map[string]interface{}, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var vitals map[string]interface{}
	if err := dec.Decode(&vitals); err != nil {
		return nil, fmt.Errorf("invalid --vitals JSON: %w", err)
	}
	return vitals, nil
}
