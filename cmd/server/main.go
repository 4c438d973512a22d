/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the unit billing ledger. Handles configuration,
  dependency injection, and graceful shutdown. Admin tasks (billing runs,
  verification, audit log) run as subcommands against the same store.

COMMANDS:
  serve           HTTP API (and the billing scheduler when enabled)
  bill            Bill one fiscal month of a track
  verify          Replay credit accounts and check period ledgers
  client-config   Print the effective client configuration as TOML
  audit           Show the audit log (sqlite store only)

STARTUP SEQUENCE:
  1. Load configuration from the environment (envconfig)
  2. Build the zap logger
  3. Open the document store (memory, sqlite or postgres)
  4. Connect redis for the unit lock and statement cache, when configured
  5. Wire audit sinks, metrics and the billing service
  6. Run the command

ENVIRONMENT:
  STORE_DRIVER, SQLITE_PATH, PG_DSN, REDIS_ADDR, CLIENT_CONFIG and the
  rest: see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the billing scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Drain the audit queue, close redis and the store

EXAMPLES:
  # Serve with the default sqlite file
  ./server serve

  # Bill July water readings from the command line
  ./server bill --track water_bills --fy 2025 --fm 0 --charge U1=35.10

SEE ALSO:
  - api/server.go: Router configuration
  - cmd/server/app.go: Dependency wiring
  - config/config.go: Environment variables
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/unit-ledger/api"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/config"
	"github.com/warp/unit-ledger/factory"
	"github.com/warp/unit-ledger/generic"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Unit billing and credit ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, billCmd, verifyCmd, clientConfigCmd, auditCmd)

	billCmd.Flags().String("track", string(generic.TrackHOADues), "Billing track")
	billCmd.Flags().Int("fy", 0, "Fiscal year (named by its ending calendar year)")
	billCmd.Flags().Int("fm", -1, "Fiscal month index, 0-11")
	billCmd.Flags().StringArray("charge", nil, "Per-unit charge UNIT=AMOUNT in major units (repeatable)")
	billCmd.Flags().Bool("no-credit", false, "Do not apply existing credit to the new period")
	billCmd.Flags().String("actor", "cli", "Actor id recorded in the audit log")

	verifyCmd.Flags().String("unit", "", "Verify one unit only")

	auditCmd.Flags().String("unit", "", "Filter by unit")
	auditCmd.Flags().Int("limit", 50, "Maximum entries")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and wires the app for a command.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, log)
}

// =============================================================================
// SERVE
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.log.Sync()

	handler := api.NewHandler(a.service, a.log, api.RetryPolicy{
		Attempts:  a.cfg.RetryAttempts,
		BaseDelay: 20 * time.Millisecond,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:    a.cfg.CORSOrigins,
		RateLimitRPM:   a.cfg.RateLimitRPM,
		Production:     a.cfg.IsProduction(),
		RequestTimeout: a.cfg.AppWriteTimeout,
		Metrics:        a.metrics,
	})

	scheduler := api.NewBillingScheduler(a.service, a.clock, a.log)
	scheduler.CheckInterval = a.cfg.SchedulerInterval
	scheduler.Enabled = a.cfg.SchedulerEnabled
	scheduler.Start()

	server := &http.Server{
		Addr:         a.cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  a.cfg.AppReadTimeout,
		WriteTimeout: a.cfg.AppWriteTimeout,
		IdleTimeout:  a.cfg.AppIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", a.cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down server")
	case err := <-errCh:
		if err != nil {
			a.log.Error("server failed", zap.Error(err))
		}
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("shutdown incomplete", zap.Error(err))
	}
	a.log.Info("server stopped")
	return nil
}

// =============================================================================
// ADMIN COMMANDS
// =============================================================================

var billCmd = &cobra.Command{
	Use:   "bill",
	Short: "Bill one fiscal month of a track",
	Long: `Register and bill one fiscal month on every unit. Without --charge the
configured charges are used. Re-running a month leaves billed units alone.`,
	RunE: runBill,
}

func runBill(cmd *cobra.Command, _ []string) error {
	track, _ := cmd.Flags().GetString("track")
	fy, _ := cmd.Flags().GetInt("fy")
	fm, _ := cmd.Flags().GetInt("fm")
	rawCharges, _ := cmd.Flags().GetStringArray("charge")
	noCredit, _ := cmd.Flags().GetBool("no-credit")
	actor, _ := cmd.Flags().GetString("actor")

	charges, err := parseCharges(rawCharges)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if fy == 0 || fm < 0 {
		key, err := a.service.Config().Calendar().PeriodKeyFor(a.clock.Now(), generic.Track(track))
		if err != nil {
			return err
		}
		if fy == 0 {
			fy = key.FiscalYear
		}
		if fm < 0 {
			fm = key.FiscalMonth
		}
	}

	useCredit := !noCredit
	result, err := a.service.RunBilling(ctx, billing.BillingRunInput{
		Track:                     generic.Track(track),
		FiscalYear:                fy,
		FiscalMonth:               fm,
		Charges:                   charges,
		UseCreditToCoverShortfall: &useCredit,
		ActorID:                   actor,
	})
	if err != nil {
		return err
	}
	if err := printJSON(cmd, result); err != nil {
		return err
	}
	if failed := result.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d unit(s) failed to bill", len(failed))
	}
	return nil
}

// parseCharges reads UNIT=AMOUNT pairs. Nil input keeps configured charges.
func parseCharges(raw []string) (map[generic.UnitID]generic.Money, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[generic.UnitID]generic.Money, len(raw))
	for _, pair := range raw {
		unit, amount, ok := strings.Cut(pair, "=")
		if !ok || unit == "" {
			return nil, fmt.Errorf("invalid --charge %q, want UNIT=AMOUNT", pair)
		}
		m, err := generic.ParseMoney(amount)
		if err != nil {
			return nil, err
		}
		if m.IsNegative() {
			return nil, fmt.Errorf("--charge %s: %w", pair, generic.ErrNegativeAmount)
		}
		out[generic.UnitID(unit)] = m
	}
	return out, nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay credit accounts and check period ledgers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		unit, _ := cmd.Flags().GetString("unit")
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		report, err := a.service.Verify(cmd.Context(), generic.UnitID(unit))
		if err != nil {
			return err
		}
		if err := printJSON(cmd, report); err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("%d ledger fault(s)", len(report.Faults))
		}
		return nil
	},
}

var clientConfigCmd = &cobra.Command{
	Use:   "client-config",
	Short: "Print the effective client configuration as TOML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		clientCfg, err := loadClientConfig(cfg)
		if err != nil {
			return err
		}
		out, err := factory.NewConfigFactory().EncodeTOML(clientCfg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		unit, _ := cmd.Flags().GetString("unit")
		limit, _ := cmd.Flags().GetInt("limit")
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		if a.sqlite == nil {
			return fmt.Errorf("audit listing needs STORE_DRIVER=%s", config.DriverSQLite)
		}
		facts, err := a.sqlite.ListAudit(cmd.Context(), generic.UnitID(unit), limit)
		if err != nil {
			return err
		}
		return printJSON(cmd, facts)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
