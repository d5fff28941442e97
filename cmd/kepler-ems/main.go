// Command kepler-ems is the Energy Management System entry point: it wires
// the Store, Forecast Provider, Planner, Scheduler, Executor, and
// wsbroadcast Hub together and exposes them via a small CLI, following the
// teacher's single-binary, flag-driven entry point (main.go).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devskill-org/kepler-ems/internal/actuator/sigen"
	"github.com/devskill-org/kepler-ems/internal/config"
	"github.com/devskill-org/kepler-ems/internal/emserr"
	"github.com/devskill-org/kepler-ems/internal/executor"
	"github.com/devskill-org/kepler-ems/internal/forecast"
	"github.com/devskill-org/kepler-ems/internal/kepler"
	"github.com/devskill-org/kepler-ems/internal/pubsub"
	"github.com/devskill-org/kepler-ems/internal/scheduler"
	"github.com/devskill-org/kepler-ems/internal/store"
	"github.com/devskill-org/kepler-ems/internal/wsbroadcast"

	_ "github.com/lib/pq"
)

// Exit codes from spec.md §6 "CLI & exit codes".
const (
	exitOK          = 0
	exitInfeasible  = 2
	exitIOError     = 3
	exitConfigError = 4
)

func main() {
	configFile := flag.String("config", "config.json", "Configuration file path")
	help := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *help || flag.NArg() == 0 {
		showHelp()
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(exitConfigError)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	switch flag.Arg(0) {
	case "plant-info":
		os.Exit(runPlantInfo(cfg))
	case "plan-once":
		os.Exit(runPlanOnce(cfg, logger))
	case "execute-tick":
		os.Exit(runExecuteTick(cfg, logger))
	case "daemon":
		os.Exit(runDaemon(cfg, logger))
	default:
		fmt.Printf("unknown command %q\n\n", flag.Arg(0))
		showHelp()
		os.Exit(exitConfigError)
	}
}

// deps bundles the shared components every subcommand needs, built once
// from cfg.
type deps struct {
	store    *store.Store
	act      *sigen.Actuator
	forecast forecast.Provider
	planner  *kepler.Planner
	bus      *pubsub.Bus
}

func buildDeps(cfg *config.Config, logger *log.Logger) (*deps, error) {
	st, err := store.Open(cfg.PostgresConnString, logger)
	if err != nil {
		return nil, emserr.Wrap(emserr.KindStoreIO, "main.buildDeps", err, "open store")
	}

	act, err := sigen.New(cfg.ActuatorAddress)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		loc = time.UTC
	}

	var fc forecast.Provider = forecast.NewStoreProvider(st.DB())
	if cfg.EntsoE.Enabled {
		fc = forecast.NewEntsoePriceProvider(fc, forecast.EntsoeConfig{
			SecurityToken: cfg.EntsoE.SecurityToken,
			URLFormat:     cfg.EntsoE.URLFormat,
			Location:      loc,
			ExportMargin:  cfg.EntsoE.ExportMarginSEKPerKWh,
		})
	}

	planner := kepler.NewPlanner(kepler.NewGolpSolver(), log.New(logger.Writer(), "[PLANNER] ", log.LstdFlags))
	planner.HardWaterGap = cfg.Kepler.HardWaterGapConstraint

	return &deps{
		store:    st,
		act:      act,
		forecast: fc,
		planner:  planner,
		bus:      pubsub.NewBus(),
	}, nil
}

func runPlantInfo(cfg *config.Config) int {
	if err := sigen.ShowPlantInfo(cfg.ActuatorAddress); err != nil {
		fmt.Println("Error:", err)
		return exitIOError
	}
	return exitOK
}

func runPlanOnce(cfg *config.Config, logger *log.Logger) int {
	d, err := buildDeps(cfg, logger)
	if err != nil {
		fmt.Println("Error:", err)
		return exitIOError
	}
	defer d.store.Close()

	sched := scheduler.New(d.store, d.forecast, d.planner, d.act, d.bus, cfg, log.New(logger.Writer(), "[SCHEDULER] ", log.LstdFlags))
	ctx, cancel := context.WithTimeout(context.Background(), scheduler.PlanTimeout+10*time.Second)
	defer cancel()

	if err := sched.RunOnce(ctx); err != nil {
		fmt.Println("Planning failed:", err)
		return exitCodeForErr(err)
	}

	result, ok, err := d.store.LoadSchedule(ctx)
	if err != nil {
		return exitIOError
	}
	if !ok {
		return exitInfeasible
	}
	fmt.Printf("Planned %d slots, horizon [%s, %s)\n", len(result.Slots), result.Meta.HorizonStart.Format(time.RFC3339), result.Meta.HorizonEnd.Format(time.RFC3339))
	return exitOK
}

// exitCodeForErr maps a plan cycle's emserr.Kind onto spec.md §6's exit codes,
// so plan-once/execute-tick distinguish infeasibility from I/O and config
// failures without string-matching the error text.
func exitCodeForErr(err error) int {
	var e *emserr.Error
	if !errors.As(err, &e) {
		return exitInfeasible
	}
	switch e.Kind {
	case emserr.KindSolverInfeasible, emserr.KindSolverTimeout, emserr.KindInvalidInput:
		return exitInfeasible
	case emserr.KindConfigInvalid:
		return exitConfigError
	case emserr.KindForecastUnavailable, emserr.KindStoreIO, emserr.KindActuatorUnreachable, emserr.KindActuatorRejected:
		return exitIOError
	default:
		return exitInfeasible
	}
}

func runExecuteTick(cfg *config.Config, logger *log.Logger) int {
	d, err := buildDeps(cfg, logger)
	if err != nil {
		fmt.Println("Error:", err)
		return exitIOError
	}
	defer d.store.Close()

	exec := executor.New(d.store, d.act, cfg, log.New(logger.Writer(), "[EXECUTOR] ", log.LstdFlags))
	exec.Tick(context.Background())
	return exitOK
}

func runDaemon(cfg *config.Config, logger *log.Logger) int {
	d, err := buildDeps(cfg, logger)
	if err != nil {
		fmt.Println("Error:", err)
		return exitIOError
	}
	defer d.store.Close()

	schedLogger := log.New(logger.Writer(), "[SCHEDULER] ", log.LstdFlags)
	execLogger := log.New(logger.Writer(), "[EXECUTOR] ", log.LstdFlags)

	sched := scheduler.New(d.store, d.forecast, d.planner, d.act, d.bus, cfg, schedLogger)
	exec := executor.New(d.store, d.act, cfg, execLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mux := http.NewServeMux()
	hub := wsbroadcast.NewHub(d.bus, d.store.LoadSchedule, log.New(logger.Writer(), "[WS] ", log.LstdFlags))
	hub.RegisterHandlers(mux)
	go hub.Run(ctx)
	registerHealthHandlers(mux, sched)

	httpServer := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("[HTTP] server error: %v", err)
		}
	}()

	go func() {
		if err := sched.Start(ctx); err != nil {
			logger.Printf("[SCHEDULER] stopped: %v", err)
		}
	}()

	tickInterval := time.Duration(cfg.Executor.TickSeconds) * time.Second
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				exec.Tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Printf("kepler-ems daemon started. Press Ctrl+C to stop...")
	<-sigChan
	logger.Printf("shutdown signal received")
	cancel()
	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return exitOK
}

func registerHealthHandlers(mux *http.ServeMux, sched *scheduler.Scheduler) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if sched.IsRunning() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"running":%t}`, sched.IsRunning())
	})
}

func showHelp() {
	fmt.Println("kepler-ems - Residential energy management system (Planner, Scheduler, Executor)")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  kepler-ems [-config FILE] <command>")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  plan-once     Run a single planning cycle and persist the schedule")
	fmt.Println("  execute-tick  Run a single executor tick against the current schedule")
	fmt.Println("  daemon        Run the Scheduler and Executor until signaled")
	fmt.Println("  plant-info    Print the actuator's plant running information")
	fmt.Println()
	fmt.Println("FLAGS:")
	flag.PrintDefaults()
}
