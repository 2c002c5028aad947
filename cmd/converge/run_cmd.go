package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/config"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/engine"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/pack"
	"github.com/aprio-one/converge/pkg/replay"
	"github.com/aprio-one/converge/pkg/run"
	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/stream"
	"github.com/aprio-one/converge/pkg/truth"
)

// runRunCmd executes a single run in-process and exits with the contract
// codes: 0 converged, 1 halted, 2 budget exceeded, 3 system error.
//
//nolint:gocognit
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		seedsArg   string
		packName   string
		packVer    string
		maxCycles  int
		maxFacts   int
		wallClock  time.Duration
		mock       bool
		streamOut  bool
		jsonOut    bool
		quiet      bool
		exportPath string
	)
	cmd.StringVar(&seedsArg, "seeds", "", "Seed facts as JSON array, or @path to a file (REQUIRED)")
	cmd.StringVar(&packName, "pack", "growth-strategy", "Truth pack to install")
	cmd.StringVar(&packVer, "pack-version", "", "Semver constraint for the pack")
	cmd.IntVar(&maxCycles, "max-cycles", 50, "Cycle budget")
	cmd.IntVar(&maxFacts, "max-facts", 0, "Fact budget (0 = unlimited)")
	cmd.DurationVar(&wallClock, "max-wall-clock", 0, "Wall clock budget (0 = unlimited)")
	cmd.BoolVar(&mock, "mock", false, "Use the deterministic scripted provider")
	cmd.BoolVar(&streamOut, "stream", false, "Print ledger events as they commit")
	cmd.BoolVar(&jsonOut, "json", false, "Print the final status as JSON")
	cmd.BoolVar(&quiet, "quiet", false, "Suppress progress output")
	cmd.StringVar(&exportPath, "export", "", "Write the run ledger as JSONL to this path")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if seedsArg == "" {
		fmt.Fprintln(stderr, "Error: --seeds is required")
		cmd.Usage()
		return exitError
	}

	seeds, err := parseSeeds(seedsArg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	logLevel := slog.LevelWarn
	if quiet {
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := ledger.NewInMemoryLedger()
	hub := stream.NewHub(l, logger)
	l.Observe(hub)

	truths, err := truth.NewEngine(overrideAuthorizer())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	cfg := config.Load()
	provider := pack.DeterministicProvider()
	if !mock {
		provider = buildProvider(cfg, buildLimiter(cfg))
	}

	sources := source.NewRegistry()
	packs := pack.NewRegistry()
	if err := packs.Register(pack.GrowthPack(provider)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if _, err := packs.Install(ctx, packName, packVer, truths, sources); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	eng := engine.New(l, truths, sources, logger)
	manager := run.NewManager(l, eng, truths, logger)

	runID, err := manager.Submit(ctx, run.SubmitRequest{
		Seeds: seeds,
		Budget: budget.Budget{
			MaxCycles:    maxCycles,
			MaxFacts:     maxFacts,
			MaxWallClock: wallClock,
		},
		Actor: contracts.Actor{Type: contracts.ActorUser, ID: "cli", Device: cliDevice()},
	})
	if err != nil {
		var violation *contracts.InvariantViolation
		if errors.As(err, &violation) {
			fmt.Fprintf(stderr, "Halted at submission: %s (%s)\n", violation.Reason, violation.TruthID)
			return exitHalted
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if !quiet && !jsonOut {
		fmt.Fprintf(stdout, "run %s submitted (%d seeds)\n", runID, len(seeds))
	}

	var sub *stream.Subscriber
	if streamOut {
		sub = hub.Subscribe(runID)
		defer sub.Close()
		go func() {
			for ev := range sub.Events() {
				printEvent(stdout, ev)
			}
		}()
	}

	status, err := awaitTerminal(ctx, manager, runID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if exportPath != "" {
		if err := exportLedger(ctx, l, runID, exportPath); err != nil {
			fmt.Fprintf(stderr, "Export failed: %v\n", err)
			return exitError
		}
		if !quiet && !jsonOut {
			fmt.Fprintf(stdout, "ledger exported to %s\n", exportPath)
		}
	}

	if jsonOut {
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if !quiet {
		printStatus(stdout, status)
	}

	switch {
	case status.Status == contracts.RunConverged:
		return exitConverged
	case status.HaltReason == contracts.HaltBudgetExceeded:
		return exitBudget
	case status.HaltReason == contracts.HaltSystemError:
		return exitError
	default:
		return exitHalted
	}
}

// parseSeeds accepts inline JSON or @path indirection, matching how curl
// treats request bodies.
func parseSeeds(arg string) ([]run.SeedFact, error) {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read seeds file: %w", err)
		}
		raw = data
	}
	var seeds []run.SeedFact
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("parse seeds: %w", err)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("no seed facts given")
	}
	return seeds, nil
}

func awaitTerminal(ctx context.Context, manager *run.Manager, runID string) (*contracts.RunStatus, error) {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		status, err := manager.Status(ctx, runID)
		if err != nil {
			return nil, err
		}
		if status.Status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			// Let the interrupt cancel the run before reporting.
			_ = manager.Control(context.Background(), contracts.ControlMessage{
				JobID:       runID,
				ControlType: contracts.ControlCancel,
				Actor:       contracts.Actor{Type: contracts.ActorUser, ID: "cli"},
			})
			for {
				final, err := manager.Status(context.Background(), runID)
				if err != nil {
					return nil, err
				}
				if final.Status.Terminal() {
					return final, nil
				}
				time.Sleep(10 * time.Millisecond)
			}
		case <-tick.C:
		}
	}
}

func exportLedger(ctx context.Context, l ledger.Ledger, runID, path string) error {
	entries, err := l.ReadRange(ctx, runID, 1, 0)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return replay.WriteLedger(f, entries)
}

func printEvent(w io.Writer, ev contracts.Event) {
	inner, _ := ev.Payload["payload"].(map[string]any)
	switch ev.EventType {
	case contracts.EventFact:
		fmt.Fprintf(w, "  %s[fact]%s    seq=%d %v/%v\n", ColorCyan, ColorReset, ev.Seq, ev.Payload["key"], ev.Payload["fact_id"])
	case contracts.EventDecision:
		fmt.Fprintf(w, "  %s[halt]%s    seq=%d %v\n", ColorBold, ColorReset, ev.Seq, inner["reason"])
	case contracts.EventStatus:
		fmt.Fprintf(w, "  %s[status]%s  seq=%d %v\n", ColorGray, ColorReset, ev.Seq, inner["state"])
	default:
		fmt.Fprintf(w, "  [%s] seq=%d\n", ev.EventType, ev.Seq)
	}
}

func printStatus(w io.Writer, status *contracts.RunStatus) {
	fmt.Fprintf(w, "%s%s%s after %d cycles, %d facts\n", ColorBold, status.Status, ColorReset, status.Cycles, status.FactsCount)
	if status.HaltReason != "" {
		fmt.Fprintf(w, "  halt reason: %s", status.HaltReason)
		if status.HaltTruthID != "" {
			fmt.Fprintf(w, " (%s)", status.HaltTruthID)
		}
		fmt.Fprintln(w)
	}
}

func cliDevice() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return "cli:" + host
}
