package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/aprio-one/converge/pkg/replay"
)

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: converge replay <verify|compare> [flags]")
		return exitError
	}

	switch args[0] {
	case "verify":
		return runReplayVerify(args[1:], stdout, stderr)
	case "compare":
		return runReplayCompare(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown replay subcommand: %s\n", args[0])
		return exitError
	}
}

func runReplayVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	path := cmd.String("ledger", "", "Path to a JSONL ledger export (REQUIRED)")
	jsonOut := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if *path == "" {
		fmt.Fprintln(stderr, "Error: --ledger is required")
		cmd.Usage()
		return exitError
	}

	result, err := replay.VerifyFile(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		printVerifyResult(stdout, result)
	}

	if !result.Valid() {
		return exitHalted
	}
	return 0
}

func printVerifyResult(w io.Writer, r *replay.Result) {
	if r.Valid() {
		fmt.Fprintf(w, "%svalid%s %s: %d entries, %d facts\n", ColorBold+ColorGreen, ColorReset, r.RunID, r.TotalEntries, r.Facts)
	} else {
		fmt.Fprintf(w, "%sINVALID%s %s\n", ColorBold, ColorReset, r.RunID)
		if r.ChainError != "" {
			fmt.Fprintf(w, "  chain: %s\n", r.ChainError)
		}
		for _, dup := range r.DuplicateFacts {
			fmt.Fprintf(w, "  duplicate fact: %s\n", dup)
		}
	}
	fmt.Fprintf(w, "  context version: %s\n", r.ContextVersion)
	if r.FinalState != "" {
		fmt.Fprintf(w, "  final state: %s\n", r.FinalState)
	}
	for entryType, count := range r.Summary {
		fmt.Fprintf(w, "  %s: %d\n", entryType, count)
	}
}

func runReplayCompare(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay compare", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	pathA := cmd.String("a", "", "First JSONL ledger export (REQUIRED)")
	pathB := cmd.String("b", "", "Second JSONL ledger export (REQUIRED)")
	jsonOut := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if *pathA == "" || *pathB == "" {
		fmt.Fprintln(stderr, "Error: --a and --b are required")
		cmd.Usage()
		return exitError
	}

	a, err := replay.ReadLedgerFile(*pathA)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	b, err := replay.ReadLedgerFile(*pathB)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	comparison, err := replay.Compare(a, b)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(comparison, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if comparison.Deterministic {
		fmt.Fprintf(stdout, "%sdeterministic%s %d facts, final state %s\n", ColorBold+ColorGreen, ColorReset, comparison.FactsA, comparison.FinalStateA)
	} else {
		fmt.Fprintf(stdout, "%sDIVERGENT%s at position %d: %s\n", ColorBold, ColorReset, comparison.Divergence.Position, comparison.Divergence.Detail)
	}

	if !comparison.Deterministic {
		return exitHalted
	}
	return 0
}
