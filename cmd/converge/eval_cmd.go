package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/aprio-one/converge/pkg/eval"
)

func runEvalCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: converge eval <run|list> [flags]")
		return exitError
	}

	switch args[0] {
	case "list":
		return runEvalList(args[1:], stdout, stderr)
	case "run":
		return runEvalRun(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown eval subcommand: %s\n", args[0])
		return exitError
	}
}

func loadFixtures(dir string) ([]eval.Fixture, error) {
	if dir != "" {
		return eval.LoadDir(dir)
	}
	return eval.Builtin()
}

func runEvalList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("eval list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dir := cmd.String("dir", "", "Load fixtures from a directory instead of the builtins")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	fixtures, err := loadFixtures(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	for _, f := range fixtures {
		fmt.Fprintf(stdout, "%s%-24s%s %s\n", ColorGreen, f.Name, ColorReset, f.Description)
	}
	return 0
}

func runEvalRun(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("eval run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	dir := cmd.String("dir", "", "Load fixtures from a directory instead of the builtins")
	name := cmd.String("fixture", "", "Run only the named fixture")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	fixtures, err := loadFixtures(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if *name != "" {
		var filtered []eval.Fixture
		for _, f := range fixtures {
			if f.Name == *name {
				filtered = append(filtered, f)
			}
		}
		if len(filtered) == 0 {
			fmt.Fprintf(stderr, "Error: no fixture named %q\n", *name)
			return exitError
		}
		fixtures = filtered
	}

	packs, err := builtinPacks()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	runner := eval.NewRunner(packs, slog.New(slog.DiscardHandler))
	reports := runner.RunAll(context.Background(), fixtures)
	if failed := eval.WriteReports(stdout, reports); failed > 0 {
		return exitHalted
	}
	return 0
}
