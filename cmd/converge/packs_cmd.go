package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/aprio-one/converge/pkg/pack"
)

// builtinPacks returns the registry every command shares. Packs bundle a
// scripted provider here; live commands rebuild them with the real backend.
func builtinPacks() (*pack.Registry, error) {
	packs := pack.NewRegistry()
	if err := packs.Register(pack.GrowthPack(pack.DeterministicProvider())); err != nil {
		return nil, err
	}
	return packs, nil
}

func runPacksCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: converge packs <list|info> [name]")
		return exitError
	}

	packs, err := builtinPacks()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	switch args[0] {
	case "list":
		for _, name := range packs.Names() {
			p, err := packs.Resolve(name, "")
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return exitError
			}
			fmt.Fprintf(stdout, "%s%s%s %s\n", ColorGreen, p.ID(), ColorReset, p.Description)
		}
		return 0
	case "info":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Usage: converge packs info <name>")
			return exitError
		}
		p, err := packs.Resolve(args[1], "")
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		return printPackInfo(stdout, p)
	default:
		fmt.Fprintf(stderr, "Unknown packs subcommand: %s\n", args[0])
		return exitError
	}
}

func printPackInfo(w io.Writer, p *pack.Pack) int {
	info := map[string]any{
		"name":        p.Name,
		"version":     p.Version,
		"description": p.Description,
	}
	truths := make([]map[string]string, 0, len(p.Truths))
	for _, t := range p.Truths {
		truths = append(truths, map[string]string{
			"id":             t.ID,
			"classification": string(t.Classification),
			"description":    t.Description,
		})
	}
	sources := make([]string, 0, len(p.Sources))
	for _, s := range p.Sources {
		sources = append(sources, s.Name())
	}
	info["truths"] = truths
	info["sources"] = sources

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return exitError
	}
	fmt.Fprintln(w, string(data))
	return 0
}
