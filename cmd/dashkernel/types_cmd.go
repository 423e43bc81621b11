package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/dashkernel/pkg/dashboard"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel"
)

type typeListing struct {
	Commands []commandListing `json:"commands"`
	Queries  []string         `json:"queries"`
}

type commandListing struct {
	Type   string `json:"type"`
	Policy string `json:"policy"`
}

// runTypesCmd lists every registered command and query tag.
func runTypesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("types", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	reg := kernel.NewRegistry()
	if err := dashboard.Register(reg, dashboard.Options{}); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var listing typeListing
	for _, t := range reg.CommandTypes() {
		policy, _ := reg.Policy(t)
		listing.Commands = append(listing.Commands, commandListing{Type: string(t), Policy: policy.String()})
	}
	for _, q := range reg.QueryTypes() {
		listing.Queries = append(listing.Queries, string(q))
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(listing); err != nil {
			return 2
		}
		return 0
	}
	_, _ = fmt.Fprintln(stdout, "COMMANDS")
	for _, c := range listing.Commands {
		_, _ = fmt.Fprintf(stdout, "  %-60s %s\n", c.Type, c.Policy)
	}
	_, _ = fmt.Fprintln(stdout, "QUERIES")
	for _, q := range listing.Queries {
		_, _ = fmt.Fprintf(stdout, "  %s\n", q)
	}
	return 0
}
