// Command planlint checks plan documents before they are submitted.
//
//	planlint [--json] [--schema-only] plan.yaml...
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aescanero/pipeorch/internal/application/engine"
	"github.com/aescanero/pipeorch/internal/application/orchestrator"
	"github.com/aescanero/pipeorch/pkg/plan"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type result struct {
	File  string `json:"file"`
	Plan  string `json:"plan,omitempty"`
	Nodes int    `json:"nodes,omitempty"`
	Error string `json:"error,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("planlint", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	asJSON := flags.Bool("json", false, "print results as JSON")
	schemaOnly := flags.Bool("schema-only", false, "only check documents against the plan schema")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: planlint [flags] plan.yaml...")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	var validator *orchestrator.Validator
	if !*schemaOnly {
		registry := engine.NewStepRegistry(engine.BuiltinSteps(zap.NewNop())...)
		validator = orchestrator.NewValidator(registry)
	}

	results := make([]result, 0, flags.NArg())
	failed := false
	for _, path := range flags.Args() {
		r := lint(path, validator)
		if r.Error != "" {
			failed = true
		}
		results = append(results, r)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			fmt.Fprintf(stderr, "failed to encode results: %v\n", err)
			return 1
		}
	} else {
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(stdout, "FAIL %s: %s\n", r.File, r.Error)
				continue
			}
			fmt.Fprintf(stdout, "ok   %s (plan %s, %d nodes)\n", r.File, r.Plan, r.Nodes)
		}
	}

	if failed {
		return 1
	}
	return 0
}

func lint(path string, validator *orchestrator.Validator) result {
	r := result{File: path}

	g, err := plan.LoadFile(path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Plan, r.Nodes = g.ID, len(g.Nodes)

	if validator != nil {
		if err := validator.Validate(g); err != nil {
			r.Error = err.Error()
		}
	}
	return r
}
