// Kestrel - AML alert triage from transactions to audited decisions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command kestrel runs the alert, case, enrichment and decision pipeline.
//
// Usage:
//
//	# Run every stage over the configured inputs
//	kestrel run --config kestrel.yaml
//
//	# Run one stage from the previous stage's output
//	kestrel decide
//
//	# Compare decisions against labelled outcomes
//	kestrel evaluate --truth data/ground_truth.jsonl
//
//	# Serve the HTTP API with scheduled runs and policy hot reload
//	kestrel serve
package main

func main() {
	Execute()
}
