// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command recall runs the run-centric memory engine.
//
// The engine admits completed agent runs into a durable graph store
// (ADD / REJECT / REPLACE / MERGE) and answers task queries with
// confidence-scored context from the retained set.
//
// Usage:
//
//	recall serve
//	recall serve --port 9090 --data-dir ./recall-data
//	recall stats
//
// With OpenAI (default provider):
//
//	OPENAI_API_KEY=sk-... recall serve
//
// With Ollama:
//
//	OLLAMA_BASE_URL=http://localhost:11434 recall serve --provider ollama
//
// Example requests:
//
//	# Submit a completed run
//	curl -X POST http://localhost:8080/v1/memory/runs \
//	  -H "Content-Type: application/json" \
//	  -d '{"run_id": "run-1", "agent_id": "builder", "task_text": "add caching", \
//	       "summary": "Added an LRU cache to the fetch path", "outcome": "success"}'
//
//	# Retrieve context for a new task
//	curl -X POST http://localhost:8080/v1/memory/retrieve \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "speed up repeated fetches"}'
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	configPath string
	port       int
	dataDir    string
	provider   string
	logLevel   string
	jsonLogs   bool
	statsAddr  string

	rootCmd = &cobra.Command{
		Use:   "recall",
		Short: "A run-centric memory engine for agent workflows",
		Long: `Recall stores completed agent runs in a durable graph, decides for
each new run whether it adds, replaces, or merges with retained memory,
and serves confidence-scored retrieval for incoming tasks.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config (defaults apply when empty)")
	serveCmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "recall-data", "Directory for the embedded store")
	serveCmd.Flags().StringVar(&provider, "provider", "openai", "LLM provider (openai or ollama)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "Write stderr logs as JSON")
	rootCmd.AddCommand(serveCmd)

	statsCmd.Flags().StringVar(&statsAddr, "addr", "http://localhost:8080", "Base URL of a running recall server")
	rootCmd.AddCommand(statsCmd)
}
