// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/recall/services/memory"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store composition from a running recall server",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(statsAddr + "/v1/memory/stats")
	if err != nil {
		return fmt.Errorf("reaching %s: %w", statsAddr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, body)
	}

	var stats memory.StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("parsing stats: %w", err)
	}

	fmt.Printf("Active runs:     %d\n", stats.ActiveRuns)
	fmt.Printf("Superseded runs: %d\n", stats.SupersededRuns)
	fmt.Println("Decisions:")
	for _, kind := range []memory.DecisionKind{
		memory.DecisionAdd, memory.DecisionReject,
		memory.DecisionReplace, memory.DecisionMerge,
	} {
		fmt.Printf("  %-8s %d\n", kind, stats.Decisions[kind])
	}
	return nil
}
