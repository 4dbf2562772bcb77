package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evelogi/internal/engine"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "initdb", "init-roles", "set-role", "trade", "cleanup"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, initDBCmd.Flags().Lookup("drop"))
	assert.NotNil(t, rootCmd.PersistentFlags().ShorthandLookup("c"))
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	res := &engine.Result{
		Structure:  engine.Structure{Name: "Keepstar"},
		RegionID:   10000043,
		Candidates: 12,
		Opportunities: []engine.Opportunity{
			{TypeID: 34, TypeName: "Tritanium", ReferencePrice: 4, LocalPrice: 6, ProfitPerUnit: 1.5,
				Margin: 0.25, EstimatedDailyVolume: 100, EstimatedMonthlyProfit: 4500},
			{TypeID: 35, TypeName: "Pyerite", ReferencePrice: 10, LocalPrice: 13, ProfitPerUnit: 2,
				Margin: 0.18, EstimatedDailyVolume: 10, EstimatedMonthlyProfit: 600, Stockout: true},
		},
		FailedPages: 1,
		Duration:    1500 * time.Millisecond,
	}
	require.NoError(t, printResult(cmd, res))

	out := buf.String()
	assert.Contains(t, out, "Keepstar (region 10000043): 12 candidates, 2 opportunities, 0 failed volumes, 1 failed pages, 1.5s")
	assert.Contains(t, out, "Tritanium")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "stockout")

	buf.Reset()
	res.RegionName = "Domain"
	require.NoError(t, printResult(cmd, res))
	assert.Contains(t, buf.String(), "Keepstar (Domain): 12 candidates")
}
