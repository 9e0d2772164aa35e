package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/pterm/pterm"
	"github.com/spf13/viper"
)

func jsonOutput() bool {
	return strings.EqualFold(viper.GetString("output"), "json")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints an operator control result.
func printResult(res core.Result) error {
	if jsonOutput() {
		return printJSON(res)
	}
	pterm.Success.Println(res.Summary)
	return nil
}

// printTable renders rows under headers, or a warning when empty.
func printTable(headers []string, rows [][]string) error {
	if jsonOutput() {
		return fmt.Errorf("printTable called in json mode")
	}
	if len(rows) == 0 {
		pterm.Warning.Println("No results found.")
		return nil
	}
	data := pterm.TableData{headers}
	data = append(data, rows...)
	if err := pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(data).Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}

// list prints items as JSON, or as a table built by toRow.
func list[T any](items []T, headers []string, toRow func(T) []string) error {
	if jsonOutput() {
		return printJSON(items)
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, toRow(it))
	}
	return printTable(headers, rows)
}
