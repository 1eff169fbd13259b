/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/atoniolo76/llmvm/pkg/session"
)

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func statusColors(s session.Status) tablewriter.Colors {
	switch s {
	case session.StatusReady:
		return tablewriter.Colors{tablewriter.Bold, tablewriter.FgGreenColor}
	case session.StatusDegraded, session.StatusProvisioning:
		return tablewriter.Colors{tablewriter.Bold, tablewriter.FgYellowColor}
	case session.StatusFailed, session.StatusDestroying:
		return tablewriter.Colors{tablewriter.Bold, tablewriter.FgRedColor}
	default:
		return tablewriter.Colors{}
	}
}

// richRow colors column col of row and leaves the rest plain.
func richRow(row []string, col int, c tablewriter.Colors) []tablewriter.Colors {
	colors := make([]tablewriter.Colors, len(row))
	colors[col] = c
	return colors
}
