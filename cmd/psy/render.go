package main

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/loykin/psy/internal/history"
	"github.com/loykin/psy/internal/manager"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

func renderProcesses(infos []manager.MonitorInfo, color bool) string {
	if len(infos) == 0 {
		return "no processes"
	}
	headers := []string{"NAME", "STATUS", "PID", "RESTARTS", "UPTIME", "COMMAND"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft}
	rows := make([][]string, 0, len(infos))
	now := time.Now()
	for _, info := range infos {
		pid := "-"
		if info.PID != 0 {
			pid = strconv.Itoa(info.PID)
		}
		uptime := "-"
		if info.Started != nil && info.PID != 0 {
			uptime = now.Sub(*info.Started).Truncate(time.Second).String()
		}
		rows = append(rows, []string{
			info.ID,
			statusText(info.Status, color),
			pid,
			restartsText(info.Restarts, info.MaxRestarts),
			uptime,
			strings.Join(info.Command, " "),
		})
	}
	return renderTable(headers, rows, aligns)
}

func restartsText(n, max int) string {
	if max < 0 {
		return strconv.Itoa(n)
	}
	return strconv.Itoa(n) + "/" + strconv.Itoa(max)
}

func statusText(status string, color bool) string {
	if !color {
		return status
	}
	switch status {
	case "running":
		return text.FgGreen.Sprint(status)
	case "crashed":
		return text.FgRed.Sprint(status)
	case "sleeping", "starting", "stopping":
		return text.FgYellow.Sprint(status)
	default:
		return text.FgHiBlack.Sprint(status)
	}
}

func renderHistory(events []history.Event) string {
	if len(events) == 0 {
		return "no events"
	}
	headers := []string{"TIME", "NAME", "EVENT", "PID", "DETAIL"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		pid := ""
		if e.PID != 0 {
			pid = strconv.Itoa(e.PID)
		}
		rows = append(rows, []string{
			e.OccurredAt.Local().Format(time.DateTime),
			e.ID,
			e.Type,
			pid,
			e.Detail,
		})
	}
	return renderTable(headers, rows, aligns)
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
