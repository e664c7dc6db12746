package main

import (
    "strings"

    "github.com/charmbracelet/lipgloss"
)

var (
    headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
    cellStyle   = lipgloss.NewStyle()
    mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
    goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
    warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
    badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
    titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")).MarginBottom(1)
)

// table renders rows under headers with padded columns. style, when set,
// picks the style of a cell by column and value.
type table struct {
    headers []string
    rows    [][]string
    style   func(col int, value string) lipgloss.Style
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) String() string {
    widths := make([]int, len(t.headers))
    for i, h := range t.headers { widths[i] = lipgloss.Width(h) }
    for _, r := range t.rows {
        for i, c := range r {
            if i < len(widths) { widths[i] = max(widths[i], lipgloss.Width(c)) }
        }
    }

    var lines []string
    lines = append(lines, t.line(t.headers, widths, func(int, string) lipgloss.Style { return headerStyle }))
    total := 0
    for _, w := range widths { total += w + 2 }
    lines = append(lines, mutedStyle.Render(strings.Repeat("─", max(total-2, 0))))
    for _, r := range t.rows {
        pick := t.style
        if pick == nil { pick = func(int, string) lipgloss.Style { return cellStyle } }
        lines = append(lines, t.line(r, widths, pick))
    }
    return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (t *table) line(cells []string, widths []int, pick func(int, string) lipgloss.Style) string {
    parts := make([]string, 0, len(widths))
    for i, w := range widths {
        v := ""
        if i < len(cells) { v = cells[i] }
        pad := 2
        if i == len(widths)-1 { pad = 0 }
        parts = append(parts, pick(i, v).Width(w+pad).Render(v))
    }
    return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

// modeStyle colours a supervisor mode.
func modeStyle(mode string) lipgloss.Style {
    switch mode {
    case "coordinator":
        return goodStyle
    case "standalone":
        return warnStyle
    case "inactive":
        return badStyle
    }
    return cellStyle
}
