package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/robertmeta/feedpoll/model"
)

const (
	defaultTableWidth = 120
	minTitleWidth     = 20
)

// tableWidth honours $COLUMNS when it is set.
func tableWidth() int {
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	return defaultTableWidth
}

// writeTable renders articles as a pipe table sized by display width, so
// CJK and emoji titles line up. Titles are truncated to fit width.
func writeTable(w io.Writer, articles []model.Article, width int) error {
	rows := [][]string{{"PUBLISHED", "SOURCE", "TITLE"}}
	for _, a := range articles {
		published := "-"
		if a.PublishedTime != nil {
			published = a.PublishedTime.UTC().Format("2006-01-02 15:04")
		}
		src := model.Source{FeedURL: a.SourceFeedURL, DisplayName: a.SourceName}
		rows = append(rows, []string{published, src.Name(), a.Title})
	}

	widths := make([]int, 3)
	for _, row := range rows {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	// "| " + " | " + " | " + " |" take 10 cells
	titleBudget := width - widths[0] - widths[1] - 10
	if titleBudget < minTitleWidth {
		titleBudget = minTitleWidth
	}
	if widths[2] > titleBudget {
		widths[2] = titleBudget
	}

	for i, row := range rows {
		var sb strings.Builder
		sb.WriteString("|")
		for j, cell := range row {
			cell = runewidth.Truncate(cell, widths[j], "…")
			sb.WriteString(" ")
			sb.WriteString(runewidth.FillRight(cell, widths[j]))
			sb.WriteString(" |")
		}
		if _, err := fmt.Fprintln(w, sb.String()); err != nil {
			return err
		}

		if i == 0 {
			sb.Reset()
			sb.WriteString("|")
			for _, cw := range widths {
				sb.WriteString(" " + strings.Repeat("-", cw) + " |")
			}
			if _, err := fmt.Fprintln(w, sb.String()); err != nil {
				return err
			}
		}
	}

	return nil
}
