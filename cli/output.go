package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/hypernetix/fullmoon-go/pkg/catalog"
	"github.com/hypernetix/fullmoon-go/pkg/progress"
)

// printTableHeader prints a table header with specified column widths
func printTableHeader(w io.Writer, columns []string, widths []int) {
	for i, col := range columns {
		fmt.Fprintf(w, "%-*s", widths[i], col)
		if i < len(columns)-1 {
			fmt.Fprint(w, " | ")
		}
	}
	fmt.Fprintln(w)

	for i, width := range widths {
		fmt.Fprint(w, strings.Repeat("-", width))
		if i < len(widths)-1 {
			fmt.Fprint(w, "-+-")
		}
	}
	fmt.Fprintln(w)
}

// truncateString truncates a string if it's longer than maxLen and adds "..."
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

type modelRow struct {
	catalog.ModelDescriptor
	Default   bool `json:"default"`
	Installed bool `json:"installed"`
}

// printModels prints catalog models in a table or as JSON.
func printModels(w io.Writer, rows []modelRow, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshalling to JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintf(w, "\nModels:\n")
	if len(rows) == 0 {
		fmt.Fprintln(w, "No models found")
		return nil
	}

	longest := 0
	for _, r := range rows {
		longest = max(longest, len(r.ID))
	}
	longest = max(longest, 15) + 2

	printTableHeader(w, []string{"Model", "Name", "Size", "Behavior", "Status"}, []int{longest, 36, 8, 10, 18})
	for _, r := range rows {
		var status []string
		if r.Default {
			status = append(status, "default")
		}
		if r.Installed {
			status = append(status, "installed")
		}
		fmt.Fprintf(w, "%-*s | %-36s | %-8s | %-10s | %-18s\n",
			longest,
			truncateString(r.ID, longest),
			truncateString(r.DisplayName, 36),
			r.SizeLabel(),
			r.Behavior,
			strings.Join(status, ", "))
	}
	return nil
}

const barWidth = 50

// renderProgressBar draws the bar for a fraction in [0,1].
func renderProgressBar(fraction float64) string {
	filled := int(fraction * float64(barWidth))
	filled = min(max(filled, 0), barWidth)
	return fmt.Sprintf("[%s%s] %.2f%%",
		strings.Repeat("█", filled),
		strings.Repeat("░", barWidth-filled),
		fraction*100)
}

// terminalSurface shows load progress on a terminal. On a TTY the bar is
// redrawn in place; otherwise a line is printed every tenth of the way.
type terminalSurface struct {
	mu       sync.Mutex
	w        io.Writer
	tty      bool
	lastStep int
	status   string
}

var _ progress.Surface = (*terminalSurface)(nil)

func newTerminalSurface(w io.Writer) *terminalSurface {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &terminalSurface{w: w, tty: tty}
}

func (s *terminalSurface) Begin(modelID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStep = -1
	s.status = ""
	size := "N/A"
	if desc, ok := catalog.Builtin().Lookup(modelID); ok {
		size = desc.SizeLabel()
	}
	fmt.Fprintf(s.w, "Loading model \"%s\" (size: %s) ...\n", displayName, size)
}

func (s *terminalSurface) Update(fraction float64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tty {
		fmt.Fprintf(s.w, "\r: %s", renderProgressBar(fraction))
		if status != s.status && !strings.HasPrefix(status, "Downloading") {
			fmt.Fprintf(s.w, "\n%s\n", status)
		}
		s.status = status
		return
	}
	step := int(fraction * 10)
	downloading := strings.HasPrefix(status, "Downloading")
	if step == s.lastStep && (downloading || status == s.status) {
		return
	}
	s.lastStep = step
	s.status = status
	fmt.Fprintln(s.w, status)
}

func (s *terminalSurface) End(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tty {
		fmt.Fprintln(s.w)
	}
	if status != "" {
		fmt.Fprintln(s.w, status)
	}
}
