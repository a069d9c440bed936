package commands

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/snapvrt/snapvrt/internal/report"
	"github.com/snapvrt/snapvrt/internal/store"
)

// Review generates the static HTML review page.
func Review(st *store.Store, term *report.Terminal, open bool) error {
	path, err := report.WriteHTML(st)
	if err != nil {
		return err
	}
	fmt.Fprintf(term.Out, "Report written to %s\n", path)

	if open {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if err := openInBrowser(abs); err != nil {
			return err
		}
	}
	return nil
}

func openInBrowser(path string) error {
	var cmd string
	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
	case "windows":
		cmd = "start"
	default:
		cmd = "xdg-open"
	}
	if err := exec.Command(cmd, path).Start(); err != nil {
		return fmt.Errorf("open report in browser: %w", err)
	}
	return nil
}
