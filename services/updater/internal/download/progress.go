package download

import (
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

// Progress is a snapshot of an in-flight transfer.
type Progress struct {
	URL          string
	Attempt      int
	BytesWritten int64
	// TotalBytes is -1 when the server did not announce a length.
	TotalBytes int64
	Elapsed    time.Duration
	Done       bool
}

// Percentage returns completion in [0,100], or -1 when the total is unknown.
func (p Progress) Percentage() float64 {
	if p.TotalBytes <= 0 {
		return -1
	}
	return float64(p.BytesWritten) / float64(p.TotalBytes) * 100
}

// ProgressFunc is called from the downloading goroutine's caller on every tick.
// It must return quickly.
type ProgressFunc func(Progress)

// ConsolePrinter returns a ProgressFunc that redraws a single status line on w.
func ConsolePrinter(w io.Writer) ProgressFunc {
	var (
		mu   sync.Mutex
		tick int
	)
	return func(p Progress) {
		mu.Lock()
		defer mu.Unlock()

		name := path.Base(p.URL)
		if p.Done {
			fmt.Fprintf(w, "\r%s\rDownloaded %s: %s in %s\n", strings.Repeat(" ", 72), name, formatBytes(p.BytesWritten), p.Elapsed.Round(time.Second))
			tick = 0
			return
		}
		tick++
		dots := strings.Repeat(".", tick%5)
		status := formatBytes(p.BytesWritten)
		if pct := p.Percentage(); pct >= 0 {
			status = fmt.Sprintf("%s of %s (%.1f%%)", status, formatBytes(p.TotalBytes), pct)
		}
		fmt.Fprintf(w, "\r%s\rDownloading %s [attempt %d] %s%s", strings.Repeat(" ", 72), name, p.Attempt, status, dots)
	}
}

func formatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}
