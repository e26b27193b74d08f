package upload

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alexjbarnes/photo-uploader/internal/state"
)

// FormatSummary renders the indicator text, e.g.
// "Uploading 2 of 5, 3 queued, 1 failed".
func FormatSummary(sum state.Summary) string {
	if sum.Active() == 0 {
		if sum.Failed > 0 {
			return fmt.Sprintf("%d failed", sum.Failed)
		}

		return "Idle"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Uploading %d of %d", sum.Uploading, sum.Active())

	if sum.Queued > 0 {
		fmt.Fprintf(&b, ", %d queued", sum.Queued)
	}

	if sum.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", sum.Failed)
	}

	return b.String()
}

// LogIndicator writes the summary to the log whenever its text changes.
type LogIndicator struct {
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

// NewLogIndicator creates a log-backed indicator.
func NewLogIndicator(logger *slog.Logger) *LogIndicator {
	return &LogIndicator{logger: logger}
}

func (l *LogIndicator) Show(sum state.Summary) {
	text := FormatSummary(sum)

	l.mu.Lock()
	changed := text != l.last
	l.last = text
	l.mu.Unlock()

	if changed {
		l.logger.Info(text,
			slog.Int("queued", sum.Queued),
			slog.Int("uploading", sum.Uploading),
			slog.Int("failed", sum.Failed),
		)
	}
}

func (l *LogIndicator) Hide() {
	l.mu.Lock()
	wasShown := l.last != ""
	l.last = ""
	l.mu.Unlock()

	if wasShown {
		l.logger.Info("uploads idle")
	}
}

// MultiIndicator fans out to several indicators.
type MultiIndicator []Indicator

func (m MultiIndicator) Show(sum state.Summary) {
	for _, ind := range m {
		ind.Show(sum)
	}
}

func (m MultiIndicator) Hide() {
	for _, ind := range m {
		ind.Hide()
	}
}
