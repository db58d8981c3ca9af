// Package progress renders a console progress bar for a digest run.
package progress

import (
	"sync"

	"github.com/pterm/pterm"
)

// Bar tracks per-item completion during a run. It is driven from
// pipeline worker goroutines, so updates are serialized.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
	failed  int
}

// New creates a progress bar if logLevel is "info"; at other levels the
// bar stays disabled so structured log output is not disturbed.
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Start initializes the bar for total candidate messages.
func (b *Bar) Start(total int) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pb, _ := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Processing messages").
		Start()
	b.pb = pb

	pterm.Info.Printf("Messages in window: %d\n", total)
	pterm.Println()
}

// Done records completion of one message.
func (b *Bar) Done(messageID string, err error) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if err != nil {
		b.failed++
		pterm.Error.Printf("Failed %s: %v\n", messageID, err)
	}

	displayID := messageID
	if len(displayID) > 40 {
		displayID = displayID[:37] + "..."
	}
	b.pb.UpdateTitle("Processed: " + displayID)
	b.pb.Increment()
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	b.pb.Stop()

	if b.failed > 0 {
		pterm.Warning.Printf("Processing complete with %d failure(s)\n", b.failed)
	} else {
		pterm.Success.Println("Processing complete!")
	}
}
