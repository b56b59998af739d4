package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailharvest/stats"
)

const receivedLayout = "2006-01-02 15:04:05"

type Options struct {
	// Verbose prints one line per folder, matched message and attachment.
	Verbose bool
	// Interactive shows a spinner per folder and the pterm summary.
	Interactive bool
	Out         io.Writer
}

// Printer renders extraction events on the console.
type Printer struct {
	opts    Options
	out     io.Writer
	spinner *pterm.SpinnerPrinter
	folder  string
	scanned int
	started time.Time
	mu      sync.Mutex
}

func New(opts Options) *Printer {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Printer{
		opts:    opts,
		out:     out,
		started: time.Now(),
	}
}

func (p *Printer) Observe(evt stats.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFolderStarted:
		p.folder = evt.Folder
		p.scanned = 0
		if p.opts.Verbose {
			fmt.Fprintf(p.out, "Iterating over: %s\n", evt.Folder)
			return
		}
		p.startSpinner(evt.Folder)
	case stats.EventTypeScanned:
		p.scanned++
		if p.spinner != nil && p.scanned%50 == 0 {
			p.spinner.UpdateText(fmt.Sprintf("%s: %d messages", p.folder, p.scanned))
		}
	case stats.EventTypeAttachment:
		if p.opts.Verbose {
			fmt.Fprintf(p.out, "\t%s\n", evt.Detail)
		}
	case stats.EventTypeExtracted:
		if p.opts.Verbose {
			fmt.Fprintf(p.out, "[%s] From: %s: %s\n", formatReceived(evt.ReceivedAt), evt.Sender, evt.Subject)
		}
	case stats.EventTypeWarning:
		if p.opts.Verbose {
			fmt.Fprintf(p.out, "warning: %s\n", evt.Detail)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			p.printError(evt.Err)
		}
	case stats.EventTypeFolderDone:
		p.stopSpinner(fmt.Sprintf("%s: %d messages", evt.Folder, p.scanned))
	}
}

func (p *Printer) startSpinner(folder string) {
	if !p.opts.Interactive {
		return
	}
	p.stopSpinner("")
	spinner, err := pterm.DefaultSpinner.WithRemoveWhenDone(false).Start(folder)
	if err != nil {
		return
	}
	p.spinner = spinner
}

func (p *Printer) stopSpinner(text string) {
	if p.spinner == nil {
		return
	}
	if text != "" {
		p.spinner.Success(text)
	} else {
		_ = p.spinner.Stop()
	}
	p.spinner = nil
}

func (p *Printer) printError(err error) {
	if p.opts.Interactive {
		pterm.Error.Printf("Error: %v\n", err)
		return
	}
	fmt.Fprintf(p.out, "error: %v\n", err)
}

// Finish stops any running spinner and prints the final counts. The last
// line is always "<scanned> <matched>".
func (p *Printer) Finish(summary stats.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopSpinner("")

	if p.opts.Interactive {
		pterm.Println()
		pterm.DefaultSection.Println("Summary Statistics")
		pterm.Info.Printf("Duration: %v\n", time.Since(p.started).Round(time.Millisecond))
		pterm.Info.Printf("Folders: %d (skipped %d)\n", summary.Folders, summary.Skipped)
		pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
		pterm.Info.Printf("Matched: %d\n", summary.Matched)
		pterm.Info.Printf("Summaries written: %d\n", summary.Summaries)
		pterm.Info.Printf("Attachments saved: %d\n", summary.Attachments)
		if summary.Warnings > 0 {
			pterm.Warning.Printf("Warnings: %d\n", summary.Warnings)
		}
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}

	fmt.Fprintf(p.out, "%d %d\n", summary.Scanned, summary.Matched)
}

func formatReceived(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format(receivedLayout)
}
