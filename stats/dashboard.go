package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/mattn/go-runewidth"
	"github.com/rivo/tview"
)

// TextRenderer renders a RunSnapshot as a plain-text string, the
// `daqmon monitor` default (no --ui flag). Column widths are
// computed with go-runewidth so worker-state labels line up even though
// they vary in length ("IDLE" vs "EVENT_BUILDING"), the same alignment
// technique the teacher's plain-text table output uses.
type TextRenderer struct{}

// Render formats snap as a multi-line status block, grounded on the
// teacher's displaySnapshot layout (workers line, rate/elapsed line,
// totals line).
func (TextRenderer) Render(snap RunSnapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %d   Elapsed idle: %s\n", snap.IDRun, FormatDuration(time.Duration(snap.IdleSeconds)*time.Second))
	fmt.Fprintf(&b, "Converted: %-4d  Built: %-4d  Merged: %-4d  Snapshots: %-4d  Queued: %-4d\n",
		snap.ConvertedCount, snap.BuiltCount, snap.MergedCount, snap.SnapshotCount, snap.QueueLen)
	fmt.Fprintf(&b, "Merge rate: %s merges/hr\n", FormatRate(snap.MergeRate))

	b.WriteString("Workers:")
	width := 0
	for _, s := range snap.WorkerStates {
		if w := runewidth.StringWidth(s); w > width {
			width = w
		}
	}
	for i, s := range snap.WorkerStates {
		fmt.Fprintf(&b, " [%d:%-*s]", i, width, s)
	}
	b.WriteString("\n")

	if snap.RunFinished {
		if snap.GracefulStop {
			b.WriteString("Status: STOPPED (operator request)\n")
		} else {
			b.WriteString("Status: FINISHED\n")
		}
	} else {
		b.WriteString("Status: RUNNING\n")
	}

	return b.String()
}

// idleColor maps idle seconds (relative to the alert threshold) onto a
// green-to-red ramp using go-colorful's perceptually uniform HCL blend, so
// the dashboard's idle indicator shifts smoothly rather than snapping
// between two hard-coded colors.
func idleColor(idleSeconds, alertThreshold int) tcell.Color {
	healthy, _ := colorful.Hex("#2ecc71")
	alarmed, _ := colorful.Hex("#e74c3c")

	t := float64(idleSeconds) / float64(alertThreshold)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	blended := healthy.BlendHcl(alarmed, t)
	r, g, bl := blended.RGB255()
	return tcell.NewRGBColor(int32(r), int32(g), int32(bl))
}

// Dashboard implements a tview/tcell live view for `daqmon monitor
// --ui=ncurses`, grounded on the teacher's build.NcursesUI Flex layout
// (header/progress/events stacked rows), re-purposed from package build
// progress to DAQ run progress with an added idle-color indicator.
type Dashboard struct {
	app          *tview.Application
	headerText   *tview.TextView
	progressText *tview.TextView
	workersText  *tview.TextView
	layout       *tview.Flex
	mu           sync.Mutex
	stopped      bool
	alertAfter   int
}

// NewDashboard creates a Dashboard. alertAfter is the idle-alert threshold
// (seconds) used to color the idle indicator.
func NewDashboard(alertAfter int) *Dashboard {
	return &Dashboard{alertAfter: alertAfter}
}

// Start initializes and runs the tview application in a goroutine.
func (d *Dashboard) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.app = tview.NewApplication()

	d.headerText = tview.NewTextView().SetDynamicColors(true)
	d.headerText.SetBorder(true).SetTitle(" daqmon run status ").SetTitleAlign(tview.AlignLeft)

	d.progressText = tview.NewTextView().SetDynamicColors(true)
	d.progressText.SetBorder(true).SetTitle(" Progress ").SetTitleAlign(tview.AlignLeft)

	d.workersText = tview.NewTextView().SetDynamicColors(true)
	d.workersText.SetBorder(true).SetTitle(" Workers ").SetTitleAlign(tview.AlignLeft)

	d.layout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.headerText, 3, 0, false).
		AddItem(d.progressText, 6, 0, false).
		AddItem(d.workersText, 0, 1, false)

	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || (event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q')) {
			d.app.Stop()
			return nil
		}
		return event
	})

	go func() {
		d.app.SetRoot(d.layout, true).EnableMouse(true).Run()
	}()

	return nil
}

// Stop shuts down the dashboard application.
func (d *Dashboard) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.app != nil {
		d.app.Stop()
	}
}

// OnStatsUpdate implements StatsConsumer, redrawing the dashboard from the
// latest RunSnapshot.
func (d *Dashboard) OnStatsUpdate(snap RunSnapshot) {
	d.mu.Lock()
	app, stopped := d.app, d.stopped
	d.mu.Unlock()
	if app == nil || stopped {
		return
	}

	status := "[green]RUNNING"
	if snap.RunFinished {
		if snap.GracefulStop {
			status = "[yellow]STOPPED"
		} else {
			status = "[green]FINISHED"
		}
	}

	header := fmt.Sprintf("Run %d   %s[white]   idle %s", snap.IDRun, status, FormatDuration(time.Duration(snap.IdleSeconds)*time.Second))

	idleHex := idleColor(snap.IdleSeconds, d.alertAfter).Hex()
	progress := fmt.Sprintf(
		"Converted: %4d\nBuilt:     %4d\nMerged:    %4d\nSnapshots: %4d\nQueued:    %4d\nMerge rate: [#%06x]%s[white] merges/hr",
		snap.ConvertedCount, snap.BuiltCount, snap.MergedCount, snap.SnapshotCount, snap.QueueLen,
		idleHex, FormatRate(snap.MergeRate),
	)

	var workers strings.Builder
	for i, s := range snap.WorkerStates {
		fmt.Fprintf(&workers, "Worker %2d: %s\n", i, s)
	}

	app.QueueUpdateDraw(func() {
		d.headerText.SetText(header)
		d.progressText.SetText(progress)
		d.workersText.SetText(workers.String())
	})
}
