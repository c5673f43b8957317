package cmd

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"cyclebuild/cyclestate"
)

// runDashboard renders a live tview/tcell dashboard of the active run's
// progress: a header+progress+events Flex layout with Ctrl+C/q input
// capture, polled from the run database instead of pushed by an
// in-process build loop.
func runDashboard(db *cyclestate.DB, runID string) error {
	app := tview.NewApplication()

	header := tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignLeft)
	header.SetBorder(true).SetTitle(" cyclebuild monitor ").SetTitleAlign(tview.AlignLeft)
	header.SetText("[yellow]Waiting for a run...[white]")

	progress := tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignLeft)
	progress.SetBorder(true).SetTitle(" Progress ").SetTitleAlign(tview.AlignLeft)

	events := tview.NewTextView().SetDynamicColors(true).SetScrollable(true).SetChangedFunc(func() { app.Draw() })
	events.SetBorder(true).SetTitle(" Events ").SetTitleAlign(tview.AlignLeft)
	events.SetText("No run seen yet...")

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 3, 0, false).
		AddItem(progress, 5, 0, false).
		AddItem(events, 0, 1, false)

	stop := make(chan struct{})
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			app.Stop()
			close(stop)
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' || event.Rune() == 'Q' {
				app.Stop()
				close(stop)
				return nil
			}
		}
		return event
	})

	go pollDashboard(app, db, runID, header, progress, events, stop)

	return app.SetRoot(layout, true).EnableMouse(true).Run()
}

func pollDashboard(app *tview.Application, db *cyclestate.DB, runID string, header, progress, events *tview.TextView, stop chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastSeen := ""
	var lines []string

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		id := runID
		if id == "" {
			var err error
			id, err = db.LatestRunID()
			if err != nil {
				continue
			}
		}
		rec, err := db.GetRun(id)
		if err != nil {
			continue
		}

		if id != lastSeen {
			lines = append(lines, fmt.Sprintf("[cyan]run %s started[white]", shortID(id)))
			lastSeen = id
		}
		if !rec.EndTime.IsZero() {
			line := fmt.Sprintf("[green]run %s finished: built=%d failed=%d[white]", shortID(id), rec.Stats.Success, rec.Stats.Failed)
			if len(lines) == 0 || lines[len(lines)-1] != line {
				lines = append(lines, line)
			}
		}
		if len(lines) > 100 {
			lines = lines[len(lines)-100:]
		}

		remaining := rec.Total - rec.Built - rec.Failed
		headerText := fmt.Sprintf("[yellow]Run:[white] %s  [green]Elapsed:[white] %s", shortID(id), time.Since(rec.StartTime).Round(time.Second))
		progressText := fmt.Sprintf(
			"[green]Built:[white]     %3d\n[red]Failed:[white]    %3d\n[yellow]In-flight:[white] %3d\n[white]Remaining: %3d/%d",
			rec.Built, rec.Failed, rec.Inflight, remaining, rec.Total,
		)
		eventsText := ""
		for _, l := range lines {
			eventsText += l + "\n"
		}

		app.QueueUpdateDraw(func() {
			header.SetText(headerText)
			progress.SetText(progressText)
			events.SetText(eventsText)
			events.ScrollToEnd()
		})
	}
}
