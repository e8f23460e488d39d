package replication

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/franz/fpmatch/internal/util"
)

// snapshotProgress reports snapshot load progress, as a bar on a terminal
// and as log lines otherwise
type snapshotProgress struct {
	bar      *progressbar.ProgressBar
	total    int64
	loaded   int64
	interval int64
	started  time.Time
}

func newSnapshotProgress(total int64, interval int) *snapshotProgress {
	p := &snapshotProgress{total: total, interval: int64(max(interval, 1)), started: time.Now()}
	if util.IsTerminal(os.Stdout.Fd()) && !util.IsQuiet() {
		size := total
		if size <= 0 {
			size = -1
		}
		p.bar = progressbar.NewOptions64(size,
			progressbar.OptionSetDescription("Loading snapshot"),
			progressbar.OptionSetWidth(min(40, util.GetTerminalWidth()/3)),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("fingerprints"),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}
	return p
}

// add records n more published rows. It reports true each time another
// interval of rows has been loaded.
func (p *snapshotProgress) add(n int) bool {
	before := p.loaded / p.interval
	p.loaded += int64(n)
	if p.bar != nil {
		p.bar.Add(n)
	}
	crossed := p.loaded/p.interval > before
	if crossed && p.bar == nil {
		if p.total > 0 {
			util.InfoLog("Processed %s/%s fingerprints (%.2f%%)",
				humanize.Comma(p.loaded), humanize.Comma(p.total), float64(p.loaded)/float64(p.total)*100)
		} else {
			util.InfoLog("Processed %s fingerprints", humanize.Comma(p.loaded))
		}
	}
	return crossed
}

func (p *snapshotProgress) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
	elapsed := time.Since(p.started)
	rate := float64(p.loaded) / max(elapsed.Seconds(), 0.001)
	util.InfoLog("Initial data load complete. Processed %s fingerprints in %s (%s/s)",
		humanize.Comma(p.loaded), elapsed.Round(time.Millisecond), humanize.CommafWithDigits(rate, 0))
}
