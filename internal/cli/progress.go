package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"squeeze/internal/client"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// jobUI renders one compression job as two mpb bars, upload and
// compression. On a non-TTY writer it prints one line per status change.
type jobUI struct {
	w        io.Writer
	tty      bool
	progress *mpb.Progress
	upload   *mpb.Bar
	compress *mpb.Bar

	mu     sync.Mutex
	status client.Status
	speed  float64
}

func newJobUI(w io.Writer, name string, size int64) *jobUI {
	ui := &jobUI{w: w, tty: isTerminal(w)}

	out := w
	if !ui.tty {
		out = io.Discard
	}
	ui.progress = mpb.New(
		mpb.WithOutput(out),
		mpb.WithRefreshRate(150*time.Millisecond),
		mpb.WithWidth(60),
	)

	style := mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]")
	label := fmt.Sprintf("%s (%s)", name, humanize.IBytes(uint64(size)))

	ui.upload = ui.progress.New(100, style,
		mpb.PrependDecorators(
			decor.Name("upload", decor.WCSyncSpaceR),
			decor.Name(label, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncSpace)),
	)
	ui.compress = ui.progress.New(100, style,
		mpb.PrependDecorators(
			decor.Name("compress", decor.WCSyncSpaceR),
			decor.Any(func(decor.Statistics) string {
				ui.mu.Lock()
				defer ui.mu.Unlock()
				if ui.speed <= 0 {
					return ""
				}
				return humanize.IBytes(uint64(ui.speed)) + "/s"
			}, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncSpace)),
	)
	return ui
}

// update is the orchestrator's OnUpdate hook.
func (ui *jobUI) update(j client.Job) {
	ui.mu.Lock()
	changed := j.Status != ui.status
	ui.status = j.Status
	ui.speed = j.Speed
	ui.mu.Unlock()

	ui.upload.SetCurrent(int64(j.UploadProgress))
	ui.compress.SetCurrent(int64(j.Progress))

	if changed && !ui.tty {
		fmt.Fprintf(ui.w, "%s: %s\n", j.ID, j.Status)
	}
}

// finish settles both bars and waits for the final render.
func (ui *jobUI) finish(j client.Job) {
	if j.Status == client.StatusCompleted {
		ui.upload.SetCurrent(100)
		ui.compress.SetCurrent(100)
	}
	ui.upload.Abort(false)
	ui.compress.Abort(false)
	ui.progress.Wait()
}

// newTransferBar returns a byte counter for downloads; size -1 renders a
// spinner.
func newTransferBar(w io.Writer, size int64, description string) *progressbar.ProgressBar {
	tty := isTerminal(w)
	return progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetVisibility(tty),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			if tty {
				fmt.Fprint(w, "\n")
			}
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}
