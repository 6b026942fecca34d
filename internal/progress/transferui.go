package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// TransferUI shows one progress bar per file while the collected store is
// published. On a non-terminal stderr it prints one line per file instead.
type TransferUI struct {
	progress   *mpb.Progress
	isTerminal bool
	totalFiles int
	started    int32
	completed  int32
	out        io.Writer
}

// FileBar is the progress of one file transfer.
type FileBar struct {
	bar       *mpb.Bar
	ui        *TransferUI
	index     int
	localPath string
	remoteKey string
	size      int64
	startTime time.Time
}

// NewTransferUI creates a transfer UI for totalFiles files.
func NewTransferUI(totalFiles int) *TransferUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &TransferUI{
		progress:   p,
		isTerminal: isTerminal,
		totalFiles: totalFiles,
		out:        os.Stdout,
	}
}

// AddFileBar registers a file transfer and returns its bar.
func (u *TransferUI) AddFileBar(localPath, remoteKey string, size int64) *FileBar {
	index := int(atomic.AddInt32(&u.started, 1))
	fb := &FileBar{
		ui:        u,
		index:     index,
		localPath: localPath,
		remoteKey: remoteKey,
		size:      size,
		startTime: time.Now(),
	}

	label := fmt.Sprintf("[%d/%d] %s", index, u.totalFiles, truncatePath(localPath, 3))
	if u.isTerminal {
		fb.bar = u.progress.New(size,
			mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
			mpb.PrependDecorators(
				decor.Name(label, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.Percentage(decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		fmt.Fprintf(u.out, "Uploading %s (%.1f KiB) → %s\n", label, float64(size)/1024, remoteKey)
	}
	return fb
}

// ProxyReader wraps r so that reads advance the bar.
func (f *FileBar) ProxyReader(r io.Reader) io.Reader {
	if f.bar == nil {
		return r
	}
	return f.bar.ProxyReader(r)
}

// ReadSeeker wraps rs so that reads advance the bar and seeks rewind it.
// Upload clients that retry or sign the body need to seek.
func (f *FileBar) ReadSeeker(rs io.ReadSeeker) io.ReadSeeker {
	if f.bar == nil {
		return rs
	}
	return &barReadSeeker{rs: rs, bar: f.bar}
}

type barReadSeeker struct {
	rs  io.ReadSeeker
	bar *mpb.Bar
}

func (b *barReadSeeker) Read(p []byte) (int, error) {
	n, err := b.rs.Read(p)
	b.bar.IncrBy(n)
	return n, err
}

func (b *barReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := b.rs.Seek(offset, whence)
	if err == nil {
		b.bar.SetCurrent(pos)
	}
	return pos, err
}

// Complete marks the transfer finished and prints a one-line summary.
func (f *FileBar) Complete(err error) {
	elapsed := time.Since(f.startTime)
	var msg string
	if err == nil {
		if f.bar != nil {
			f.bar.SetCurrent(f.size)
			f.bar.SetTotal(f.size, true)
		}
		msg = fmt.Sprintf("✓ %s → %s (%.1f KiB, %s)\n",
			truncatePath(f.localPath, 3), f.remoteKey, float64(f.size)/1024, elapsed.Round(time.Millisecond))
	} else {
		if f.bar != nil {
			f.bar.Abort(false)
		}
		msg = fmt.Sprintf("✗ %s → %s: %v\n", truncatePath(f.localPath, 3), f.remoteKey, err)
	}
	if f.ui.isTerminal {
		f.ui.progress.Write([]byte(msg))
	} else {
		fmt.Fprint(f.ui.out, msg)
	}
	atomic.AddInt32(&f.ui.completed, 1)
}

// Completed returns the number of finished transfers.
func (u *TransferUI) Completed() int {
	return int(atomic.LoadInt32(&u.completed))
}

// Wait blocks until all progress bars complete.
func (u *TransferUI) Wait() {
	u.progress.Wait()
}

// Writer returns an io.Writer that prints above the progress bars.
func (u *TransferUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return os.Stderr
}

// IsTerminal reports whether bars are drawn.
func (u *TransferUI) IsTerminal() bool {
	return u.isTerminal
}

// truncatePath keeps the last maxComponents path elements.
// Example: truncatePath("/a/b/c/d/0.0", 3) → "…/c/d/0.0"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.ToSlash(path)
	}
	return "…/" + strings.Join(parts[len(parts)-maxComponents:], "/")
}
