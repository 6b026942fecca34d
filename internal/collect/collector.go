// Package collect verifies that every job of a scan produced its result file
// and re-assembles the per-job records into dense arrays indexed by grid
// coordinate.
package collect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/gridscan/internal/arraystore"
	"github.com/rescale/gridscan/internal/diskspace"
	"github.com/rescale/gridscan/internal/grid"
	"github.com/rescale/gridscan/internal/logging"
	"github.com/rescale/gridscan/internal/models"
	"github.com/rescale/gridscan/internal/partition"
	"github.com/rescale/gridscan/internal/progress"
	"github.com/rescale/gridscan/internal/resultfile"
)

// spaceMargin is applied to the estimated store size before collecting.
const spaceMargin = 1.1

// DefaultFlushBytes is the unflushed chunk memory that triggers a flush
// when Collector.FlushBytes is unset.
const DefaultFlushBytes int64 = 512 << 20

// Collector reads the result files of a partitioned scan.
type Collector struct {
	Partitioner *partition.Partitioner
	Layout      Layout
	// FlushBytes flushes the store once this much chunk memory is dirty.
	// Zero means DefaultFlushBytes.
	FlushBytes int64
	// FlushEvery additionally forces a flush every FlushEvery jobs. Zero
	// disables it.
	FlushEvery int
	Progress   progress.Reporter
	Logger     *logging.Logger
}

// CheckReport is the outcome of Check.
type CheckReport struct {
	Jobs   int
	Bad    []int
	Points int
	Failed int
}

// Summary is the outcome of Collect. ChunksWritten counts chunk files
// written, including the final flush.
type Summary struct {
	StorePath     string
	RunID         string
	Jobs          int
	Points        int
	Failed        int
	Flushes       int
	ChunksWritten int
	Duration      time.Duration
}

func (c *Collector) logger() *logging.Logger {
	return logging.OrNop(c.Logger)
}

func (c *Collector) reporter() progress.Reporter {
	if c.Progress == nil {
		return progress.NewNoOpProgress()
	}
	return c.Progress
}

// ScanOutputs checks the output folder of the collector's project.
func (c *Collector) ScanOutputs() (ScanResult, error) {
	return ScanOutputs(c.Layout, c.Partitioner.NJobs())
}

// ScanLogs checks the log folder of the collector's project.
func (c *Collector) ScanLogs() (ScanResult, error) {
	return ScanLogs(c.Layout, c.Partitioner.NJobs())
}

// readJob loads the result file of jobid and checks it belongs to the
// project. Every failure is returned as a *JobReadError.
func (c *Collector) readJob(jobid int) ([]models.Record, error) {
	path := filepath.Join(c.Layout.OutDir(), c.Layout.OutFileName(jobid))
	h, records, err := resultfile.Read(path)
	if err != nil {
		return nil, &JobReadError{JobID: jobid, Path: path, Err: err}
	}

	p := c.Partitioner
	var mismatch string
	switch {
	case h.JobID != jobid:
		mismatch = fmt.Sprintf("file holds job %d", h.JobID)
	case h.NJobs != p.NJobs():
		mismatch = fmt.Sprintf("file was written for %d jobs, project has %d", h.NJobs, p.NJobs())
	case h.Fingerprint != p.Fingerprint():
		mismatch = fmt.Sprintf("grid fingerprint %x differs from project %x", h.Fingerprint, p.Fingerprint())
	case len(records) != p.SliceLen(jobid):
		mismatch = fmt.Sprintf("file has %d records, job owns %d points", len(records), p.SliceLen(jobid))
	}
	if mismatch != "" {
		return nil, &JobReadError{JobID: jobid, Path: path, Err: fmt.Errorf("%w: %s", ErrResultMismatch, mismatch)}
	}
	return records, nil
}

// Check reads every result file without writing anything. Unreadable or
// foreign files are logged and reported; the scan continues past them.
func (c *Collector) Check(ctx context.Context) (CheckReport, error) {
	logger := c.logger()
	prog := c.reporter()
	njobs := c.Partitioner.NJobs()
	report := CheckReport{Jobs: njobs}

	prog.Start(int64(njobs), "reading output files")
	for jobid := 1; jobid <= njobs; jobid++ {
		if err := ctx.Err(); err != nil {
			prog.Error(err)
			return report, err
		}
		records, err := c.readJob(jobid)
		if err != nil {
			logger.Error().Err(err).Int("jobid", jobid).Msg("Error reading job file")
			report.Bad = append(report.Bad, jobid)
			prog.Update(int64(jobid))
			continue
		}
		report.Points += len(records)
		for _, r := range records {
			if r.IsFailed() {
				report.Failed++
			}
		}
		prog.Update(int64(jobid))
	}
	prog.Finish()
	return report, nil
}

// firstOK returns the first successful record in job order. Reducers size
// their arrays from it.
func (c *Collector) firstOK() (models.Record, error) {
	for jobid := 1; jobid <= c.Partitioner.NJobs(); jobid++ {
		records, err := c.readJob(jobid)
		if err != nil {
			return models.Record{}, err
		}
		for _, r := range records {
			if !r.IsFailed() {
				return r, nil
			}
		}
	}
	return models.Record{}, ErrNoResults
}

// Collect writes every record into the store at storePath through r. It
// refuses to start while result files are missing and aborts on the first
// unreadable file. The groups r owns are recreated on every pass, so
// rerunning Collect never mixes values of two passes.
func (c *Collector) Collect(ctx context.Context, storePath string, r Reducer) (summary Summary, err error) {
	logger := c.logger()
	start := time.Now()
	p := c.Partitioner
	space := p.Space()
	njobs := p.NJobs()

	scan, err := c.ScanOutputs()
	if err != nil {
		return Summary{}, err
	}
	if !scan.Complete() {
		return Summary{}, &IncompleteScanError{Missing: scan.MissingRanges(), Count: len(scan.Missing), NJobs: njobs}
	}

	first, err := c.firstOK()
	if err != nil {
		return Summary{}, err
	}
	if err := r.Validate(space, first); err != nil {
		return Summary{}, err
	}
	estimate := diskspace.EstimateDenseBytes(r.Estimate(space, first))
	if err := diskspace.CheckAvailableSpace(storePath, estimate, spaceMargin); err != nil {
		return Summary{}, err
	}

	store, err := c.openStore(storePath, r.Group())
	if err != nil {
		return Summary{}, err
	}
	closed := false
	defer func() {
		if closed {
			return
		}
		// keep what was reduced before the failure
		if cerr := store.Close(); cerr != nil {
			logger.Error().Err(cerr).Str("path", storePath).Msg("Failed to close store after error")
			return
		}
		logger.Warn().Err(err).Str("path", storePath).Int("points", summary.Points).
			Msg("Collection aborted, store holds a partial pass")
	}()
	if err := r.Prepare(store, space, first); err != nil {
		return Summary{}, fmt.Errorf("failed to prepare %s arrays: %w", r.Name(), err)
	}

	runID := uuid.NewString()
	logger.Info().Str("path", storePath).Str("reducer", r.Name()).Str("run_id", runID).Int("njobs", njobs).Msg("Collecting results")

	flushBytes := c.FlushBytes
	if flushBytes <= 0 {
		flushBytes = DefaultFlushBytes
	}
	summary = Summary{StorePath: storePath, RunID: runID, Jobs: njobs}
	prog := c.reporter()
	prog.Start(int64(njobs), "reading output files")

	for jobid := 1; jobid <= njobs; jobid++ {
		if err := ctx.Err(); err != nil {
			prog.Error(err)
			return summary, err
		}
		records, err := c.readJob(jobid)
		if err != nil {
			prog.Error(err)
			return summary, err
		}
		coords, err := p.PermSlice(jobid)
		if err != nil {
			return summary, err
		}
		for slot, rec := range records {
			values, err := space.IndexToParams(coords[slot])
			if err != nil {
				return summary, fmt.Errorf("job %d slot %d: %w", jobid, slot, err)
			}
			if rec.IsFailed() {
				err = r.MarkFailed(coords[slot], values)
				summary.Failed++
			} else {
				err = r.Reduce(coords[slot], values, rec)
			}
			if err != nil {
				prog.Error(err)
				return summary, fmt.Errorf("job %d slot %d at %s: %w", jobid, slot, coords[slot], err)
			}
			summary.Points++
		}

		forced := c.FlushEvery > 0 && jobid%c.FlushEvery == 0
		if forced || store.DirtyBytes() >= flushBytes {
			logger.Debug().Int("jobid", jobid).Int64("dirty_bytes", store.DirtyBytes()).Msg("Flushing store")
			if err := store.Flush(); err != nil {
				return summary, fmt.Errorf("failed to flush store: %w", err)
			}
			summary.Flushes++
		}
		prog.Update(int64(jobid))
	}
	prog.Finish()

	if err := c.writeAttrs(store, r, runID); err != nil {
		return summary, err
	}
	closed = true
	if err := store.Flush(); err != nil {
		return summary, fmt.Errorf("failed to flush store: %w", err)
	}
	summary.ChunksWritten = store.ChunksWritten()
	if err := store.Close(); err != nil {
		return summary, fmt.Errorf("failed to close store: %w", err)
	}

	summary.Duration = time.Since(start)
	logger.Info().Int("points", summary.Points).Int("failed", summary.Failed).
		Dur("duration", summary.Duration).Str("path", storePath).Msg("Collection finished")
	return summary, nil
}

// openStore recreates the whole store when group is empty. Otherwise it
// opens (or creates) the store, checks it was collected from the same grid
// and drops the group. The job count plays no part: a fit pass may split
// the grid differently from the pass that built the store.
func (c *Collector) openStore(path, group string) (*arraystore.Store, error) {
	if group == "" {
		return arraystore.Create(path)
	}
	store, err := arraystore.OpenOrCreate(path)
	if err != nil {
		return nil, err
	}
	attrs, err := store.Attrs("")
	if err != nil {
		return nil, err
	}
	want := fingerprintAttr(c.Partitioner.GridFingerprint())
	if fp, ok := attrs["fingerprint"].(string); ok && fp != want {
		return nil, fmt.Errorf("%w: store %s was collected from grid %s, project is %s",
			ErrResultMismatch, path, fp, want)
	}
	if err := store.RemoveGroup(group); err != nil {
		return nil, err
	}
	return store, nil
}

func fingerprintAttr(fp uint64) string {
	return strconv.FormatUint(fp, 16)
}

func axesAttr(space *grid.Space) []map[string]any {
	axes := space.Axes()
	out := make([]map[string]any, len(axes))
	for i, a := range axes {
		vals := make([]any, len(a.Values))
		for j, v := range a.Values {
			if v.IsLabel() {
				vals[j] = v.Label
			} else {
				vals[j] = v.Num
			}
		}
		out[i] = map[string]any{"name": a.Name, "values": vals}
	}
	return out
}

func (c *Collector) writeAttrs(store *arraystore.Store, r Reducer, runID string) error {
	p := c.Partitioner
	attrs := map[string]any{
		"fingerprint":  fingerprintAttr(p.GridFingerprint()),
		"njobs":        p.NJobs(),
		"axes":         axesAttr(p.Space()),
		"run_id":       runID,
		"collected_at": time.Now().UTC().Format(time.RFC3339),
	}

	root, err := store.Attrs("")
	if err != nil && !errors.Is(err, arraystore.ErrNotExist) {
		return err
	}
	if root == nil {
		root = map[string]any{}
	}
	for k, v := range attrs {
		root[k] = v
	}
	if err := store.SetAttrs("", root); err != nil {
		return err
	}

	if g := r.Group(); g != "" {
		if err := store.RequireGroup(g); err != nil {
			return err
		}
		return store.SetAttrs(g, map[string]any{
			"reducer":      r.Name(),
			"run_id":       runID,
			"collected_at": attrs["collected_at"],
		})
	}
	return nil
}
