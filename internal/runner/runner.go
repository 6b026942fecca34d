// Package runner evaluates the grid points owned by one batch job and
// writes them to that job's result file.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rescale/gridscan/internal/grid"
	"github.com/rescale/gridscan/internal/logging"
	"github.com/rescale/gridscan/internal/models"
	"github.com/rescale/gridscan/internal/partition"
	"github.com/rescale/gridscan/internal/resultfile"
)

// Session is the state a Model prepares once per job and shares between
// all points of the job.
type Session any

// Point is one grid point handed to a Model.
type Point struct {
	JobID      int
	Slot       int
	Coordinate grid.Coordinate
	Values     []grid.Value
}

// Model computes the result of single grid points.
type Model interface {
	Setup(ctx context.Context) (Session, error)
	Compute(ctx context.Context, sess Session, pt Point) (models.Record, error)
}

// Summary reports what a run produced.
type Summary struct {
	JobID    int
	Points   int
	Failed   int
	Duration time.Duration
}

// Runner runs jobs of a partitioned grid.
type Runner struct {
	Partitioner *partition.Partitioner
	Model       Model
	Tag         string
	Logger      *logging.Logger
}

// Run computes every point owned by jobid in slot order and writes the
// result file atomically. A point whose Compute fails becomes a failed
// record. A failing Setup, a cancelled context or a write error fail the
// whole job and leave no file at outfile.
func (r *Runner) Run(ctx context.Context, jobid int, outfile string) (Summary, error) {
	base := logging.OrNop(r.Logger)
	logger := base.Child(base.With().Int("jobid", jobid))
	start := time.Now()

	points, err := r.Partitioner.PermSlice(jobid)
	if err != nil {
		return Summary{}, err
	}
	logger.Info().Int("points", len(points)).Msg("Starting job")

	sess, err := r.Model.Setup(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("job %d: setup failed: %w", jobid, err)
	}

	space := r.Partitioner.Space()
	records := make([]models.Record, 0, len(points))
	summary := Summary{JobID: jobid, Points: len(points)}
	for slot, c := range points {
		if err := ctx.Err(); err != nil {
			return Summary{}, fmt.Errorf("job %d cancelled at slot %d: %w", jobid, slot, err)
		}
		values, err := space.IndexToParams(c)
		if err != nil {
			return Summary{}, fmt.Errorf("job %d slot %d: %w", jobid, slot, err)
		}

		rec, err := r.Model.Compute(ctx, sess, Point{JobID: jobid, Slot: slot, Coordinate: c, Values: values})
		switch {
		case err != nil && ctx.Err() != nil:
			return Summary{}, fmt.Errorf("job %d cancelled at slot %d: %w", jobid, slot, ctx.Err())
		case err != nil:
			logger.Warn().Err(err).Int("slot", slot).Str("coordinate", c.String()).Msg("Point failed")
			rec = models.Failed(err.Error())
		default:
			if verr := rec.Validate(); verr != nil {
				logger.Warn().Err(verr).Int("slot", slot).Msg("Invalid record")
				rec = models.Failed(verr.Error())
			}
		}
		if rec.IsFailed() {
			summary.Failed++
		}
		records = append(records, rec)
		logger.Debug().Int("slot", slot).Str("status", string(rec.Status)).Msg("Point done")
	}

	h := resultfile.Header{
		Tag:         r.Tag,
		JobID:       jobid,
		NJobs:       r.Partitioner.NJobs(),
		Fingerprint: r.Partitioner.Fingerprint(),
	}
	if err := resultfile.Write(outfile, h, records); err != nil {
		return Summary{}, fmt.Errorf("job %d: %w", jobid, err)
	}

	summary.Duration = time.Since(start)
	logger.Info().Int("points", summary.Points).Int("failed", summary.Failed).
		Dur("duration", summary.Duration).Str("path", outfile).Msg("Job finished")
	return summary, nil
}
