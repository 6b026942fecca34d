// Package scheduler is the boundary to the batch scheduler: it renders the
// array job script and submits task ranges. Queue state is not tracked.
package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rescale/gridscan/internal/logging"
	"github.com/rescale/gridscan/internal/partition"
)

// SubmitRequest is an inclusive range of job ids to submit.
type SubmitRequest struct {
	First int
	Last  int
}

// All submits every job of the project.
func All(njobs int) SubmitRequest {
	return SubmitRequest{First: 1, Last: njobs}
}

// Single submits one job.
func Single(jobid int) SubmitRequest {
	return SubmitRequest{First: jobid, Last: jobid}
}

// Range submits jobs first..last.
func Range(first, last int) SubmitRequest {
	return SubmitRequest{First: first, Last: last}
}

// FromRanges turns compressed job id runs into one request per run.
func FromRanges(ranges []partition.Range) []SubmitRequest {
	out := make([]SubmitRequest, len(ranges))
	for i, r := range ranges {
		out[i] = Range(r.First, r.Last)
	}
	return out
}

// Validate checks the request against the number of jobs.
func (r SubmitRequest) Validate(njobs int) error {
	if r.First < 1 || r.Last > njobs || r.First > r.Last {
		return fmt.Errorf("invalid job range %s for %d jobs", r, njobs)
	}
	return nil
}

// TaskRange is the qsub -t argument.
func (r SubmitRequest) TaskRange() string {
	return fmt.Sprintf("%d:%d", r.First, r.Last)
}

func (r SubmitRequest) String() string {
	return partition.Range{First: r.First, Last: r.Last}.String()
}

// Scheduler submits array jobs.
type Scheduler interface {
	Submit(ctx context.Context, script string, req SubmitRequest) error
}

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SGE submits through qsub.
type SGE struct {
	Qsub   string
	Run    CommandRunner
	Logger *logging.Logger
}

// NewSGE creates an SGE scheduler using the qsub found on PATH.
func NewSGE(logger *logging.Logger) *SGE {
	return &SGE{Qsub: "qsub", Run: ExecRunner, Logger: logging.OrNop(logger)}
}

// Submit runs qsub -t first:last script.
func (s *SGE) Submit(ctx context.Context, script string, req SubmitRequest) error {
	logger := logging.OrNop(s.Logger)
	qsub := s.Qsub
	if qsub == "" {
		qsub = "qsub"
	}
	run := s.Run
	if run == nil {
		run = ExecRunner
	}

	logger.Info().Str("range", req.String()).Str("script", script).Msg("Submitting array job")
	out, err := run(ctx, qsub, "-t", req.TaskRange(), script)
	if text := strings.TrimSpace(string(out)); text != "" {
		logger.Debug().Str("range", req.String()).Msg(text)
	}
	if err != nil {
		return fmt.Errorf("qsub -t %s failed: %w", req.TaskRange(), err)
	}
	return nil
}
