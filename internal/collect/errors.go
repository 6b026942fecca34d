package collect

import (
	"errors"
	"fmt"

	"github.com/rescale/gridscan/internal/partition"
)

var (
	// ErrIncompleteScan is matched by IncompleteScanError.
	ErrIncompleteScan = errors.New("incomplete scan")
	// ErrResultMismatch means a result file does not belong to this project:
	// wrong job id, job count, grid fingerprint or record count.
	ErrResultMismatch = errors.New("result file does not match project")
	// ErrNoResults means no job produced a single successful record, so
	// there is nothing to size the arrays from.
	ErrNoResults = errors.New("no successful records")
)

// IncompleteScanError blocks collection while result files are missing.
type IncompleteScanError struct {
	Missing []partition.Range
	Count   int
	NJobs   int
}

func (e *IncompleteScanError) Error() string {
	return fmt.Sprintf("cannot collect results, %d of %d jobs have no result file yet (%s)",
		e.Count, e.NJobs, partition.FormatRanges(e.Missing))
}

// Is matches ErrIncompleteScan.
func (e *IncompleteScanError) Is(target error) bool {
	return target == ErrIncompleteScan
}

// JobReadError reports a result file that could not be used.
type JobReadError struct {
	JobID int
	Path  string
	Err   error
}

func (e *JobReadError) Error() string {
	return fmt.Sprintf("error reading job file %d (%s): %v", e.JobID, e.Path, e.Err)
}

func (e *JobReadError) Unwrap() error {
	return e.Err
}
