package collect

import (
	"errors"
	"fmt"
	"os"

	"github.com/rescale/gridscan/internal/partition"
)

// Layout names the per-job files of a project. config.Project implements it.
type Layout interface {
	OutDir() string
	OutFileName(jobid int) string
	LogDir() string
	LogFileName(jobid int) string
}

// ScanResult partitions the job ids 1..njobs by presence of their file.
type ScanResult struct {
	Dir     string
	NJobs   int
	Found   []int
	Missing []int
}

// Complete reports whether every job has its file.
func (s ScanResult) Complete() bool {
	return len(s.Missing) == 0
}

// FoundRanges compresses the found ids into runs.
func (s ScanResult) FoundRanges() []partition.Range {
	return partition.Ranges(s.Found)
}

// MissingRanges compresses the missing ids into runs.
func (s ScanResult) MissingRanges() []partition.Range {
	return partition.Ranges(s.Missing)
}

// ScanOutputs checks the output folder for result files.
func ScanOutputs(l Layout, njobs int) (ScanResult, error) {
	return scanDir(l.OutDir(), njobs, l.OutFileName)
}

// ScanLogs checks the log folder for scheduler logs.
func ScanLogs(l Layout, njobs int) (ScanResult, error) {
	return scanDir(l.LogDir(), njobs, l.LogFileName)
}

// scanDir lists dir once and looks up the expected name of every job. A
// missing directory means every job is missing.
func scanDir(dir string, njobs int, name func(int) string) (ScanResult, error) {
	res := ScanResult{Dir: dir, NJobs: njobs}

	existing := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return res, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			existing[e.Name()] = true
		}
	}

	for jobid := 1; jobid <= njobs; jobid++ {
		if existing[name(jobid)] {
			res.Found = append(res.Found, jobid)
		} else {
			res.Missing = append(res.Missing, jobid)
		}
	}
	return res, nil
}
