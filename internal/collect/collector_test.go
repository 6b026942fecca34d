package collect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rescale/gridscan/internal/arraystore"
	"github.com/rescale/gridscan/internal/grid"
	"github.com/rescale/gridscan/internal/models"
	"github.com/rescale/gridscan/internal/partition"
	"github.com/rescale/gridscan/internal/resultfile"
)

type testLayout struct {
	dir string
}

func (l testLayout) OutDir() string               { return filepath.Join(l.dir, "out") }
func (l testLayout) OutFileName(jobid int) string { return fmt.Sprintf("scan%d.out", jobid) }
func (l testLayout) LogDir() string               { return filepath.Join(l.dir, "log") }
func (l testLayout) LogFileName(jobid int) string { return fmt.Sprintf("scan%d.log", jobid) }

func newPartitioner(t *testing.T, axes []grid.Axis, njobs int) *partition.Partitioner {
	t.Helper()
	space, err := grid.New(axes)
	if err != nil {
		t.Fatal(err)
	}
	p, err := partition.New(space, njobs)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// fourByTwo is a (4, 2) grid split over 3 jobs.
func fourByTwo(t *testing.T) *partition.Partitioner {
	return newPartitioner(t, []grid.Axis{
		{Name: "gamma", Values: grid.Linspace(1, 4, 4)},
		{Name: "m", Values: []grid.Value{grid.Num(-6), grid.Num(6)}},
	}, 3)
}

func fitRecord(c grid.Coordinate) models.Record {
	state := []float64{float64(c[0]), float64(c[1]), 1}
	return models.Record{
		Status: models.StatusOK,
		Fit: &models.Fit{
			Chi2:      float64(10*c[0] + c[1]),
			DeltaE:    0.1,
			XmaxShift: -0.5,
			Weights:   []float64{1, 3},
		},
		Injections: []models.Injection{
			{Egrid: []float64{1, 2, 3}, State: state, KnownSpecies: []int64{101, 402}},
			{Egrid: []float64{1, 2, 3}, State: state, KnownSpecies: []int64{101, 402}},
		},
	}
}

// writeJobs writes the result file of every job not listed in skip.
func writeJobs(t *testing.T, l testLayout, p *partition.Partitioner, rec func(grid.Coordinate) models.Record, skip ...int) {
	t.Helper()
	skipped := map[int]bool{}
	for _, j := range skip {
		skipped[j] = true
	}
	for jobid := 1; jobid <= p.NJobs(); jobid++ {
		if skipped[jobid] {
			continue
		}
		coords, err := p.PermSlice(jobid)
		if err != nil {
			t.Fatal(err)
		}
		records := make([]models.Record, len(coords))
		for i, c := range coords {
			records[i] = rec(c)
		}
		h := resultfile.Header{Tag: "scan", JobID: jobid, NJobs: p.NJobs(), Fingerprint: p.Fingerprint()}
		path := filepath.Join(l.OutDir(), l.OutFileName(jobid))
		if err := resultfile.Write(path, h, records); err != nil {
			t.Fatal(err)
		}
	}
}

func readArray(t *testing.T, storePath, name string, prefix ...int) []float64 {
	t.Helper()
	s, err := arraystore.Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Array(name)
	if err != nil {
		t.Fatalf("Array %q: %v", name, err)
	}
	got, err := a.Get(prefix)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestCollect_Job(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	writeJobs(t, l, p, fitRecord)

	storePath := filepath.Join(l.dir, "collected.zarr")
	c := &Collector{Partitioner: p, Layout: l, FlushEvery: 2}
	summary, err := c.Collect(context.Background(), storePath, NewJobReducer())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if summary.Points != 8 || summary.Failed != 0 || summary.Jobs != 3 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if summary.RunID == "" {
		t.Error("Expected a run id")
	}

	for _, coord := range p.Permutations() {
		chi2 := readArray(t, storePath, "default fit/chi2", coord...)
		if chi2[0] != float64(10*coord[0]+coord[1]) {
			t.Errorf("chi2 at %s: expected %d, got %v", coord, 10*coord[0]+coord[1], chi2[0])
		}
		frac := readArray(t, storePath, "default fit/fractions", coord...)
		if len(frac) != 2 || frac[0] != 0.25 || frac[1] != 0.75 {
			t.Errorf("fractions at %s: expected [0.25 0.75], got %v", coord, frac)
		}
		states := readArray(t, storePath, "states", coord...)
		if len(states) != 6 || states[3] != float64(coord[0]) || states[4] != float64(coord[1]) {
			t.Errorf("states at %s: got %v", coord, states)
		}
	}

	if norm := readArray(t, storePath, "default fit/norm", 2, 1); norm[0] != 4 {
		t.Errorf("Expected norm 4, got %v", norm)
	}
	if known := readArray(t, storePath, "known_spec"); known[0] != 101 || known[1] != 402 {
		t.Errorf("Expected known_spec [101 402], got %v", known)
	}
	for _, v := range readArray(t, storePath, "default fit/failed") {
		if v != 0 {
			t.Fatalf("Expected empty failed mask, got %v", v)
		}
	}

	s, err := arraystore.Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	attrs, err := s.Attrs("")
	if err != nil {
		t.Fatal(err)
	}
	if attrs["fingerprint"] != fingerprintAttr(p.GridFingerprint()) {
		t.Errorf("Expected fingerprint %s, got %v", fingerprintAttr(p.GridFingerprint()), attrs["fingerprint"])
	}
	if attrs["njobs"] != float64(3) {
		t.Errorf("Expected njobs 3, got %v", attrs["njobs"])
	}
	if attrs["run_id"] != summary.RunID {
		t.Errorf("Expected run_id %s, got %v", summary.RunID, attrs["run_id"])
	}
}

func TestCollect_FailedSentinel(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	bad := grid.Coordinate{1, 1}
	writeJobs(t, l, p, func(c grid.Coordinate) models.Record {
		if c.Equal(bad) {
			return models.Failed("integrator diverged")
		}
		return fitRecord(c)
	})

	storePath := filepath.Join(l.dir, "collected.zarr")
	c := &Collector{Partitioner: p, Layout: l}
	summary, err := c.Collect(context.Background(), storePath, NewJobReducer())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("Expected 1 failed point, got %d", summary.Failed)
	}

	if chi2 := readArray(t, storePath, "default fit/chi2", bad...); !math.IsInf(chi2[0], 1) {
		t.Errorf("Expected +Inf chi2 at failed point, got %v", chi2[0])
	}
	if failed := readArray(t, storePath, "default fit/failed", bad...); failed[0] != 1 {
		t.Errorf("Expected failed mask 1, got %v", failed[0])
	}
	if norm := readArray(t, storePath, "default fit/norm", bad...); !math.IsNaN(norm[0]) {
		t.Errorf("Expected NaN norm at failed point, got %v", norm[0])
	}

	for _, coord := range p.Permutations() {
		if coord.Equal(bad) {
			continue
		}
		chi2 := readArray(t, storePath, "default fit/chi2", coord...)
		if math.IsInf(chi2[0], 0) || math.IsNaN(chi2[0]) {
			t.Errorf("Expected valid chi2 at %s, got %v", coord, chi2[0])
		}
		if failed := readArray(t, storePath, "default fit/failed", coord...); failed[0] != 0 {
			t.Errorf("Expected failed mask 0 at %s, got %v", coord, failed[0])
		}
	}
}

func TestCollect_IncompleteScan(t *testing.T) {
	tests := []struct {
		name    string
		njobs   int
		skip    []int
		missing string
	}{
		{"single job", 8, []int{4}, "4"},
		{"contiguous run", 8, []int{5, 6, 7}, "5-7"},
		{"two runs", 8, []int{1, 2, 8}, "1-2, 8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := testLayout{dir: t.TempDir()}
			p := newPartitioner(t, []grid.Axis{
				{Name: "a", Values: grid.Linspace(0, 1, 4)},
				{Name: "b", Values: grid.Linspace(0, 1, 3)},
			}, tt.njobs)
			writeJobs(t, l, p, fitRecord, tt.skip...)

			c := &Collector{Partitioner: p, Layout: l}
			storePath := filepath.Join(l.dir, "collected.zarr")
			_, err := c.Collect(context.Background(), storePath, NewJobReducer())
			if !errors.Is(err, ErrIncompleteScan) {
				t.Fatalf("Expected ErrIncompleteScan, got %v", err)
			}
			var incomplete *IncompleteScanError
			if !errors.As(err, &incomplete) {
				t.Fatalf("Expected *IncompleteScanError, got %T", err)
			}
			if got := partition.FormatRanges(incomplete.Missing); got != tt.missing {
				t.Errorf("Expected missing %q, got %q", tt.missing, got)
			}
			if incomplete.Count != len(tt.skip) {
				t.Errorf("Expected count %d, got %d", len(tt.skip), incomplete.Count)
			}
			if _, err := os.Stat(storePath); !os.IsNotExist(err) {
				t.Error("Expected no store to be created")
			}
		})
	}
}

func TestScanOutputs(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)

	res, err := ScanOutputs(l, p.NJobs())
	if err != nil {
		t.Fatalf("ScanOutputs failed: %v", err)
	}
	if len(res.Missing) != 3 || len(res.Found) != 0 {
		t.Errorf("Expected all jobs missing without an output folder, got %+v", res)
	}

	writeJobs(t, l, p, fitRecord, 2)
	res, err = ScanOutputs(l, p.NJobs())
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete() {
		t.Error("Expected incomplete scan")
	}
	if got := partition.FormatRanges(res.FoundRanges()); got != "1, 3" {
		t.Errorf("Expected found \"1, 3\", got %q", got)
	}
	if got := partition.FormatRanges(res.MissingRanges()); got != "2" {
		t.Errorf("Expected missing \"2\", got %q", got)
	}

	if err := os.MkdirAll(l.LogDir(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(l.LogDir(), l.LogFileName(3)), nil, 0644); err != nil {
		t.Fatal(err)
	}
	logs, err := ScanLogs(l, p.NJobs())
	if err != nil {
		t.Fatal(err)
	}
	if len(logs.Found) != 1 || logs.Found[0] != 3 {
		t.Errorf("Expected log of job 3 found, got %v", logs.Found)
	}
}

func TestCheck_ContinuesPastCorruptFile(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	writeJobs(t, l, p, fitRecord)
	if err := os.WriteFile(filepath.Join(l.OutDir(), l.OutFileName(2)), []byte("not a result file"), 0644); err != nil {
		t.Fatal(err)
	}

	c := &Collector{Partitioner: p, Layout: l}
	report, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(report.Bad) != 1 || report.Bad[0] != 2 {
		t.Errorf("Expected bad jobs [2], got %v", report.Bad)
	}
	want := p.SliceLen(1) + p.SliceLen(3)
	if report.Points != want {
		t.Errorf("Expected %d points, got %d", want, report.Points)
	}

	_, err = c.Collect(context.Background(), filepath.Join(l.dir, "collected.zarr"), NewJobReducer())
	var jobErr *JobReadError
	if !errors.As(err, &jobErr) {
		t.Fatalf("Expected *JobReadError, got %v", err)
	}
	if jobErr.JobID != 2 {
		t.Errorf("Expected job 2, got %d", jobErr.JobID)
	}
	if !errors.Is(err, resultfile.ErrDeserialization) {
		t.Errorf("Expected ErrDeserialization cause, got %v", err)
	}
}

func TestCheck_ForeignFile(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	writeJobs(t, l, p, fitRecord)

	// job 3 written for a different job count
	coords, _ := p.PermSlice(3)
	records := make([]models.Record, len(coords))
	for i, c := range coords {
		records[i] = fitRecord(c)
	}
	h := resultfile.Header{Tag: "scan", JobID: 3, NJobs: 4, Fingerprint: p.Fingerprint()}
	if err := resultfile.Write(filepath.Join(l.OutDir(), l.OutFileName(3)), h, records); err != nil {
		t.Fatal(err)
	}

	c := &Collector{Partitioner: p, Layout: l}
	report, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Bad) != 1 || report.Bad[0] != 3 {
		t.Errorf("Expected bad jobs [3], got %v", report.Bad)
	}
	if _, err := c.readJob(3); !errors.Is(err, ErrResultMismatch) {
		t.Errorf("Expected ErrResultMismatch, got %v", err)
	}
}

func TestCollect_NoSuccessfulRecords(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	writeJobs(t, l, p, func(grid.Coordinate) models.Record { return models.Failed("boom") })

	c := &Collector{Partitioner: p, Layout: l}
	_, err := c.Collect(context.Background(), filepath.Join(l.dir, "collected.zarr"), NewJobReducer())
	if !errors.Is(err, ErrNoResults) {
		t.Errorf("Expected ErrNoResults, got %v", err)
	}
}

func TestCollect_RerunReplacesValues(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	bad := grid.Coordinate{0, 1}
	writeJobs(t, l, p, func(c grid.Coordinate) models.Record {
		if c.Equal(bad) {
			return models.Failed("first pass")
		}
		return fitRecord(c)
	})

	storePath := filepath.Join(l.dir, "collected.zarr")
	c := &Collector{Partitioner: p, Layout: l}
	if _, err := c.Collect(context.Background(), storePath, NewJobReducer()); err != nil {
		t.Fatal(err)
	}

	writeJobs(t, l, p, fitRecord)
	if _, err := c.Collect(context.Background(), storePath, NewJobReducer()); err != nil {
		t.Fatal(err)
	}
	if failed := readArray(t, storePath, "default fit/failed", bad...); failed[0] != 0 {
		t.Errorf("Expected failed mask cleared by rerun, got %v", failed[0])
	}
	if chi2 := readArray(t, storePath, "default fit/chi2", bad...); chi2[0] != 1 {
		t.Errorf("Expected chi2 1 after rerun, got %v", chi2[0])
	}
}

func TestCollect_Fit(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	writeJobs(t, l, p, fitRecord)

	storePath := filepath.Join(l.dir, "collected.zarr")
	c := &Collector{Partitioner: p, Layout: l}
	if _, err := c.Collect(context.Background(), storePath, NewJobReducer()); err != nil {
		t.Fatal(err)
	}

	refit := func(coord grid.Coordinate) models.Record {
		return models.Record{
			Status: models.StatusOK,
			Fit:    &models.Fit{Chi2: 100 + float64(coord[0]), Weights: []float64{2, 2, 4}},
		}
	}
	writeJobs(t, l, p, refit)
	if _, err := c.Collect(context.Background(), storePath, NewFitReducer("refit")); err != nil {
		t.Fatalf("Fit collect failed: %v", err)
	}

	if chi2 := readArray(t, storePath, "refit/chi2", 3, 0); chi2[0] != 103 {
		t.Errorf("Expected refit chi2 103, got %v", chi2[0])
	}
	if frac := readArray(t, storePath, "refit/fractions", 3, 0); len(frac) != 3 || frac[2] != 0.5 {
		t.Errorf("Expected refit fractions [0.25 0.25 0.5], got %v", frac)
	}
	if chi2 := readArray(t, storePath, "default fit/chi2", 3, 0); chi2[0] != 30 {
		t.Errorf("Expected default fit kept, got %v", chi2[0])
	}
	if states := readArray(t, storePath, "states", 3, 0); states[0] != 3 {
		t.Errorf("Expected root states kept, got %v", states)
	}

	s, err := arraystore.Open(storePath)
	if err != nil {
		t.Fatal(err)
	}
	attrs, err := s.Attrs("refit")
	if err != nil {
		t.Fatal(err)
	}
	if attrs["reducer"] != "fit" {
		t.Errorf("Expected reducer attr fit, got %v", attrs["reducer"])
	}
}

func TestCollect_FitRefusesForeignStore(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	writeJobs(t, l, p, fitRecord)

	storePath := filepath.Join(l.dir, "collected.zarr")
	s, err := arraystore.Create(storePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetAttrs("", map[string]any{"fingerprint": "deadbeef"}); err != nil {
		t.Fatal(err)
	}

	c := &Collector{Partitioner: p, Layout: l}
	_, err = c.Collect(context.Background(), storePath, NewFitReducer("refit"))
	if !errors.Is(err, ErrResultMismatch) {
		t.Errorf("Expected ErrResultMismatch, got %v", err)
	}
}

func TestCollect_Cancelled(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	writeJobs(t, l, p, fitRecord)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &Collector{Partitioner: p, Layout: l}
	if _, err := c.Collect(ctx, filepath.Join(l.dir, "collected.zarr"), NewJobReducer()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// chunkFiles counts the chunk files below a store.
func chunkFiles(t *testing.T, storePath string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(storePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestCollect_FlushBudget(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := newPartitioner(t, []grid.Axis{
		{Name: "a", Values: grid.Linspace(0, 1, 6)},
		{Name: "b", Values: grid.Linspace(0, 1, 4)},
	}, 8)
	writeJobs(t, l, p, fitRecord)

	tests := []struct {
		name        string
		flushBytes  int64
		flushEvery  int
		wantFlushes int
		rewrites    bool
	}{
		{"default budget", 0, 0, 0, false},
		{"tiny budget", 1, 0, 8, true},
		{"every job", 0, 1, 8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storePath := filepath.Join(t.TempDir(), "collected.zarr")
			c := &Collector{Partitioner: p, Layout: l, FlushBytes: tt.flushBytes, FlushEvery: tt.flushEvery}
			summary, err := c.Collect(context.Background(), storePath, NewJobReducer())
			if err != nil {
				t.Fatalf("Collect failed: %v", err)
			}
			if summary.Flushes != tt.wantFlushes {
				t.Errorf("Expected %d flushes, got %d", tt.wantFlushes, summary.Flushes)
			}

			files := chunkFiles(t, storePath)
			if !tt.rewrites && summary.ChunksWritten != files {
				t.Errorf("Expected each of %d chunks written once, got %d writes", files, summary.ChunksWritten)
			}
			if tt.rewrites && summary.ChunksWritten <= files {
				t.Errorf("Expected chunks rewritten across flushes, got %d writes for %d chunks", summary.ChunksWritten, files)
			}

			for _, coord := range p.Permutations() {
				chi2 := readArray(t, storePath, "default fit/chi2", coord...)
				if chi2[0] != float64(10*coord[0]+coord[1]) {
					t.Fatalf("chi2 at %s: expected %d, got %v", coord, 10*coord[0]+coord[1], chi2[0])
				}
			}
		})
	}
}

func TestCollect_FitWithDifferentJobCount(t *testing.T) {
	axes := []grid.Axis{
		{Name: "gamma", Values: grid.Linspace(1, 4, 4)},
		{Name: "m", Values: []grid.Value{grid.Num(-6), grid.Num(6)}},
	}
	base := newPartitioner(t, axes, 3)
	l := testLayout{dir: t.TempDir()}
	writeJobs(t, l, base, fitRecord)

	storePath := filepath.Join(t.TempDir(), "collected.zarr")
	c := &Collector{Partitioner: base, Layout: l}
	if _, err := c.Collect(context.Background(), storePath, NewJobReducer()); err != nil {
		t.Fatal(err)
	}

	refit := newPartitioner(t, axes, 2)
	fl := testLayout{dir: t.TempDir()}
	writeJobs(t, fl, refit, func(coord grid.Coordinate) models.Record {
		return models.Record{
			Status: models.StatusOK,
			Fit:    &models.Fit{Chi2: 100 + float64(coord[0]), Weights: []float64{1, 1}},
		}
	})

	fc := &Collector{Partitioner: refit, Layout: fl}
	if _, err := fc.Collect(context.Background(), storePath, NewFitReducer("refit")); err != nil {
		t.Fatalf("Fit collect with a different job count failed: %v", err)
	}
	if chi2 := readArray(t, storePath, "refit/chi2", 2, 1); chi2[0] != 102 {
		t.Errorf("Expected refit chi2 102, got %v", chi2[0])
	}
	if chi2 := readArray(t, storePath, "default fit/chi2", 2, 1); chi2[0] != 21 {
		t.Errorf("Expected default fit kept, got %v", chi2[0])
	}
}

func TestCollect_AbortFlushesCollectedJobs(t *testing.T) {
	l := testLayout{dir: t.TempDir()}
	p := fourByTwo(t)
	writeJobs(t, l, p, fitRecord)
	if err := os.WriteFile(filepath.Join(l.OutDir(), l.OutFileName(3)), []byte("truncated"), 0644); err != nil {
		t.Fatal(err)
	}

	storePath := filepath.Join(l.dir, "collected.zarr")
	c := &Collector{Partitioner: p, Layout: l}
	summary, err := c.Collect(context.Background(), storePath, NewJobReducer())
	var jobErr *JobReadError
	if !errors.As(err, &jobErr) || jobErr.JobID != 3 {
		t.Fatalf("Expected read error for job 3, got %v", err)
	}
	if summary.Points != p.SliceLen(1)+p.SliceLen(2) {
		t.Errorf("Expected points of jobs 1 and 2, got %d", summary.Points)
	}

	owned, err := p.PermSlice(1)
	if err != nil {
		t.Fatal(err)
	}
	coord := owned[0]
	if chi2 := readArray(t, storePath, "default fit/chi2", coord...); chi2[0] != float64(10*coord[0]+coord[1]) {
		t.Errorf("Expected job 1 values on disk after abort, got %v", chi2[0])
	}
	missing, err := p.PermSlice(3)
	if err != nil {
		t.Fatal(err)
	}
	if chi2 := readArray(t, storePath, "default fit/chi2", missing[0]...); !math.IsNaN(chi2[0]) {
		t.Errorf("Expected fill value at a job 3 point, got %v", chi2[0])
	}
}
