package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rescale/gridscan/internal/grid"
	"github.com/rescale/gridscan/internal/logging"
	"github.com/rescale/gridscan/internal/models"
	"github.com/rescale/gridscan/internal/partition"
	"github.com/rescale/gridscan/internal/resultfile"
)

type fakeModel struct {
	setupErr error
	failAt   map[int]bool // slot -> fail
	cancel   context.CancelFunc
	cancelAt int
	setups   int
	points   []Point
}

func (m *fakeModel) Setup(ctx context.Context) (Session, error) {
	m.setups++
	if m.setupErr != nil {
		return nil, m.setupErr
	}
	return "table", nil
}

func (m *fakeModel) Compute(ctx context.Context, sess Session, pt Point) (models.Record, error) {
	m.points = append(m.points, pt)
	if m.cancel != nil && pt.Slot == m.cancelAt {
		m.cancel()
		return models.Record{}, ctx.Err()
	}
	if m.failAt[pt.Slot] {
		return models.Record{}, errors.New("walker diverged")
	}
	if sess != "table" {
		return models.Record{}, errors.New("wrong session")
	}
	return models.Record{
		Status: models.StatusOK,
		Fit:    &models.Fit{Chi2: pt.Values[0].Num * 10, Weights: []float64{1, 1}},
	}, nil
}

func newPartitioner(t *testing.T, njobs int) *partition.Partitioner {
	t.Helper()
	space, err := grid.New([]grid.Axis{
		{Name: "a", Values: []grid.Value{grid.Num(0), grid.Num(1), grid.Num(2), grid.Num(3)}},
		{Name: "b", Values: []grid.Value{grid.Num(0), grid.Num(1)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := partition.New(space, njobs)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRun(t *testing.T) {
	part := newPartitioner(t, 3)
	model := &fakeModel{failAt: map[int]bool{1: true}}
	r := &Runner{Partitioner: part, Model: model, Tag: "scan"}
	out := filepath.Join(t.TempDir(), "out", "scan1.out")

	summary, err := r.Run(context.Background(), 1, out)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Points != 3 || summary.Failed != 1 {
		t.Errorf("Expected 3 points with 1 failure, got %+v", summary)
	}
	if model.setups != 1 {
		t.Errorf("Expected setup once, got %d", model.setups)
	}

	// job 1 owns positions 0, 3, 6: (0,0), (1,1), (3,0)
	want := []grid.Coordinate{{0, 0}, {1, 1}, {3, 0}}
	for i, pt := range model.points {
		if !pt.Coordinate.Equal(want[i]) || pt.Slot != i || pt.JobID != 1 {
			t.Errorf("Point %d: expected %v at slot %d, got %+v", i, want[i], i, pt)
		}
	}

	h, records, err := resultfile.Read(out)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if h.JobID != 1 || h.NJobs != 3 || h.Tag != "scan" || h.Fingerprint != part.Fingerprint() {
		t.Errorf("Unexpected header: %+v", h)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].IsFailed() || records[0].Fit.Chi2 != 0 {
		t.Errorf("Unexpected record 0: %+v", records[0])
	}
	if !records[1].IsFailed() || records[1].Reason != "walker diverged" {
		t.Errorf("Expected failed record at slot 1, got %+v", records[1])
	}
	if records[2].Fit == nil || records[2].Fit.Chi2 != 30 {
		t.Errorf("Unexpected record 2: %+v", records[2])
	}
}

func TestRun_LogsCarryJobID(t *testing.T) {
	var buf bytes.Buffer
	part := newPartitioner(t, 3)
	model := &fakeModel{failAt: map[int]bool{0: true}}
	r := &Runner{Partitioner: part, Model: model, Tag: "scan", Logger: logging.NewLogger(&buf)}

	if _, err := r.Run(context.Background(), 2, filepath.Join(t.TempDir(), "scan2.out")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 3 {
		t.Fatalf("Expected start, failure and finish lines, got %q", buf.String())
	}
	for _, line := range lines {
		if !strings.Contains(line, "jobid=") {
			t.Errorf("Expected jobid field on every line, got %q", line)
		}
	}
	if !strings.Contains(buf.String(), "Point failed") {
		t.Errorf("Expected failed point to be logged, got %q", buf.String())
	}
}

func TestRun_SetupFailureWritesNothing(t *testing.T) {
	part := newPartitioner(t, 3)
	r := &Runner{Partitioner: part, Model: &fakeModel{setupErr: errors.New("no input")}}
	out := filepath.Join(t.TempDir(), "scan2.out")

	if _, err := r.Run(context.Background(), 2, out); err == nil {
		t.Fatal("Expected setup error")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("Expected no output file, got %v", err)
	}
}

func TestRun_CancelWritesNothing(t *testing.T) {
	part := newPartitioner(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &fakeModel{cancel: cancel, cancelAt: 2}
	r := &Runner{Partitioner: part, Model: model}
	out := filepath.Join(t.TempDir(), "scan1.out")

	_, err := r.Run(ctx, 1, out)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("Expected no output file, got %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(out))
	if len(entries) != 0 {
		t.Errorf("Expected no leftover files, found %d", len(entries))
	}
}

func TestRun_InvalidJobID(t *testing.T) {
	part := newPartitioner(t, 3)
	r := &Runner{Partitioner: part, Model: &fakeModel{}}
	if _, err := r.Run(context.Background(), 4, filepath.Join(t.TempDir(), "x.out")); !errors.Is(err, partition.ErrInvalidJobID) {
		t.Errorf("Expected ErrInvalidJobID, got %v", err)
	}
}

func TestRun_EmptySlice(t *testing.T) {
	// more jobs than points: job 9 owns nothing but still writes an empty file
	part := newPartitioner(t, 9)
	r := &Runner{Partitioner: part, Model: &fakeModel{}}
	out := filepath.Join(t.TempDir(), "scan9.out")

	if _, err := r.Run(context.Background(), 9, out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	_, records, err := resultfile.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("Expected empty result file, got %d records", len(records))
	}
}
