package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rescale/gridscan/internal/partition"
)

type call struct {
	name string
	args []string
}

func recordingRunner(calls *[]call, err error) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{name: name, args: append([]string(nil), args...)})
		return []byte("Your job-array 4711.1-9000:1 has been submitted"), err
	}
}

func TestSGE_Submit(t *testing.T) {
	var calls []call
	s := &SGE{Qsub: "qsub", Run: recordingRunner(&calls, nil)}

	if err := s.Submit(context.Background(), "/scratch/sub.sh", All(9000)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("Expected 1 call, got %d", len(calls))
	}
	got := calls[0].name + " " + strings.Join(calls[0].args, " ")
	if got != "qsub -t 1:9000 /scratch/sub.sh" {
		t.Errorf("Expected qsub -t 1:9000 /scratch/sub.sh, got %s", got)
	}
}

func TestSGE_SubmitError(t *testing.T) {
	var calls []call
	s := &SGE{Run: recordingRunner(&calls, errors.New("exit status 1"))}
	err := s.Submit(context.Background(), "sub.sh", Single(4))
	if err == nil || !strings.Contains(err.Error(), "qsub -t 4:4") {
		t.Errorf("Expected qsub failure mentioning 4:4, got %v", err)
	}
}

func TestRequests(t *testing.T) {
	if r := Single(7); r.TaskRange() != "7:7" || r.String() != "7" {
		t.Errorf("Unexpected single request: %s %s", r.TaskRange(), r)
	}
	if r := Range(5, 7); r.TaskRange() != "5:7" || r.String() != "5-7" {
		t.Errorf("Unexpected range request: %s %s", r.TaskRange(), r)
	}

	reqs := FromRanges(partition.Ranges([]int{2, 3, 4, 9}))
	if len(reqs) != 2 || reqs[0] != Range(2, 4) || reqs[1] != Single(9) {
		t.Errorf("Unexpected requests from ranges: %v", reqs)
	}
}

func TestSubmitRequest_Validate(t *testing.T) {
	tests := []struct {
		req     SubmitRequest
		wantErr bool
	}{
		{All(10), false},
		{Single(10), false},
		{Single(11), true},
		{Single(0), true},
		{Range(5, 3), true},
	}
	for _, tt := range tests {
		err := tt.req.Validate(10)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%v): expected error=%v, got %v", tt.req, tt.wantErr, err)
		}
	}
}
