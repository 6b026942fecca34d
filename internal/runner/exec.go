package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rescale/gridscan/internal/models"
)

// waitDelay bounds how long a killed command may hold its output pipes.
const waitDelay = 2 * time.Second

// SetupEnv carries the setup output to every compute command.
const SetupEnv = "GRIDSCAN_SETUP"

// ExecModel runs external commands. The setup command runs once per job and
// its trimmed stdout becomes the session. The compute command runs once per
// point and must print a JSON record on stdout; a non-zero exit marks the
// point failed.
type ExecModel struct {
	SetupCommand []string
	Command      []string
	Timeout      time.Duration
	AxisNames    []string
	InputPath    string
	// Stderr receives the commands' stderr. Defaults to os.Stderr.
	Stderr io.Writer
}

type execSession struct {
	setup string
}

func (m *ExecModel) stderr() io.Writer {
	if m.Stderr != nil {
		return m.Stderr
	}
	return os.Stderr
}

// Setup implements Model.
func (m *ExecModel) Setup(ctx context.Context) (Session, error) {
	if len(m.Command) == 0 {
		return nil, fmt.Errorf("no compute command configured")
	}
	if len(m.SetupCommand) == 0 {
		return &execSession{}, nil
	}
	argv := expand(m.SetupCommand, map[string]string{"inputpath": m.InputPath})

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = m.stderr()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("setup command %q: %w", argv[0], err)
	}
	return &execSession{setup: strings.TrimSpace(stdout.String())}, nil
}

// Compute implements Model.
func (m *ExecModel) Compute(ctx context.Context, sess Session, pt Point) (models.Record, error) {
	s, ok := sess.(*execSession)
	if !ok {
		return models.Record{}, fmt.Errorf("unexpected session type %T", sess)
	}
	if len(pt.Values) != len(m.AxisNames) {
		return models.Record{}, fmt.Errorf("point has %d values, expected %d", len(pt.Values), len(m.AxisNames))
	}

	vars := map[string]string{
		"inputpath": m.InputPath,
		"jobid":     strconv.Itoa(pt.JobID),
		"slot":      strconv.Itoa(pt.Slot),
	}
	for i, name := range m.AxisNames {
		vars[name] = pt.Values[i].String()
	}
	argv := expand(m.Command, vars)

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = m.stderr()
	cmd.Env = append(os.Environ(), SetupEnv+"="+s.setup)
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		return models.Record{}, fmt.Errorf("command %q at %s: %w", argv[0], pt.Coordinate, err)
	}

	var rec models.Record
	if err := json.Unmarshal(stdout.Bytes(), &rec); err != nil {
		return models.Record{}, fmt.Errorf("command %q at %s printed an invalid record: %w", argv[0], pt.Coordinate, err)
	}
	if rec.Status == "" {
		rec.Status = models.StatusOK
	}
	return rec, nil
}

// expand substitutes {name} placeholders in every argument.
func expand(tmpl []string, vars map[string]string) []string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}
