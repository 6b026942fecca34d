package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Script holds the settings of an SGE array job script. Every task of the
// array runs one grid job: it writes its result into $TMPDIR first and
// moves it into OutDir only once the run command succeeded, so a job that
// dies leaves no result file behind.
type Script struct {
	Name        string // job name, also the prefix of log and result files
	Hours       int    // h_rt limit
	MemoryGB    int    // h_rss limit
	LogDir      string
	OutDir      string
	Binary      string // gridscan executable
	ProjectFile string // project copy the tasks read
}

// Render produces the script text.
func (s *Script) Render() string {
	var sb strings.Builder

	sb.WriteString("#!/bin/bash\n")
	sb.WriteString(fmt.Sprintf("#$ -N %s\n", s.Name))
	sb.WriteString(fmt.Sprintf("#$ -l h_rt=%d:00:00\n", s.Hours))
	sb.WriteString(fmt.Sprintf("#$ -l h_rss=%dG\n", s.MemoryGB))
	sb.WriteString("#$ -j y\n")
	sb.WriteString("#$ -m ae\n")
	sb.WriteString(fmt.Sprintf("#$ -o %s/%s$TASK_ID.log\n", s.LogDir, s.Name))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("OUTFILE=%s/%s$SGE_TASK_ID.out\n", s.OutDir, s.Name))
	sb.WriteString("TMPOUT=$TMPDIR/tmp.out\n")
	sb.WriteString("\n")
	sb.WriteString("echo Starting job $SGE_TASK_ID on `hostname`. Now is `date`\n")
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s run --config %s --jobid $SGE_TASK_ID --outfile $TMPOUT || exit 1\n",
		s.Binary, s.ProjectFile))
	sb.WriteString("\n")
	sb.WriteString("mv $TMPOUT $OUTFILE\n")

	return sb.String()
}

// Write renders the script to path with execute permission.
func (s *Script) Write(path string) error {
	if err := os.WriteFile(path, []byte(s.Render()), 0755); err != nil {
		return fmt.Errorf("failed to write submit script: %w", err)
	}
	return nil
}

var scriptPatterns = map[string]*regexp.Regexp{
	"name":    regexp.MustCompile(`^#\$ -N\s+(\S+)`),
	"hours":   regexp.MustCompile(`^#\$ -l h_rt=(\d+):00:00`),
	"memory":  regexp.MustCompile(`^#\$ -l h_rss=(\d+)G`),
	"log":     regexp.MustCompile(`^#\$ -o\s+(\S+)/[^/]+\$TASK_ID\.log`),
	"outfile": regexp.MustCompile(`^OUTFILE=(\S+)/[^/]+\$SGE_TASK_ID\.out`),
	"run":     regexp.MustCompile(`^(\S+) run --config (\S+) `),
}

// ParseScript reads back the settings of a script written by Render.
func ParseScript(path string) (*Script, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open script: %w", err)
	}
	defer file.Close()

	s := &Script{}
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if m := scriptPatterns["name"].FindStringSubmatch(line); m != nil {
			s.Name = m[1]
		} else if m := scriptPatterns["hours"].FindStringSubmatch(line); m != nil {
			v, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("invalid h_rt at line %d: %w", lineNum, err)
			}
			s.Hours = v
		} else if m := scriptPatterns["memory"].FindStringSubmatch(line); m != nil {
			v, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("invalid h_rss at line %d: %w", lineNum, err)
			}
			s.MemoryGB = v
		} else if m := scriptPatterns["log"].FindStringSubmatch(line); m != nil {
			s.LogDir = m[1]
		} else if m := scriptPatterns["outfile"].FindStringSubmatch(line); m != nil {
			s.OutDir = m[1]
		} else if m := scriptPatterns["run"].FindStringSubmatch(line); m != nil {
			s.Binary = m[1]
			s.ProjectFile = m[2]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading script: %w", err)
	}

	if s.Name == "" {
		return nil, fmt.Errorf("missing required directive: -N")
	}
	if s.ProjectFile == "" {
		return nil, fmt.Errorf("missing run command in %s", path)
	}
	return s, nil
}
