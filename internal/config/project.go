// Package config loads the project file of a scan. A project is read once
// into an immutable Project; every accessor returns a copy.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"

	"github.com/rescale/gridscan/internal/grid"
	"github.com/rescale/gridscan/internal/partition"
)

// Defaults applied when the project file leaves a field unset.
const (
	DefaultHoursPerJob = 3
	DefaultMaxMemoryGB = 2
	DefaultFlushEvery  = 0
	DefaultFlushMB     = 512
)

// reservedAxisNames are the placeholders the compute command template fills
// itself; an axis may not shadow them.
var reservedAxisNames = []string{"jobid", "slot", "inputpath"}

// Supported project file formats.
const (
	FormatHCL  = "hcl"
	FormatYAML = "yaml"
)

// projectFile mirrors the on-disk layout for both formats.
type projectFile struct {
	Tag         string       `hcl:"tag" yaml:"tag"`
	FitTag      string       `hcl:"fit_tag,optional" yaml:"fit_tag"`
	FitOnly     bool         `hcl:"fit_only,optional" yaml:"fit_only"`
	TargetDir   string       `hcl:"targetdir" yaml:"targetdir"`
	InputPath   string       `hcl:"inputpath,optional" yaml:"inputpath"`
	NJobs       int          `hcl:"njobs" yaml:"njobs"`
	HoursPerJob int          `hcl:"hours_per_job,optional" yaml:"hours_per_job"`
	MaxMemoryGB int          `hcl:"max_memory_gb,optional" yaml:"max_memory_gb"`
	FlushEvery  int          `hcl:"flush_every,optional" yaml:"flush_every"`
	FlushMB     int          `hcl:"flush_mb,optional" yaml:"flush_mb"`
	Subset      [][]int      `hcl:"subset,optional" yaml:"subset"`
	Axes        []axisFile   `hcl:"axis,block" yaml:"axes"`
	Compute     *computeFile `hcl:"compute,block" yaml:"compute"`
	Publish     *publishFile `hcl:"publish,block" yaml:"publish"`
}

type axisFile struct {
	Name     string    `hcl:"name,label" yaml:"name"`
	Values   []float64 `hcl:"values,optional" yaml:"values"`
	Linspace []float64 `hcl:"linspace,optional" yaml:"linspace"`
	Logspace []float64 `hcl:"logspace,optional" yaml:"logspace"`
	Labels   []string  `hcl:"labels,optional" yaml:"labels"`
}

type computeFile struct {
	Setup   []string `hcl:"setup,optional" yaml:"setup"`
	Command []string `hcl:"command" yaml:"command"`
	Timeout string   `hcl:"timeout,optional" yaml:"timeout"`
}

type publishFile struct {
	URL         string     `hcl:"url" yaml:"url"`
	Region      string     `hcl:"region,optional" yaml:"region"`
	Concurrency int        `hcl:"concurrency,optional" yaml:"concurrency"`
	RateLimit   float64    `hcl:"rate_limit,optional" yaml:"rate_limit"`
	Proxy       *proxyFile `hcl:"proxy,block" yaml:"proxy"`
}

type proxyFile struct {
	Mode        string `hcl:"mode" yaml:"mode"`
	Host        string `hcl:"host,optional" yaml:"host"`
	Port        int    `hcl:"port,optional" yaml:"port"`
	User        string `hcl:"user,optional" yaml:"user"`
	PasswordEnv string `hcl:"password_env,optional" yaml:"password_env"`
	NoProxy     string `hcl:"no_proxy,optional" yaml:"no_proxy"`
}

// Compute describes how a single grid point is evaluated by the run command.
type Compute struct {
	// Setup runs once per job; its trimmed stdout is shared with every point.
	Setup []string
	// Command is an argv template. {axis}, {jobid}, {slot} and {inputpath}
	// placeholders are substituted per point.
	Command []string
	// Timeout bounds one point. Zero means no limit.
	Timeout time.Duration
}

// Publish describes where the collected store is mirrored. RateLimit caps
// upload requests per second; zero means no limit.
type Publish struct {
	URL         string
	Region      string
	Concurrency int
	RateLimit   float64
	Proxy       Proxy
}

// Proxy modes accepted in the publish block.
const (
	ProxyNone   = "no-proxy"
	ProxySystem = "system"
	ProxyBasic  = "basic"
	ProxyNTLM   = "ntlm"
)

// DefaultPublishConcurrency is the number of files uploaded in parallel.
const DefaultPublishConcurrency = 4

// Proxy routes publish traffic. The password is never stored in the
// project file; PasswordEnv names the environment variable holding it.
type Proxy struct {
	Mode        string
	Host        string
	Port        int
	User        string
	PasswordEnv string
	NoProxy     string
}

// Password reads the proxy password from the environment.
func (p Proxy) Password() string {
	if p.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(p.PasswordEnv)
}

// Project is a validated, immutable scan definition.
type Project struct {
	path        string
	format      string
	tag         string
	fitTag      string
	fitOnly     bool
	targetDir   string
	inputPath   string
	njobs       int
	hoursPerJob int
	maxMemoryGB int
	flushEvery  int
	flushMB     int
	space       *grid.Space
	compute     *Compute
	publish     *Publish
}

// DetectFormat returns FormatHCL or FormatYAML based on the file extension,
// or "" when the extension is not recognised.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return FormatHCL
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return ""
	}
}

// Load reads and validates a project file.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(abs, data)
}

// Parse decodes project data. filename selects the format and is reported
// in errors.
func Parse(filename string, data []byte) (*Project, error) {
	format := DetectFormat(filename)

	var pf projectFile
	switch format {
	case FormatHCL:
		parser := hclparse.NewParser()
		file, diags := parser.ParseHCL(data, filename)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %s", filename, diags.Error())
		}
		diags = gohcl.DecodeBody(file.Body, nil, &pf)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %s", filename, diags.Error())
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("failed to parse YAML file %s: %w", filename, err)
		}
	default:
		return nil, fmt.Errorf("unsupported project file %s: expected .hcl, .yaml or .yml", filename)
	}

	p, err := pf.build()
	if err != nil {
		return nil, fmt.Errorf("invalid project %s: %w", filename, err)
	}
	p.path = filename
	p.format = format
	return p, nil
}

func (pf *projectFile) build() (*Project, error) {
	if pf.Tag == "" {
		return nil, fmt.Errorf("tag is required")
	}
	if strings.ContainsAny(pf.Tag, `/\ `) {
		return nil, fmt.Errorf("tag %q must not contain path separators or spaces", pf.Tag)
	}
	if pf.TargetDir == "" {
		return nil, fmt.Errorf("targetdir is required")
	}
	if pf.NJobs < 1 {
		return nil, fmt.Errorf("njobs must be >= 1, got %d", pf.NJobs)
	}
	if pf.FitOnly && pf.FitTag == "" {
		return nil, fmt.Errorf("fit_only requires fit_tag")
	}
	if strings.ContainsAny(pf.FitTag, `/\ `) {
		return nil, fmt.Errorf("fit_tag %q must not contain path separators or spaces", pf.FitTag)
	}

	hours, err := positiveOrDefault("hours_per_job", pf.HoursPerJob, DefaultHoursPerJob)
	if err != nil {
		return nil, err
	}
	mem, err := positiveOrDefault("max_memory_gb", pf.MaxMemoryGB, DefaultMaxMemoryGB)
	if err != nil {
		return nil, err
	}
	flush, err := positiveOrDefault("flush_every", pf.FlushEvery, DefaultFlushEvery)
	if err != nil {
		return nil, err
	}
	flushMB, err := positiveOrDefault("flush_mb", pf.FlushMB, DefaultFlushMB)
	if err != nil {
		return nil, err
	}

	axes := make([]grid.Axis, 0, len(pf.Axes))
	for _, af := range pf.Axes {
		a, err := af.axis()
		if err != nil {
			return nil, err
		}
		axes = append(axes, a)
	}
	space, err := grid.New(axes)
	if err != nil {
		return nil, err
	}
	if pf.Subset != nil {
		coords := make([]grid.Coordinate, len(pf.Subset))
		for i, c := range pf.Subset {
			coords[i] = grid.Coordinate(c)
		}
		if space, err = space.WithSubset(coords); err != nil {
			return nil, err
		}
	}

	p := &Project{
		tag:         pf.Tag,
		fitTag:      pf.FitTag,
		fitOnly:     pf.FitOnly,
		targetDir:   pf.TargetDir,
		inputPath:   pf.InputPath,
		njobs:       pf.NJobs,
		hoursPerJob: hours,
		maxMemoryGB: mem,
		flushEvery:  flush,
		flushMB:     flushMB,
		space:       space,
	}

	if pf.Compute != nil {
		if len(pf.Compute.Command) == 0 {
			return nil, fmt.Errorf("compute.command must not be empty")
		}
		c := &Compute{
			Setup:   append([]string(nil), pf.Compute.Setup...),
			Command: append([]string(nil), pf.Compute.Command...),
		}
		if pf.Compute.Timeout != "" {
			d, err := time.ParseDuration(pf.Compute.Timeout)
			if err != nil {
				return nil, fmt.Errorf("compute.timeout: %w", err)
			}
			c.Timeout = d
		}
		p.compute = c
	}

	if pf.Publish != nil {
		if !strings.HasPrefix(pf.Publish.URL, "s3://") && !strings.HasPrefix(pf.Publish.URL, "azblob://") {
			return nil, fmt.Errorf("publish.url %q must start with s3:// or azblob://", pf.Publish.URL)
		}
		conc, err := positiveOrDefault("publish.concurrency", pf.Publish.Concurrency, DefaultPublishConcurrency)
		if err != nil {
			return nil, err
		}
		if pf.Publish.RateLimit < 0 {
			return nil, fmt.Errorf("publish.rate_limit must be >= 0, got %g", pf.Publish.RateLimit)
		}
		pub := &Publish{
			URL:         pf.Publish.URL,
			Region:      pf.Publish.Region,
			Concurrency: conc,
			RateLimit:   pf.Publish.RateLimit,
			Proxy:       Proxy{Mode: ProxyNone},
		}
		if px := pf.Publish.Proxy; px != nil {
			switch strings.ToLower(px.Mode) {
			case ProxyNone, ProxySystem:
			case ProxyBasic, ProxyNTLM:
				if px.Host == "" {
					return nil, fmt.Errorf("publish.proxy mode %s requires a host", px.Mode)
				}
			default:
				return nil, fmt.Errorf("unsupported publish.proxy mode %q", px.Mode)
			}
			pub.Proxy = Proxy{
				Mode:        strings.ToLower(px.Mode),
				Host:        px.Host,
				Port:        px.Port,
				User:        px.User,
				PasswordEnv: px.PasswordEnv,
				NoProxy:     px.NoProxy,
			}
		}
		p.publish = pub
	}
	return p, nil
}

func positiveOrDefault(name string, v, def int) (int, error) {
	switch {
	case v == 0:
		return def, nil
	case v < 0:
		return 0, fmt.Errorf("%s must be positive, got %d", name, v)
	default:
		return v, nil
	}
}

func (af axisFile) axis() (grid.Axis, error) {
	set := 0
	for _, n := range []int{len(af.Values), len(af.Linspace), len(af.Logspace), len(af.Labels)} {
		if n > 0 {
			set++
		}
	}
	if set != 1 {
		return grid.Axis{}, fmt.Errorf("axis %q needs exactly one of values, linspace, logspace or labels", af.Name)
	}

	for _, r := range reservedAxisNames {
		if af.Name == r {
			return grid.Axis{}, fmt.Errorf("axis name %q is reserved for the compute command template", af.Name)
		}
	}

	a := grid.Axis{Name: af.Name}
	switch {
	case len(af.Values) > 0:
		for _, v := range af.Values {
			a.Values = append(a.Values, grid.Num(v))
		}
	case len(af.Labels) > 0:
		for _, l := range af.Labels {
			if l == "" {
				return grid.Axis{}, fmt.Errorf("axis %q has an empty label", af.Name)
			}
			a.Values = append(a.Values, grid.Label(l))
		}
	case len(af.Linspace) > 0:
		start, stop, n, err := spacing(af.Name, "linspace", af.Linspace)
		if err != nil {
			return grid.Axis{}, err
		}
		a.Values = grid.Linspace(start, stop, n)
	default:
		start, stop, n, err := spacing(af.Name, "logspace", af.Logspace)
		if err != nil {
			return grid.Axis{}, err
		}
		a.Values = grid.Logspace(start, stop, n)
	}
	return a, nil
}

func spacing(axis, kind string, args []float64) (float64, float64, int, error) {
	if len(args) != 3 {
		return 0, 0, 0, fmt.Errorf("axis %q: %s needs [start, stop, n]", axis, kind)
	}
	n := args[2]
	if n < 1 || n != math.Trunc(n) {
		return 0, 0, 0, fmt.Errorf("axis %q: %s count must be a positive integer, got %v", axis, kind, n)
	}
	return args[0], args[1], int(n), nil
}

// Path returns the absolute path of the project file.
func (p *Project) Path() string { return p.path }

// Format returns FormatHCL or FormatYAML.
func (p *Project) Format() string { return p.format }

// Tag returns the scan tag.
func (p *Project) Tag() string { return p.tag }

// FitTag returns the tag of a refit, empty when none is configured.
func (p *Project) FitTag() string { return p.fitTag }

// FitOnly reports whether the project reruns only the fit on existing
// propagation results.
func (p *Project) FitOnly() bool { return p.fitOnly }

// TargetDir returns the parent directory of the project folder.
func (p *Project) TargetDir() string { return p.targetDir }

// InputPath returns the model input location passed to the compute command.
func (p *Project) InputPath() string { return p.inputPath }

// NJobs returns the number of batch jobs.
func (p *Project) NJobs() int { return p.njobs }

// HoursPerJob returns the wall-clock limit requested per job.
func (p *Project) HoursPerJob() int { return p.hoursPerJob }

// MaxMemoryGB returns the memory limit requested per job.
func (p *Project) MaxMemoryGB() int { return p.maxMemoryGB }

// FlushEvery returns the number of jobs collected between forced store
// flushes, or 0 when only the memory budget triggers a flush.
func (p *Project) FlushEvery() int { return p.flushEvery }

// FlushBytes returns the unflushed chunk memory that triggers a store flush
// during collection.
func (p *Project) FlushBytes() int64 { return int64(p.flushMB) << 20 }

// Space returns the parameter grid.
func (p *Project) Space() *grid.Space { return p.space }

// Partitioner builds the job partition of the grid.
func (p *Project) Partitioner() (*partition.Partitioner, error) {
	return partition.New(p.space, p.njobs)
}

// Compute returns the compute settings, or nil when the project has none.
func (p *Project) Compute() *Compute {
	if p.compute == nil {
		return nil
	}
	c := *p.compute
	c.Setup = append([]string(nil), p.compute.Setup...)
	c.Command = append([]string(nil), p.compute.Command...)
	return &c
}

// Publish returns the publish target, or nil when none is configured.
func (p *Project) Publish() *Publish {
	if p.publish == nil {
		return nil
	}
	pub := *p.publish
	return &pub
}
