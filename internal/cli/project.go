package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/rescale/gridscan/internal/collect"
	"github.com/rescale/gridscan/internal/config"
	"github.com/rescale/gridscan/internal/partition"
	"github.com/rescale/gridscan/internal/project"
	"github.com/rescale/gridscan/internal/scheduler"
)

// newCreateProjectCmd creates the 'create-project' command.
func newCreateProjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-project",
		Short: "Create the project folders and the submit script",
		Long: `Create the log and output folders of a scan, copy the project file next
to them and write the SGE submit script.

For fit-only projects the existing folders are kept and only the fit
submit script is rewritten.

Example:
  gridscan create-project -c scan.hcl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			p, err := loadProject()
			if err != nil {
				return err
			}
			binary, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate gridscan executable: %w", err)
			}

			if p.FitOnly() {
				err = project.SetupFit(p, binary, logger)
			} else {
				err = project.Setup(p, binary, logger)
			}
			if err != nil {
				return err
			}

			logger.Info().
				Str("project", p.ProjectDir()).
				Str("script", p.SubmitScript()).
				Int("njobs", p.NJobs()).
				Msg("Project created")
			return nil
		},
	}
}

// submitRequests turns the submit flags into scheduler requests.
func submitRequests(p *config.Project, missing bool, single int, rangeArg string) ([]scheduler.SubmitRequest, error) {
	var reqs []scheduler.SubmitRequest
	switch {
	case missing:
		res, err := collect.ScanOutputs(p, p.NJobs())
		if err != nil {
			return nil, err
		}
		reqs = scheduler.FromRanges(res.MissingRanges())
	case single != 0:
		reqs = []scheduler.SubmitRequest{scheduler.Single(single)}
	case rangeArg != "":
		r, err := partition.ParseRange(rangeArg)
		if err != nil {
			return nil, err
		}
		reqs = []scheduler.SubmitRequest{scheduler.Range(r.First, r.Last)}
	default:
		reqs = []scheduler.SubmitRequest{scheduler.All(p.NJobs())}
	}

	for _, req := range reqs {
		if err := req.Validate(p.NJobs()); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// verifyScript checks that the submit script on disk was written for p.
func verifyScript(p *config.Project) error {
	script, err := scheduler.ParseScript(p.SubmitScript())
	if err != nil {
		return fmt.Errorf("no usable submit script for project %s, run create-project first: %w", p.Tag(), err)
	}
	if script.Name != p.RunTag() {
		return fmt.Errorf("submit script %s is named %q, project runs as %q", p.SubmitScript(), script.Name, p.RunTag())
	}
	if script.ProjectFile != p.ProjectCopy() {
		return fmt.Errorf("submit script %s reads %s, expected %s", p.SubmitScript(), script.ProjectFile, p.ProjectCopy())
	}
	return nil
}

// newSubmitCmd creates the 'submit' command.
func newSubmitCmd() *cobra.Command {
	var missing bool
	var single int
	var rangeArg string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit array jobs to SGE",
		Long: `Submit the project's array job with qsub.

Without flags every job is submitted. --missing resubmits only the jobs
without a result file and removes their stale logs first.

Examples:
  gridscan submit -c scan.hcl
  gridscan submit -c scan.hcl --missing
  gridscan submit -c scan.hcl --single 17
  gridscan submit -c scan.hcl --range 5-12`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()
			ctx := GetContext()

			p, err := loadProject()
			if err != nil {
				return err
			}
			if err := verifyScript(p); err != nil {
				return err
			}

			reqs, err := submitRequests(p, missing, single, rangeArg)
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				logger.Info().Msg("All jobs have a result file, nothing to submit")
				return nil
			}

			if missing {
				var ids []int
				for _, req := range reqs {
					for id := req.First; id <= req.Last; id++ {
						ids = append(ids, id)
					}
				}
				removed, err := project.CleanLogs(p, ids)
				if err != nil {
					return err
				}
				logger.Info().Int("removed", removed).Msg("Removed stale logs")
			}

			sge := scheduler.NewSGE(logger)
			for _, req := range reqs {
				if err := sge.Submit(ctx, p.SubmitScript(), req); err != nil {
					return err
				}
			}
			logger.Info().Int("requests", len(reqs)).Msg("Submitted")
			return nil
		},
	}

	cmd.Flags().BoolVar(&missing, "missing", false, "Submit only jobs without a result file")
	cmd.Flags().IntVar(&single, "single", 0, "Submit a single job id")
	cmd.Flags().StringVar(&rangeArg, "range", "", "Submit an inclusive job id range, e.g. 5-12")
	cmd.MarkFlagsMutuallyExclusive("missing", "single", "range")

	return cmd
}

// renderScan writes the found and missing job ranges of each scan as a table.
func renderScan(w io.Writer, labels []string, results []collect.ScanResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Files", "Folder", "Found", "Missing", "Missing jobs"})
	for i, res := range results {
		missing := partition.FormatRanges(res.MissingRanges())
		if missing == "" {
			missing = "-"
		}
		t.AppendRow(table.Row{labels[i], res.Dir, len(res.Found), len(res.Missing), missing})
	}
	t.Render()
}

// newScanMissingCmd creates the 'scan-missing' command.
func newScanMissingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-missing",
		Short: "Report jobs without result files or logs",
		Long: `List the job ids that have no result file and no log yet, compressed
into ranges.

Example:
  gridscan scan-missing -c scan.hcl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			p, err := loadProject()
			if err != nil {
				return err
			}
			outputs, err := collect.ScanOutputs(p, p.NJobs())
			if err != nil {
				return err
			}
			logs, err := collect.ScanLogs(p, p.NJobs())
			if err != nil {
				return err
			}

			renderScan(cmd.OutOrStdout(), []string{"outputs", "logs"}, []collect.ScanResult{outputs, logs})

			if outputs.Complete() {
				logger.Info().Int("njobs", p.NJobs()).Msg("All jobs have a result file")
			} else {
				logger.Warn().
					Str("missing", partition.FormatRanges(outputs.MissingRanges())).
					Msg("Jobs without result file")
			}
			return nil
		},
	}
}
