package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/gridscan/internal/config"
	"github.com/rescale/gridscan/internal/runner"
)

// execModel builds the external command model from the project's compute block.
func execModel(p *config.Project) (*runner.ExecModel, error) {
	c := p.Compute()
	if c == nil {
		return nil, fmt.Errorf("project %s has no compute block", p.Tag())
	}
	return &runner.ExecModel{
		SetupCommand: c.Setup,
		Command:      c.Command,
		Timeout:      c.Timeout,
		AxisNames:    p.Space().AxisNames(),
		InputPath:    p.InputPath(),
	}, nil
}

// newRunCmd creates the 'run' command.
func newRunCmd() *cobra.Command {
	var jobid int
	var outfile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute the grid points of one job",
		Long: `Compute every grid point owned by a job and write its result file.

This is what the submit script calls on the compute node; it can also be
run by hand to debug a single job.

Example:
  gridscan run -c scan.hcl --jobid 3 --outfile /tmp/scan3.out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			p, err := loadProject()
			if err != nil {
				return err
			}
			part, err := p.Partitioner()
			if err != nil {
				return err
			}
			model, err := execModel(p)
			if err != nil {
				return err
			}

			r := &runner.Runner{
				Partitioner: part,
				Model:       model,
				Tag:         p.RunTag(),
				Logger:      logger,
			}
			summary, err := r.Run(GetContext(), jobid, outfile)
			if err != nil {
				return err
			}

			logger.Info().
				Int("jobid", summary.JobID).
				Int("points", summary.Points).
				Int("failed", summary.Failed).
				Dur("duration", summary.Duration).
				Str("path", outfile).
				Msg("Job finished")
			return nil
		},
	}

	cmd.Flags().IntVar(&jobid, "jobid", 0, "Job id (1..njobs)")
	cmd.Flags().StringVar(&outfile, "outfile", "", "Result file to write")
	_ = cmd.MarkFlagRequired("jobid")
	_ = cmd.MarkFlagRequired("outfile")

	return cmd
}
