package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/gridscan/internal/collect"
	"github.com/rescale/gridscan/internal/config"
	"github.com/rescale/gridscan/internal/partition"
	"github.com/rescale/gridscan/internal/progress"
)

func newCollector(p *config.Project) (*collect.Collector, error) {
	part, err := p.Partitioner()
	if err != nil {
		return nil, err
	}
	return &collect.Collector{
		Partitioner: part,
		Layout:      p,
		FlushBytes:  p.FlushBytes(),
		FlushEvery:  p.FlushEvery(),
		Progress:    progress.NewCLIProgress(),
		Logger:      GetLogger(),
	}, nil
}

// reducerFor picks the collection mode from the project and the flags.
func reducerFor(p *config.Project, fireball, superphotos bool) (collect.Reducer, error) {
	if superphotos && !fireball {
		return nil, fmt.Errorf("--superphotos requires --fireball")
	}
	switch {
	case fireball && p.FitOnly():
		return nil, fmt.Errorf("fit-only project %s has no fireball results", p.Tag())
	case fireball:
		return collect.NewFireballReducer(superphotos), nil
	case p.FitOnly():
		return collect.NewFitReducer(p.FitTag()), nil
	default:
		return collect.NewJobReducer(), nil
	}
}

// newCheckCmd creates the 'check' command.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Read every result file without collecting",
		Long: `Read every result file and verify it belongs to the project. Unreadable
or foreign files are logged and the check continues; the command fails if
any file was bad.

Example:
  gridscan check -c scan.hcl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			p, err := loadProject()
			if err != nil {
				return err
			}
			c, err := newCollector(p)
			if err != nil {
				return err
			}

			report, err := c.Check(GetContext())
			if err != nil {
				return err
			}
			logger.Info().
				Int("jobs", report.Jobs).
				Int("points", report.Points).
				Int("failed", report.Failed).
				Int("bad", len(report.Bad)).
				Msg("Check finished")

			if len(report.Bad) > 0 {
				return fmt.Errorf("%d of %d result files are unusable: %s",
					len(report.Bad), report.Jobs, partition.FormatRanges(partition.Ranges(report.Bad)))
			}
			return nil
		},
	}
}

// newCollectCmd creates the 'collect' command.
func newCollectCmd() *cobra.Command {
	var fireball bool
	var superphotos bool

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect result files into the array store",
		Long: `Collect the result files of every job into a dense array store inside
the project folder. Collection refuses to start while any job has no result
file; use scan-missing and submit --missing first.

Fit-only projects write their datasets into the fit tag's group of the
existing store. --fireball collects source spectra instead, and
--superphotos collects the superphotospheric spectra into a separate store.

Examples:
  gridscan collect -c scan.hcl
  gridscan collect -c scan.hcl --fireball
  gridscan collect -c scan.hcl --fireball --superphotos`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			p, err := loadProject()
			if err != nil {
				return err
			}
			r, err := reducerFor(p, fireball, superphotos)
			if err != nil {
				return err
			}
			c, err := newCollector(p)
			if err != nil {
				return err
			}

			summary, err := c.Collect(GetContext(), p.StorePath(superphotos), r)
			if err != nil {
				return err
			}
			logger.Info().
				Str("path", summary.StorePath).
				Str("run_id", summary.RunID).
				Int("points", summary.Points).
				Int("failed", summary.Failed).
				Dur("duration", summary.Duration).
				Msg("Collected")
			return nil
		},
	}

	cmd.Flags().BoolVar(&fireball, "fireball", false, "Collect fireball source spectra")
	cmd.Flags().BoolVar(&superphotos, "superphotos", false, "With --fireball, collect superphotospheric spectra")

	return cmd
}
