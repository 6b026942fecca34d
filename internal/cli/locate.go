package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rescale/gridscan/internal/config"
	"github.com/rescale/gridscan/internal/grid"
)

// location is where a grid point lives in the partition.
type location struct {
	Coordinate grid.Coordinate
	JobID      int
	Slot       int
	OutFile    string
}

// locate maps axis values, one argument per axis, to their job and slot.
func locate(p *config.Project, args []string) (location, error) {
	part, err := p.Partitioner()
	if err != nil {
		return location{}, err
	}
	values, err := p.Space().ParseParams(args)
	if err != nil {
		return location{}, err
	}
	c, err := p.Space().ParamsToIndex(values)
	if err != nil {
		return location{}, err
	}
	jobid, slot, err := part.IndexToJobID(c)
	if err != nil {
		return location{}, err
	}
	return location{Coordinate: c, JobID: jobid, Slot: slot, OutFile: p.OutFile(jobid)}, nil
}

func (l location) print(w io.Writer) {
	fmt.Fprintf(w, "coordinate: %s\n", l.Coordinate)
	fmt.Fprintf(w, "jobid:      %d\n", l.JobID)
	fmt.Fprintf(w, "slot:       %d\n", l.Slot)
	fmt.Fprintf(w, "outfile:    %s\n", l.OutFile)
}

// newLocateCmd creates the 'locate' command.
func newLocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locate <value> [value...]",
		Short: "Find the job that computes a grid point",
		Long: `Map one value per axis, in axis order, to the grid coordinate, the job id
and the slot inside that job's result file.

Example:
  gridscan locate -c scan.hcl 1.5 9.5 101:1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			loc, err := locate(p, args)
			if err != nil {
				return err
			}
			loc.print(cmd.OutOrStdout())
			return nil
		},
	}
}
