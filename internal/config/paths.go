package config

import (
	"fmt"
	"path/filepath"
)

// Store directory names inside the project folder.
const (
	StoreName            = "collected.zarr"
	SuperPhotosStoreName = "collected_super_photos.zarr"
)

// ProjectDir is targetdir/tag, the folder holding everything of the scan.
func (p *Project) ProjectDir() string {
	return filepath.Join(p.targetDir, p.tag)
}

// RunTag names the log and output files: the fit tag for fit-only
// projects, the project tag otherwise.
func (p *Project) RunTag() string {
	if p.fitOnly {
		return p.fitTag
	}
	return p.tag
}

// LogDir is the folder receiving scheduler log files.
func (p *Project) LogDir() string {
	if p.fitOnly {
		return filepath.Join(p.ProjectDir(), "log_fit")
	}
	return filepath.Join(p.ProjectDir(), "log")
}

// OutDir is the folder receiving per-job result files.
func (p *Project) OutDir() string {
	if p.fitOnly {
		return filepath.Join(p.ProjectDir(), "out_fit")
	}
	return filepath.Join(p.ProjectDir(), "out")
}

// SubmitScript is the path of the SGE array job script.
func (p *Project) SubmitScript() string {
	if p.fitOnly {
		return filepath.Join(p.ProjectDir(), "fit_"+p.fitTag+".sh")
	}
	return filepath.Join(p.ProjectDir(), "sub.sh")
}

// ProjectCopy is where the project file is copied on setup. Jobs always
// read this copy so later edits of the original cannot change the grid.
func (p *Project) ProjectCopy() string {
	ext := filepath.Ext(p.path)
	if ext == "" {
		ext = "." + p.format
	}
	if p.fitOnly {
		return filepath.Join(p.ProjectDir(), "fit_"+p.fitTag+ext)
	}
	return filepath.Join(p.ProjectDir(), "project"+ext)
}

// LogFileName is the base name of the log of jobid.
func (p *Project) LogFileName(jobid int) string {
	return fmt.Sprintf("%s%d.log", p.RunTag(), jobid)
}

// OutFileName is the base name of the result file of jobid.
func (p *Project) OutFileName(jobid int) string {
	return fmt.Sprintf("%s%d.out", p.RunTag(), jobid)
}

// LogFile is the full path of the log of jobid.
func (p *Project) LogFile(jobid int) string {
	return filepath.Join(p.LogDir(), p.LogFileName(jobid))
}

// OutFile is the full path of the result file of jobid.
func (p *Project) OutFile(jobid int) string {
	return filepath.Join(p.OutDir(), p.OutFileName(jobid))
}

// StorePath is the collected dataset location. Superphotospheric fireball
// collection writes to its own store.
func (p *Project) StorePath(superphotos bool) string {
	if superphotos {
		return filepath.Join(p.ProjectDir(), SuperPhotosStoreName)
	}
	return filepath.Join(p.ProjectDir(), StoreName)
}
