// Package memusage reports process and system memory usage.
package memusage

import (
	"errors"
	"fmt"

	"github.com/pbnjay/memory"
	"github.com/prometheus/procfs"
)

// ErrUnavailable is returned when the platform cannot report a figure.
var ErrUnavailable = errors.New("memusage: memory usage unavailable")

// Process is the memory usage of the current process.
type Process struct {
	RSS uint64 // resident set size, bytes
}

// System is the memory usage of the whole machine.
type System struct {
	Total uint64 // bytes
	Free  uint64 // available for new allocations, bytes
}

// Reader queries memory usage. Implementations must be safe for concurrent use.
type Reader interface {
	Process() (Process, error)
	System() (System, error)
}

// Ratio returns resident memory as a fraction of total system memory.
func Ratio(p Process, s System) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(p.RSS) / float64(s.Total)
}

// ProcReader reads memory usage from procfs, falling back to the
// platform-independent totals from github.com/pbnjay/memory.
type ProcReader struct {
	fs procfs.FS
}

// NewProcReader returns a reader for the procfs mounted at mountPoint.
// An empty mountPoint selects the default mount.
func NewProcReader(mountPoint string) (*ProcReader, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", mountPoint, err)
	}
	return &ProcReader{fs: fs}, nil
}

// Process returns the resident set size of this process.
func (r *ProcReader) Process() (Process, error) {
	self, err := r.fs.Self()
	if err != nil {
		return Process{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	stat, err := self.Stat()
	if err != nil {
		return Process{}, fmt.Errorf("%w: reading process stat: %w", ErrUnavailable, err)
	}
	return Process{RSS: uint64(stat.ResidentMemory())}, nil
}

// System returns total and available system memory.
func (r *ProcReader) System() (System, error) {
	s := System{
		Total: memory.TotalMemory(),
		Free:  memory.FreeMemory(),
	}
	if mi, err := r.fs.Meminfo(); err == nil {
		if mi.MemTotal != nil && s.Total == 0 {
			s.Total = *mi.MemTotal * 1024
		}
		if mi.MemAvailable != nil {
			s.Free = *mi.MemAvailable * 1024
		}
	}
	if s.Total == 0 {
		return System{}, ErrUnavailable
	}
	return s, nil
}
