//go:build !linux

package worker

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// sampleRSS reads the resident set size of pid through the platform's
// process accounting.
func sampleRSS(pid int) (uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		if running, rerr := p.IsRunning(); rerr == nil && running {
			return 0, fmt.Errorf("%w: %w", ErrSamplingUnsupported, err)
		}
		return 0, err
	}
	return mem.RSS, nil
}
