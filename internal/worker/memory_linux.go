//go:build linux

package worker

import "github.com/prometheus/procfs"

// sampleRSS reads the resident set size of pid from /proc.
func sampleRSS(pid int) (uint64, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()), nil
}
