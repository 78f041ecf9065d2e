package pwaedge

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// processRSSBytes reports the resident set size of this process. ok is false
// when the platform does not expose it.
func processRSSBytes() (uint64, bool) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	mem, err := p.MemoryInfo()
	if err != nil || mem == nil {
		return 0, false
	}
	return mem.RSS, true
}
