package memwatch

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// self caches the process handle used for RSS sampling.
var self = sync.OnceValues(func() (*process.Process, error) { //nolint: gochecknoglobals
	return process.NewProcess(int32(os.Getpid()))
})

// ProcessRSS returns the current resident set size of this process in MiB,
// or 0 when sampling fails. Workers subtract two samples to attribute memory
// to a crawl; the delta is best-effort and callers clamp negatives to zero.
func ProcessRSS() float64 {
	proc, err := self()
	if err != nil {
		return 0
	}

	mi, err := proc.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}

	return float64(mi.RSS) / (1 << 20)
}
