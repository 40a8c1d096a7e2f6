package procman

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"warden/internal/domain"
	"warden/internal/usecase/supervisor"
)

// ProcSampler reads per-process resource usage from /proc. On platforms
// without procfs every sample reports unavailable, which the supervisor
// treats as "skip resource checks for this agent".
type ProcSampler struct {
	clockTickUS uint64
	pageSize    uint64
}

// NewProcSampler creates a sampler using the conventional 100 Hz clock tick
// and the OS page size.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{
		clockTickUS: 10_000, // 100 ticks per second
		pageSize:    uint64(os.Getpagesize()),
	}
}

// SampleUsage implements supervisor.UsageSampler. Syscall rate is not
// observable from procfs and always reads zero.
func (s *ProcSampler) SampleUsage(pid domain.Pid) (supervisor.ResourceUsage, bool) {
	var usage supervisor.ResourceUsage

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return usage, false
	}
	// Fields after the parenthesized comm, which may itself contain spaces.
	end := strings.LastIndexByte(string(stat), ')')
	if end < 0 {
		return usage, false
	}
	fields := strings.Fields(string(stat[end+1:]))
	// utime and stime are fields 14 and 15 of the full stat line; the comm
	// and the two fields before it are already consumed.
	if len(fields) < 13 {
		return usage, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return usage, false
	}
	usage.CpuTimeUS = (utime + stime) * s.clockTickUS

	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return usage, false
	}
	parts := strings.Fields(string(statm))
	if len(parts) < 2 {
		return usage, false
	}
	resident, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return usage, false
	}
	usage.MemoryBytes = resident * s.pageSize

	return usage, true
}

var _ supervisor.UsageSampler = (*ProcSampler)(nil)
