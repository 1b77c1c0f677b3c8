// Package process reads live resource usage of spawned scripts
package process

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned when the pid no longer exists
var ErrNotRunning = errors.New("process not running")

// Inspector reads process stats
type Inspector struct{}

// NewInspector creates a new process inspector
func NewInspector() *Inspector {
	return &Inspector{}
}

// Stats returns usage for pid
func (i *Inspector) Stats(pid int) (*Stats, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: invalid pid %d", ErrNotRunning, pid)
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: pid %d", ErrNotRunning, pid)
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	return stats(p)
}

func stats(p *process.Process) (*Stats, error) {
	name, err := p.Name()
	if err != nil {
		return nil, err
	}

	status, _ := p.Status()
	cpuPercent, _ := p.CPUPercent()
	memPercent, _ := p.MemoryPercent()
	memInfo, _ := p.MemoryInfo()
	cmdline, _ := p.Cmdline()
	cwd, _ := p.Cwd()
	createTime, _ := p.CreateTime()
	numThreads, _ := p.NumThreads()

	var memRSS uint64
	if memInfo != nil {
		memRSS = memInfo.RSS
	}

	var statusStr string
	if len(status) > 0 {
		statusStr = status[0]
	}

	var children []int32
	if kids, err := p.Children(); err == nil {
		for _, k := range kids {
			children = append(children, k.Pid)
		}
	}

	return &Stats{
		PID:        p.Pid,
		Name:       name,
		Status:     statusStr,
		CPUPercent: cpuPercent,
		MemPercent: memPercent,
		MemRSS:     memRSS,
		MemHuman:   humanize.Bytes(memRSS),
		Cmdline:    cmdline,
		Cwd:        cwd,
		CreateTime: time.UnixMilli(createTime),
		NumThreads: numThreads,
		Children:   children,
	}, nil
}
