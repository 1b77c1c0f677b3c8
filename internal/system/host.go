package system

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Collector gathers the host summary
type Collector struct {
	logsRoot string
}

// NewCollector creates a collector; logsRoot is reported under LogsDisk
func NewCollector(logsRoot string) *Collector {
	return &Collector{logsRoot: logsRoot}
}

// Info collects host, load, memory and logs-disk information. Load and disk
// are best effort and left empty when unavailable.
func (c *Collector) Info() (*Info, error) {
	h, err := GetHostInfo()
	if err != nil {
		return nil, err
	}
	m, err := GetMemoryInfo()
	if err != nil {
		return nil, err
	}

	info := &Info{
		Timestamp: time.Now(),
		Host:      *h,
		Load:      GetLoadInfo(),
		Memory:    *m,
	}
	if c.logsRoot != "" {
		if d, err := GetDiskInfo(c.logsRoot); err == nil {
			info.LogsDisk = d
		}
	}
	return info, nil
}

// GetHostInfo retrieves system host information
func GetHostInfo() (*HostInfo, error) {
	info, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to get host info: %w", err)
	}

	return &HostInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		KernelArch:      info.KernelArch,
		Uptime:          info.Uptime,
		UptimeHuman:     formatUptime(info.Uptime),
		BootTime:        info.BootTime,
		Procs:           info.Procs,
	}, nil
}

// GetLoadInfo returns core count and load averages
func GetLoadInfo() LoadInfo {
	var out LoadInfo
	if n, err := cpu.Counts(true); err == nil {
		out.Cores = n
	}
	// Load average might not be available on all systems
	if avg, err := load.Avg(); err == nil {
		out.LoadAvg1 = avg.Load1
		out.LoadAvg5 = avg.Load5
		out.LoadAvg15 = avg.Load15
	}
	return out
}

// GetMemoryInfo retrieves memory usage information
func GetMemoryInfo() (*MemoryInfo, error) {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to get virtual memory: %w", err)
	}

	return &MemoryInfo{
		Total:       vmem.Total,
		Available:   vmem.Available,
		Used:        vmem.Used,
		UsedPercent: vmem.UsedPercent,
		Human:       fmt.Sprintf("%s / %s", humanize.Bytes(vmem.Used), humanize.Bytes(vmem.Total)),
	}, nil
}

// GetDiskInfo retrieves usage of the filesystem containing path
func GetDiskInfo(path string) (*DiskInfo, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage of %s: %w", path, err)
	}

	return &DiskInfo{
		Path:        usage.Path,
		Fstype:      usage.Fstype,
		Total:       usage.Total,
		Free:        usage.Free,
		UsedPercent: usage.UsedPercent,
		Human:       fmt.Sprintf("%s free of %s", humanize.Bytes(usage.Free), humanize.Bytes(usage.Total)),
	}, nil
}

// formatUptime converts uptime seconds to human readable format
func formatUptime(seconds uint64) string {
	duration := time.Duration(seconds) * time.Second

	days := int(duration.Hours() / 24)
	hours := int(duration.Hours()) % 24
	minutes := int(duration.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
