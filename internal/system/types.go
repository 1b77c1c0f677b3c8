package system

import "time"

// HostInfo contains system identification information
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	KernelArch      string `json:"kernel_arch"`
	Uptime          uint64 `json:"uptime"`
	UptimeHuman     string `json:"uptime_human"`
	BootTime        uint64 `json:"boot_time"`
	Procs           uint64 `json:"procs"`
}

// LoadInfo contains CPU count and load averages
type LoadInfo struct {
	Cores     int     `json:"cores"`
	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`
}

// MemoryInfo contains memory usage information
type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
	Human       string  `json:"human"`
}

// DiskInfo is the usage of the filesystem holding the logs root
type DiskInfo struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
	Human       string  `json:"human"`
}

// Info is the host summary served by the status API
type Info struct {
	Timestamp time.Time  `json:"timestamp"`
	Host      HostInfo   `json:"host"`
	Load      LoadInfo   `json:"load"`
	Memory    MemoryInfo `json:"memory"`
	LogsDisk  *DiskInfo  `json:"logs_disk,omitempty"`
}
