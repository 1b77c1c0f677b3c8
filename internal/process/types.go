package process

import "time"

// Stats is a point-in-time view of a spawned script process
type Stats struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float32   `json:"mem_percent"`
	MemRSS     uint64    `json:"mem_rss"`
	MemHuman   string    `json:"mem_human"`
	Cmdline    string    `json:"cmdline"`
	Cwd        string    `json:"cwd,omitempty"`
	CreateTime time.Time `json:"create_time"`
	NumThreads int32     `json:"num_threads"`
	// Children are the direct descendants started by the script
	Children []int32 `json:"children,omitempty"`
}
