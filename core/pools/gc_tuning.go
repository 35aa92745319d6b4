package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters
type GCConfig struct {
	// Percent sets the garbage collection target percentage, 0 keeps the
	// runtime setting
	Percent int `config:"percent"`

	// MemoryLimit sets the soft memory limit in bytes, 0 means no limit
	MemoryLimit int64 `config:"memory_limit"`
}

// DefaultGCConfig returns settings for a request-serving process
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Percent: 200,
	}
}

// ApplyGCConfig applies cfg and returns the settings it replaced
func ApplyGCConfig(cfg GCConfig) GCConfig {
	var prev GCConfig
	if cfg.Percent > 0 {
		prev.Percent = debug.SetGCPercent(cfg.Percent)
	}
	if cfg.MemoryLimit > 0 {
		prev.MemoryLimit = debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32        `json:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total"`
	LastPause    time.Duration `json:"last_pause"`
	AllocBytes   uint64        `json:"alloc_bytes"`
	Sys          uint64        `json:"sys"`
	NumGoroutine int           `json:"num_goroutine"`
}

// GetGCStats returns current GC statistics
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		AllocBytes:   ms.Alloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}

	return stats
}
