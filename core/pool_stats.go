package core

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/searchktools/hostcore/core/pools"
)

// PoolStats represents statistics for the pools of an Engine
type PoolStats struct {
	Connection      pools.PoolStats     `json:"connection"`
	Bytes           pools.BytePoolStats `json:"bytes"`
	Buffers         pools.BufferStats   `json:"buffers"`
	OpenConnections int                 `json:"open_connections"`
	OpenFiles       int                 `json:"open_files"`
	GC              pools.GCStats       `json:"gc"`
}

// GetPoolStats returns statistics for all memory pools
func (e *Engine) GetPoolStats() PoolStats {
	return PoolStats{
		Connection:      e.connPool.Stats(),
		Bytes:           e.bytePool.Stats(),
		Buffers:         e.bufPool.Stats(),
		OpenConnections: e.OpenConnections(),
		OpenFiles:       e.files.Len(),
		GC:              pools.GetGCStats(),
	}
}

// ConnectionPoolStats reports the statistics of the connection pool
func (e *Engine) ConnectionPoolStats() pools.PoolStats {
	return e.connPool.Stats()
}

// GetPoolStatsText returns pool statistics as human-readable text
func (e *Engine) GetPoolStatsText() string {
	s := e.GetPoolStats()

	var b strings.Builder
	b.WriteString("Memory Pool Statistics\n")
	b.WriteString("======================\n\n")
	fmt.Fprintf(&b, "Connections:\n  Open:     %s\n  Rents:    %s\n  Hit Rate: %.2f%%\n  Idle:     %d\n\n",
		humanize.Comma(int64(s.OpenConnections)),
		humanize.Comma(int64(s.Connection.Gets)),
		s.Connection.HitRate*100,
		s.Connection.Idle,
	)
	fmt.Fprintf(&b, "Read buffers:\n  Gets:      %s\n  Puts:      %s\n  Oversized: %s\n\n",
		humanize.Comma(int64(s.Bytes.Gets)),
		humanize.Comma(int64(s.Bytes.Puts)),
		humanize.Comma(int64(s.Bytes.Oversized)),
	)
	fmt.Fprintf(&b, "Response buffers:\n  Gets:   %s\n  Small:  %s\n  Medium: %s\n  Large:  %s\n\n",
		humanize.Comma(int64(s.Buffers.TotalGets)),
		humanize.Comma(int64(s.Buffers.SmallHits)),
		humanize.Comma(int64(s.Buffers.MediumHits)),
		humanize.Comma(int64(s.Buffers.LargeHits)),
	)
	fmt.Fprintf(&b, "Send-file cache:\n  Open files: %d\n\n", s.OpenFiles)
	fmt.Fprintf(&b, "GC:\n  Cycles:     %s\n  Heap:       %s\n  Sys:        %s\n  Last pause: %s\n  Goroutines: %s\n",
		humanize.Comma(int64(s.GC.NumGC)),
		humanize.Bytes(s.GC.AllocBytes),
		humanize.Bytes(s.GC.Sys),
		s.GC.LastPause,
		humanize.Comma(int64(s.GC.NumGoroutine)),
	)
	return b.String()
}
