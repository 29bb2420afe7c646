package storagerpc

import (
	"encoding/json"
	"fmt"
)

// MonitorStatPayload is the JSON document returned by a node's monitor
// endpoint.  Only the categories the updater consumes (procfs and backend)
// are modeled; unknown fields are ignored.
type MonitorStatPayload struct {
	Timestamp TimeSpec                      `json:"timestamp"`
	Procfs    ProcfsStat                    `json:"procfs"`
	Backends  map[string]BackendStatPayload `json:"backends"`
}

type TimeSpec struct {
	Sec  int64 `json:"tv_sec"`
	USec int64 `json:"tv_usec"`
}

// ProcfsStat carries node-level operating system statistics.
type ProcfsStat struct {
	VM struct {
		LA []int `json:"la"`
	} `json:"vm"`
	Net struct {
		NetInterfaces map[string]struct {
			RxBytes uint64 `json:"rx_bytes"`
			TxBytes uint64 `json:"tx_bytes"`
		} `json:"net_interfaces"`
	} `json:"net"`
}

// BackendConfig is the per-backend configuration block.  Depending on the
// node version it is reported either at the top of the backend record or
// nested under "backend".
type BackendConfig struct {
	Group         int    `json:"group"`
	BlobSizeLimit uint64 `json:"blob_size_limit"`
	DataPath      string `json:"data_path"`
	FilePath      string `json:"file_path"`
}

type BackendStatPayload struct {
	BackendID int `json:"backend_id"`

	Status struct {
		State       int  `json:"state"`
		DefragState int  `json:"defrag_state"`
		ReadOnly    bool `json:"read_only"`
		LastStart   struct {
			Sec  int64 `json:"tv_sec"`
			USec int64 `json:"tv_usec"`
		} `json:"last_start"`
	} `json:"status"`

	Config *BackendConfig `json:"config"`

	Backend struct {
		Config *BackendConfig `json:"config"`

		Dstat struct {
			Error       int    `json:"error"`
			ReadIOs     uint64 `json:"read_ios"`
			WriteIOs    uint64 `json:"write_ios"`
			ReadTicks   uint64 `json:"read_ticks"`
			WriteTicks  uint64 `json:"write_ticks"`
			IOTicks     uint64 `json:"io_ticks"`
			ReadSectors uint64 `json:"read_sectors"`
		} `json:"dstat"`

		VFS struct {
			Error  int    `json:"error"`
			Blocks uint64 `json:"blocks"`
			BAvail uint64 `json:"bavail"`
			BSize  uint64 `json:"bsize"`
		} `json:"vfs"`

		SummaryStats struct {
			BaseSize           uint64 `json:"base_size"`
			RecordsTotal       uint64 `json:"records_total"`
			RecordsRemoved     uint64 `json:"records_removed"`
			RecordsRemovedSize uint64 `json:"records_removed_size"`
			WantDefrag         int    `json:"want_defrag"`
		} `json:"summary_stats"`
	} `json:"backend"`
}

// GroupConfig returns the backend's configuration block, preferring the
// top-level location over the nested one.
func (b *BackendStatPayload) GroupConfig() *BackendConfig {
	if b.Config != nil {
		return b.Config
	}
	return b.Backend.Config
}

// ParseMonitorStat decodes one monitor-stat response payload.
func ParseMonitorStat(data []byte) (*MonitorStatPayload, error) {
	var payload MonitorStatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse monitor stat payload: %w", err)
	}
	return &payload, nil
}
