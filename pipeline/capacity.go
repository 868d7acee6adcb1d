package pipeline

import (
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cwsl/radio_observer/spectral"
)

// Plan is the memory needed to buffer a stream
type Plan struct {
	Rows          int    `json:"rows"`
	RawSamples    int    `json:"raw_samples"`
	SpectrumBytes uint64 `json:"spectrum_bytes"`
	RawBytes      uint64 `json:"raw_bytes"`
	HandleBytes   uint64 `json:"handle_bytes"`
}

// Total returns the sum of all buffers
func (p Plan) Total() uint64 {
	return p.SpectrumBytes + p.RawBytes + p.HandleBytes
}

func (p Plan) String() string {
	return fmt.Sprintf("%d rows (%s spectrum, %s raw, %s handles, %s total)",
		p.Rows, humanize.IBytes(p.SpectrumBytes), humanize.IBytes(p.RawBytes),
		humanize.IBytes(p.HandleBytes), humanize.IBytes(p.Total()))
}

// chunked rounds rows up to whole chunks the way the store allocates them
func chunked(rows, width, chunkBytes int) int {
	perChunk := chunkBytes / (width * 4)
	if perChunk < 1 {
		perChunk = 1
	}
	return (rows + perChunk - 1) / perChunk * perChunk
}

// PlanCapacity estimates the buffers AllocateBuffers(rows) creates on a
// configured processor.
func PlanCapacity(proc *spectral.Processor, rows int) Plan {
	bins := proc.Bins()
	capacity := chunked(rows, bins, proc.ChunkBytes())
	rawSamples := chunked(proc.FFTSamplesToRaw(capacity)+bins, 2, proc.ChunkBytes())

	return Plan{
		Rows:          capacity,
		RawSamples:    rawSamples,
		SpectrumBytes: uint64(capacity) * uint64(bins) * 4,
		RawBytes:      uint64(rawSamples) * 2 * 4,
		HandleBytes:   uint64(capacity) * uint64(unsafe.Sizeof(spectral.RawDataHandle{})),
	}
}

// MemoryFunc reports the memory available for buffers
type MemoryFunc func() (uint64, error)

// HostMemory returns the available memory of the host
func HostMemory() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read host memory: %w", err)
	}
	return v.Available, nil
}

// Check fails if the plan exceeds limit (when non-zero) or what available
// reports (when non-nil).
func (p Plan) Check(limit uint64, available MemoryFunc) error {
	total := p.Total()
	if limit > 0 && total > limit {
		return fmt.Errorf("buffers need %s, more than the configured limit of %s",
			humanize.IBytes(total), humanize.IBytes(limit))
	}
	if available == nil {
		return nil
	}
	free, err := available()
	if err != nil {
		return err
	}
	if total > free {
		return fmt.Errorf("buffers need %s but only %s of memory is available",
			humanize.IBytes(total), humanize.IBytes(free))
	}
	return nil
}
