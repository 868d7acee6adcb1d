package recorder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/fits"
)

// Options is the configuration of one recorder instance. Fields that do not
// apply to a recorder type are ignored by its factory. Band edges and times
// are pointers because 0 is a valid setting; nil selects the type default.
type Options struct {
	Type            string  `yaml:"type"` // "snapshot" or "bolid"
	Name            string  `yaml:"name"`
	SnapshotLength  float64 `yaml:"snapshot_length"` // seconds per file
	LowFreq         *float64 `yaml:"low_freq"` // Hz, 0 with hi_freq 0 stores the whole row
	HiFreq          *float64 `yaml:"hi_freq"`
	OutputDir       string  `yaml:"output_dir"`
	OutputType      string  `yaml:"output_type"`     // file name suffix
	Compression     string  `yaml:"compress_output"` // "none", "gzip" (or true), "zstd"
	WriteUnfinished bool    `yaml:"write_unfinished"`
	IncludeRaw      bool    `yaml:"include_raw"`

	// Bolid detection
	LowDetectFreq *float64 `yaml:"low_detect_freq"`
	HiDetectFreq  *float64 `yaml:"hi_detect_freq"`
	LowNoiseFreq  *float64 `yaml:"low_noise_freq"`
	HiNoiseFreq   *float64 `yaml:"hi_noise_freq"`
	AvgFreqRange  float64  `yaml:"avg_freq_range"` // 0 selects the default
	AdvanceTime   *float64 `yaml:"advance_time"`
	JitterTime    *float64 `yaml:"jitter_time"`
	Threshold     float64  `yaml:"threshold"` // 0 selects the default
	MetadataPath  string   `yaml:"metadata_path"`
}

// Env carries the shared collaborators handed to every recorder
type Env struct {
	Bus     *events.Bus[events.Bolid]
	Metrics Metrics
	Output  Output
}

// Factory creates a recorder from its options
type Factory func(opts Options, env Env) (Recorder, error)

// Info describes a registered recorder type
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Registry maps recorder types to factories
type Registry struct {
	factories map[string]Factory
	info      map[string]Info
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		info:      make(map[string]Info),
	}
}

// DefaultRegistry returns a registry with the built-in recorder types
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("snapshot", newSnapshotFromOptions, Info{
		Type:        "snapshot",
		Description: "Writes the spectrogram as back-to-back FITS files",
	})
	reg.Register("bolid", newBolidFromOptions, Info{
		Type:        "bolid",
		Description: "Detects meteor echoes and writes a FITS file, raw I/Q and a CSV record per event",
	})
	return reg
}

// Register adds a recorder type
func (r *Registry) Register(name string, factory Factory, info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
	r.info[name] = info
}

// Create builds a recorder of opts.Type
func (r *Registry) Create(opts Options, env Env) (Recorder, error) {
	r.mu.RLock()
	factory, exists := r.factories[opts.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("recorder type not found: %s", opts.Type)
	}
	return factory(opts, env)
}

// List returns the registered types sorted by name
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Info, 0, len(r.info))
	for _, info := range r.info {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Type < list[j].Type })
	return list
}

// Exists reports whether a type is registered
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[name]
	return exists
}

type outputSetter interface {
	SetOutput(Output)
	SetMetrics(Metrics)
}

func applyEnv(rec outputSetter, env Env) {
	if env.Output != nil {
		rec.SetOutput(env.Output)
	}
	rec.SetMetrics(env.Metrics)
}

func snapshotConfig(opts Options, defaultCompression string) (SnapshotConfig, error) {
	compress := opts.Compression
	if compress == "" {
		compress = defaultCompression
	}
	c, err := fits.ParseCompression(compress)
	if err != nil {
		return SnapshotConfig{}, fmt.Errorf("recorder %s: %w", opts.Name, err)
	}
	if opts.SnapshotLength < 0 {
		return SnapshotConfig{}, fmt.Errorf("recorder %s: negative snapshot length", opts.Name)
	}
	return SnapshotConfig{
		Name:            opts.Name,
		SnapshotLength:  opts.SnapshotLength,
		LowFreq:         valueOr(opts.LowFreq, 0),
		HiFreq:          valueOr(opts.HiFreq, 0),
		OutputDir:       opts.OutputDir,
		OutputType:      opts.OutputType,
		Compression:     c,
		WriteUnfinished: opts.WriteUnfinished,
		IncludeRaw:      opts.IncludeRaw,
	}, nil
}

func newSnapshotFromOptions(opts Options, env Env) (Recorder, error) {
	cfg, err := snapshotConfig(opts, "none")
	if err != nil {
		return nil, err
	}
	if cfg.SnapshotLength == 0 {
		cfg.SnapshotLength = 60
	}
	r := NewSnapshotRecorder(cfg)
	applyEnv(r, env)
	return r, nil
}

func newBolidFromOptions(opts Options, env Env) (Recorder, error) {
	snap, err := snapshotConfig(opts, "gzip")
	if err != nil {
		return nil, err
	}

	cfg := DefaultBolidConfig()
	def := cfg.Snapshot
	cfg.Snapshot = snap
	if cfg.Snapshot.SnapshotLength == 0 {
		cfg.Snapshot.SnapshotLength = def.SnapshotLength
	}
	if opts.LowFreq == nil && opts.HiFreq == nil {
		cfg.Snapshot.LowFreq, cfg.Snapshot.HiFreq = def.LowFreq, def.HiFreq
	}
	if cfg.Snapshot.OutputType == "" {
		cfg.Snapshot.OutputType = def.OutputType
	}

	cfg.LowDetectFreq = valueOr(opts.LowDetectFreq, cfg.LowDetectFreq)
	cfg.HiDetectFreq = valueOr(opts.HiDetectFreq, cfg.HiDetectFreq)
	cfg.LowNoiseFreq = valueOr(opts.LowNoiseFreq, cfg.LowNoiseFreq)
	cfg.HiNoiseFreq = valueOr(opts.HiNoiseFreq, cfg.HiNoiseFreq)
	cfg.AdvanceTime = valueOr(opts.AdvanceTime, cfg.AdvanceTime)
	cfg.JitterTime = valueOr(opts.JitterTime, cfg.JitterTime)
	if opts.AvgFreqRange != 0 {
		cfg.AvgFreqRange = opts.AvgFreqRange
	}
	if opts.Threshold != 0 {
		cfg.Threshold = opts.Threshold
	}
	cfg.MetadataPath = opts.MetadataPath

	r := NewBolidRecorder(cfg, env.Bus)
	applyEnv(r, env)
	return r, nil
}

// valueOr returns *v, or def when v is unset
func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
