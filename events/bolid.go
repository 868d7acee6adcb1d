package events

import "time"

// Bolid describes one detected meteor echo
type Bolid struct {
	ID          string    `json:"id"`
	Origin      string    `json:"origin"`
	Time        time.Time `json:"time"`      // start of the recorded window
	FileName    string    `json:"file_name"` // spectrogram file written for the event
	MinFreq     float64   `json:"min_freq"`  // Hz
	MaxFreq     float64   `json:"max_freq"`  // Hz
	PeakFreq    float64   `json:"peak_freq"` // Hz
	Magnitude   float64   `json:"magnitude"`
	Noise       float64   `json:"noise"`
	Duration    float64   `json:"duration"`     // seconds above threshold
	StartSample int64     `json:"start_sample"` // raw I/Q sample range of the window
	EndSample   int64     `json:"end_sample"`
}
