package fits

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how image files are compressed on disk
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

// ParseCompression converts a configuration value into a Compression
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false":
		return None, nil
	case "gzip", "gz", "true":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression: %s", s)
	}
}

// Ext returns the file extension for images written with c
func (c Compression) Ext() string {
	switch c {
	case Gzip:
		return ".fits.gz"
	case Zstd:
		return ".fits.zst"
	default:
		return ".fits"
	}
}

// WriteFile writes img to path, compressing it as requested. The file is
// written under a temporary name and renamed once complete.
func WriteFile(path string, c Compression, h *Header, img Image) error {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if err := encode(f, c, h, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func encode(w io.Writer, c Compression, h *Header, img Image) error {
	switch c {
	case Gzip:
		zw := gzip.NewWriter(w)
		if err := Write(zw, h, img); err != nil {
			zw.Close()
			return err
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
		return nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		if err := Write(zw, h, img); err != nil {
			zw.Close()
			return err
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish zstd stream: %w", err)
		}
		return nil
	default:
		return Write(w, h, img)
	}
}
