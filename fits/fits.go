package fits

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	blockSize = 2880
	cardSize  = 80

	// maxString is the longest quoted value that fits after "KEYWORD = "
	maxString = cardSize - 10 - 2
)

// DateFormat is the FITS date-time layout used for DATE and DATE-OBS
const DateFormat = "2006-01-02T15:04:05.000"

// Header is an ordered list of FITS header cards. The mandatory SIMPLE,
// BITPIX, NAXIS* and END cards are added by Write.
type Header struct {
	cards []string
}

// NewHeader creates an empty header
func NewHeader() *Header {
	return &Header{}
}

// Set appends a keyword card. Supported values are bool, integers, floats,
// strings and time.Time. Strings are cut to fit on one card and characters
// outside printable ASCII become '?'. Comments that do not fit are cut.
func (h *Header) Set(key string, value interface{}, comment string) error {
	key = strings.ToUpper(key)
	if len(key) == 0 || len(key) > 8 {
		return fmt.Errorf("invalid FITS keyword: %q", key)
	}

	var v string
	switch val := value.(type) {
	case bool:
		if val {
			v = fmt.Sprintf("%20s", "T")
		} else {
			v = fmt.Sprintf("%20s", "F")
		}
	case int:
		v = fmt.Sprintf("%20d", val)
	case int64:
		v = fmt.Sprintf("%20d", val)
	case uint64:
		v = fmt.Sprintf("%20d", val)
	case float32:
		v = fmt.Sprintf("%20s", formatFloat(float64(val)))
	case float64:
		v = fmt.Sprintf("%20s", formatFloat(val))
	case string:
		v = quote(val)
	case time.Time:
		v = quote(val.UTC().Format(DateFormat))
	default:
		return fmt.Errorf("unsupported FITS value type %T for %s", value, key)
	}

	card := fmt.Sprintf("%-8s= %s", key, v)
	if comment != "" {
		card += " / " + comment
		if len(card) > cardSize {
			card = card[:cardSize]
		}
	}
	h.cards = append(h.cards, card)
	return nil
}

// Comment appends COMMENT cards, wrapping long text
func (h *Header) Comment(text string) {
	h.commentary("COMMENT", text)
}

// History appends HISTORY cards, wrapping long text
func (h *Header) History(text string) {
	h.commentary("HISTORY", text)
}

func (h *Header) commentary(key, text string) {
	const width = cardSize - 8
	for {
		chunk := text
		if len(chunk) > width {
			chunk = chunk[:width]
		}
		h.cards = append(h.cards, fmt.Sprintf("%-8s%s", key, chunk))
		if len(text) <= width {
			return
		}
		text = text[width:]
	}
}

// Len returns the number of user cards
func (h *Header) Len() int {
	return len(h.cards)
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'G', 15, 64)
	if !strings.ContainsAny(s, ".EN") {
		s += ".0"
	}
	return s
}

func quote(s string) string {
	var b strings.Builder
	for _, c := range s {
		esc := string(c)
		if c == '\'' {
			esc = "''"
		} else if c < 32 || c > 126 {
			esc = "?"
		}
		if b.Len()+len(esc) > maxString {
			break
		}
		b.WriteString(esc)
	}
	v := b.String()
	if len(v) < 8 {
		v += strings.Repeat(" ", 8-len(v))
	}
	return "'" + v + "'"
}

// Image is a two-dimensional float32 image read one row at a time. Row(y)
// must return at least Width values.
type Image struct {
	Width  int
	Height int
	Row    func(y int) []float32
}

// Write encodes a primary HDU holding img
func Write(w io.Writer, h *Header, img Image) error {
	if img.Width <= 0 || img.Height < 0 {
		return fmt.Errorf("invalid image size %dx%d", img.Width, img.Height)
	}

	bw := bufio.NewWriterSize(w, 64*1024)

	cards := []string{
		fmt.Sprintf("%-8s= %20s / %s", "SIMPLE", "T", "conforms to FITS standard"),
		fmt.Sprintf("%-8s= %20d / %s", "BITPIX", -32, "IEEE single precision floating point"),
		fmt.Sprintf("%-8s= %20d", "NAXIS", 2),
		fmt.Sprintf("%-8s= %20d / %s", "NAXIS1", img.Width, "frequency bins"),
		fmt.Sprintf("%-8s= %20d / %s", "NAXIS2", img.Height, "time rows"),
	}
	if h != nil {
		cards = append(cards, h.cards...)
	}
	cards = append(cards, "END")

	written := 0
	for _, card := range cards {
		if len(card) > cardSize {
			card = card[:cardSize]
		}
		if _, err := bw.WriteString(card + strings.Repeat(" ", cardSize-len(card))); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		written += cardSize
	}
	if err := pad(bw, written, ' '); err != nil {
		return fmt.Errorf("failed to pad header: %w", err)
	}

	buf := make([]byte, 4*img.Width)
	for y := 0; y < img.Height; y++ {
		row := img.Row(y)
		if len(row) < img.Width {
			return fmt.Errorf("row %d has %d values, expected %d", y, len(row), img.Width)
		}
		for x := 0; x < img.Width; x++ {
			binary.BigEndian.PutUint32(buf[4*x:], math.Float32bits(row[x]))
		}
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("failed to write row %d: %w", y, err)
		}
	}
	if err := pad(bw, 4*img.Width*img.Height, 0); err != nil {
		return fmt.Errorf("failed to pad data: %w", err)
	}

	return bw.Flush()
}

func pad(w *bufio.Writer, written int, fill byte) error {
	rem := written % blockSize
	if rem == 0 {
		return nil
	}
	for i := rem; i < blockSize; i++ {
		if err := w.WriteByte(fill); err != nil {
			return err
		}
	}
	return nil
}
