package fits

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func testImage() Image {
	rows := [][]float32{{1, 2, 3}, {4, 5, 6}}
	return Image{Width: 3, Height: 2, Row: func(y int) []float32 { return rows[y] }}
}

func cardsOf(t *testing.T, data []byte) []string {
	t.Helper()
	var cards []string
	for off := 0; off+cardSize <= len(data); off += cardSize {
		card := string(data[off : off+cardSize])
		cards = append(cards, strings.TrimRight(card, " "))
		if strings.HasPrefix(card, "END ") {
			return cards
		}
	}
	t.Fatalf("END card not found")
	return nil
}

func TestWriteLayout(t *testing.T) {
	h := NewHeader()
	if err := h.Set("ORIGIN", "o'k", "station"); err != nil {
		t.Fatalf("set: %v", err)
	}
	h.Set("CRVAL1", 10000.0, "")
	h.Set("DATE-OBS", time.Date(2024, 8, 12, 22, 5, 1, 250e6, time.UTC), "")
	h.Comment(strings.Repeat("x", 100))

	var buf bytes.Buffer
	if err := Write(&buf, h, testImage()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != 2*blockSize {
		t.Fatalf("expected one header and one data block, got %d bytes", buf.Len())
	}

	cards := cardsOf(t, buf.Bytes())
	want := map[int]string{
		0: "SIMPLE  =                    T / conforms to FITS standard",
		2: "NAXIS   =                    2",
		3: "NAXIS1  =                    3 / frequency bins",
		5: "ORIGIN  = 'o''k    ' / station",
		6: "CRVAL1  =              10000.0",
		7: "DATE-OBS= '2024-08-12T22:05:01.250'",
	}
	for i, w := range want {
		if cards[i] != w {
			t.Fatalf("card %d: expected %q, got %q", i, w, cards[i])
		}
	}
	if !strings.HasPrefix(cards[8], "COMMENT xxxx") || !strings.HasPrefix(cards[9], "COMMENT xxxx") {
		t.Fatalf("expected long comment to wrap over two cards, got %q / %q", cards[8], cards[9])
	}

	data := buf.Bytes()[blockSize:]
	if got := math.Float32frombits(binary.BigEndian.Uint32(data[4*4:])); got != 5 {
		t.Fatalf("expected pixel (1,1) = 5, got %v", got)
	}
	for _, b := range data[24:] {
		if b != 0 {
			t.Fatalf("data padding must be zero")
		}
	}
}

func TestSetRejectsBadKeywords(t *testing.T) {
	h := NewHeader()
	if err := h.Set("TOOLONGKEY", 1, ""); err == nil {
		t.Fatalf("expected error for long keyword")
	}
	if err := h.Set("KEY", struct{}{}, ""); err == nil {
		t.Fatalf("expected error for unsupported value")
	}
}

func TestSetKeepsLongStringsQuoted(t *testing.T) {
	h := NewHeader()
	if err := h.Set("ORIGIN", strings.Repeat("a", 67)+"'b", "station name"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := h.Set("OBSERVER", "Ondřejov", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := h.Set("OBJECT", "meteor", strings.Repeat("c", 100)); err != nil {
		t.Fatalf("set: %v", err)
	}

	origin := h.cards[0]
	if want := "ORIGIN  = '" + strings.Repeat("a", 67) + "'"; origin != want {
		t.Fatalf("expected truncation before the escaped quote, got %q", origin)
	}
	if h.cards[1] != "OBSERVER= 'Ond?ejov'" {
		t.Fatalf("expected non-ASCII replaced, got %q", h.cards[1])
	}
	long := h.cards[2]
	if len(long) != cardSize || !strings.HasPrefix(long, "OBJECT  = 'meteor  ' / ccc") {
		t.Fatalf("expected the comment cut at the card edge, got %q", long)
	}

	h = NewHeader()
	h.Set("ORIGIN", strings.Repeat("x", 200), "")
	if card := h.cards[0]; len(card) != cardSize || !strings.HasSuffix(card, "x'") {
		t.Fatalf("expected a full card ending in a closing quote, got %q", card)
	}
}

func TestWriteFileGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap"+Gzip.Ext())
	if err := WriteFile(path, Gzip, NewHeader(), testImage()); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 2*blockSize || !bytes.HasPrefix(data, []byte("SIMPLE  =")) {
		t.Fatalf("unexpected decompressed content (%d bytes)", len(data))
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": None, "gzip": Gzip, "true": Gzip, "zstd": Zstd} {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Fatalf("ParseCompression(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCompression("lzma"); err == nil {
		t.Fatalf("expected error")
	}
}
