package ingest

// streaming.go prepares a landed file for decoding without loading it into memory:
//
//   - decodeText sniffs the first block and picks a charset. A BOM selects UTF-8
//     or UTF-16; otherwise valid UTF-8 is kept and anything else is read as
//     Windows-1252, the usual encoding of spreadsheet exports from Windows.
//     The choice only sees the first block, so the decoded stream counts the
//     U+FFFD replacement characters it produces for bytes that did not decode.
//   - countingReader tracks bytes consumed for progress reporting.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// sniffSize is how much of the file is inspected to choose a charset.
const sniffSize = 64 * 1024

// Charset names reported in parse warnings.
const (
	CharsetUTF8    = "UTF-8"
	CharsetUTF16LE = "UTF-16LE"
	CharsetUTF16BE = "UTF-16BE"
	CharsetLatin   = "WINDOWS-1252"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// decodedText is UTF-8 text decoded from a landed file.
type decodedText struct {
	r       io.Reader
	charset string

	replaced int
	match    int // bytes of a pending EF BF BD sequence
}

var replacementRune = []byte{0xEF, 0xBF, 0xBD}

func (d *decodedText) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	for _, b := range p[:n] {
		switch {
		case b == replacementRune[d.match]:
			d.match++
			if d.match == len(replacementRune) {
				d.replaced++
				d.match = 0
			}
		case b == replacementRune[0]:
			d.match = 1
		default:
			d.match = 0
		}
	}
	return n, err
}

// Charset is the detected source charset.
func (d *decodedText) Charset() string { return d.charset }

// Replacements returns how many U+FFFD characters have been read so far.
func (d *decodedText) Replacements() int { return d.replaced }

// decodeText returns a reader producing UTF-8 text with any BOM removed, which
// also reports the charset it detected. Invalid UTF-8 sequences become U+FFFD.
func decodeText(r io.Reader) (*decodedText, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	truncated := len(head) == sniffSize

	var (
		fallback encoding.Encoding
		charset  string
	)
	switch {
	case bytes.HasPrefix(head, bomUTF8):
		fallback, charset = unicode.UTF8, CharsetUTF8
	case bytes.HasPrefix(head, bomUTF16LE):
		fallback, charset = unicode.UTF8, CharsetUTF16LE
	case bytes.HasPrefix(head, bomUTF16BE):
		fallback, charset = unicode.UTF8, CharsetUTF16BE
	case looksUTF8(head, truncated):
		fallback, charset = unicode.UTF8, CharsetUTF8
	default:
		fallback, charset = charmap.Windows1252, CharsetLatin
	}

	// BOMOverride switches to the BOM's encoding and strips it; without a BOM the
	// fallback decoder is used as is.
	dec := unicode.BOMOverride(fallback.NewDecoder())
	return &decodedText{r: transform.NewReader(br, dec), charset: charset}, nil
}

// looksUTF8 reports whether b is valid UTF-8. When b was cut from a longer
// stream, an incomplete rune at the very end is allowed.
func looksUTF8(b []byte, truncated bool) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			return truncated && len(b) < utf8.UTFMax && !utf8.FullRune(b)
		}
		b = b[size:]
	}
	return true
}

// countingReader tracks bytes read from the underlying file.
type countingReader struct {
	r     io.Reader
	read  int64
	total int64
}

func newCountingReader(r io.Reader, total int64) *countingReader {
	return &countingReader{r: r, total: total}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

// Progress returns the read progress as a percentage (0-100), or 0 when the
// total size is unknown.
func (c *countingReader) Progress() int {
	if c.total <= 0 {
		return 0
	}
	p := int(c.read * 100 / c.total)
	if p > 100 {
		p = 100
	}
	return p
}
