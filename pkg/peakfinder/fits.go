package peakfinder

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	fitsBlockSize  = 2880
	fitsCardSize   = 80
	fitsCardsBlock = fitsBlockSize / fitsCardSize
)

// Header holds parsed FITS header cards keyed by upper-case keyword.
type Header struct {
	Cards map[string]string
}

// NewHeader creates an empty Header.
func NewHeader() *Header {
	return &Header{Cards: make(map[string]string)}
}

// Set stores a card value.
func (h *Header) Set(key, value string) { h.Cards[strings.ToUpper(key)] = value }

// Has reports whether the keyword is present.
func (h *Header) Has(key string) bool {
	_, ok := h.Cards[strings.ToUpper(key)]
	return ok
}

func (h *Header) GetString(key string) string {
	if v, ok := h.Cards[strings.ToUpper(key)]; ok {
		return v
	}
	return ""
}

func (h *Header) GetDouble(key string) (float64, bool) {
	v, ok := h.Cards[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	// Fortran-style exponents show up in older headers.
	d, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(v), "D", "E", 1), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (h *Header) GetInt(key string) (int, bool) {
	v, ok := h.Cards[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

// Filter returns the FILTER card, the usual home of the bandpass name.
func (h *Header) Filter() string { return h.GetString("FILTER") }

// Plane is one candidate 2D data plane of a FITS file.
type Plane struct {
	HDU    int
	Image  *Image
	Header *Header
	// Mapper is set by SelectPlane once a coordinate mapping was built.
	Mapper *WCS
}

// ReadFits reads every image HDU of a FITS file.
func ReadFits(filePath string) ([]Plane, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat FITS file: %w", err)
	}
	return readFits(&fitsStream{r: bufio.NewReaderSize(f, 1<<20), left: info.Size()})
}

// ReadFitsFromBytes reads every image HDU from an in-memory FITS file.
func ReadFitsFromBytes(data []byte) ([]Plane, error) {
	return readFits(&fitsStream{r: bytes.NewReader(data), left: int64(len(data))})
}

// fitsStream counts the bytes left in the input so pixel buffers are only
// allocated for data that is actually there.
type fitsStream struct {
	r    io.Reader
	left int64
}

func (s *fitsStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.left -= int64(n)
	return n, err
}

// fitsPixelBytes is the size of a width x height plane, or false when the
// plane cannot fit in limit bytes.
func fitsPixelBytes(width, height int, bytesPerValue, limit int64) (int64, bool) {
	if bytesPerValue <= 0 || width <= 0 || height <= 0 {
		return 0, false
	}
	if int64(width) > limit/bytesPerValue/int64(height) {
		return 0, false
	}
	return int64(width) * int64(height) * bytesPerValue, true
}

func readFits(r *fitsStream) ([]Plane, error) {
	var planes []Plane
	for hdu := 0; ; hdu++ {
		header, err := readFitsHeader(r)
		if errors.Is(err, io.EOF) && hdu > 0 {
			return planes, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading HDU %d header: %w", hdu, err)
		}

		bitpix, _ := header.GetInt("BITPIX")
		naxis, _ := header.GetInt("NAXIS")
		if naxis < 0 || naxis > 999 {
			return nil, fmt.Errorf("HDU %d: invalid NAXIS %d", hdu, naxis)
		}
		dims := make([]int, naxis)
		elements := int64(1)
		for i := range dims {
			dims[i], _ = header.GetInt(fmt.Sprintf("NAXIS%d", i+1))
			elements *= int64(dims[i])
		}
		if naxis == 0 {
			elements = 0
		}
		pcount, _ := header.GetInt("PCOUNT")
		gcount, ok := header.GetInt("GCOUNT")
		if !ok {
			gcount = 1
		}
		bytesPerValue := int64(absInt(bitpix) / 8)
		dataSize := bytesPerValue * int64(gcount) * (int64(pcount) + elements)
		padded := (dataSize + fitsBlockSize - 1) / fitsBlockSize * fitsBlockSize

		xtension := header.GetString("XTENSION")
		isImage := hdu == 0 || xtension == "IMAGE"
		consumed := int64(0)
		if isImage && naxis >= 2 && dims[0] > 0 && dims[1] > 0 {
			size, ok := fitsPixelBytes(dims[0], dims[1], bytesPerValue, r.left)
			if !ok && bytesPerValue > 0 {
				return nil, fmt.Errorf("reading HDU %d data: %dx%d %d-bit pixel data exceeds the %s left in the file",
					hdu, dims[0], dims[1], absInt(bitpix), humanize.IBytes(uint64(max(r.left, 0))))
			}
			img, err := readFitsPlane(r, header, bitpix, dims[0], dims[1])
			if err != nil {
				return nil, fmt.Errorf("reading HDU %d data: %w", hdu, err)
			}
			consumed = size
			planes = append(planes, Plane{HDU: hdu, Image: img, Header: header})
		}
		if _, err := io.CopyN(io.Discard, r, padded-consumed); err != nil {
			if errors.Is(err, io.EOF) && padded-consumed > 0 && consumed >= dataSize {
				// Some writers omit the final padding.
				return planes, nil
			}
			return nil, fmt.Errorf("skipping HDU %d data: %w", hdu, err)
		}
	}
}

func readFitsHeader(r io.Reader) (*Header, error) {
	header := NewHeader()
	block := make([]byte, fitsBlockSize)
	for first := true; ; first = false {
		if _, err := io.ReadFull(r, block); err != nil {
			if first && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return nil, io.EOF
			}
			return nil, err
		}
		for i := 0; i < fitsCardsBlock; i++ {
			record := string(block[i*fitsCardSize : (i+1)*fitsCardSize])
			keyword := strings.TrimSpace(record[:8])
			if keyword == "END" {
				if !header.Has("NAXIS") {
					return nil, fmt.Errorf("header has no NAXIS card")
				}
				return header, nil
			}
			if record[8] == '=' && record[9] == ' ' {
				rawValue := strings.TrimSpace(splitFitsComment(record[10:]))
				if keyword != "" {
					header.Set(keyword, parseFitsValue(rawValue))
				}
			}
		}
	}
}

// splitFitsComment drops the "/ comment" part of a card value, honoring
// quoted strings.
func splitFitsComment(value string) string {
	inQuote := false
	for i, c := range value {
		switch c {
		case '\'':
			inQuote = !inQuote
		case '/':
			if !inQuote {
				return value[:i]
			}
		}
	}
	return value
}

func parseFitsValue(rawValue string) string {
	if rawValue == "" {
		return ""
	}
	if rawValue == "T" {
		return "True"
	}
	if rawValue == "F" {
		return "False"
	}
	if strings.HasPrefix(rawValue, "'") {
		endQuote := strings.LastIndex(rawValue, "'")
		if endQuote > 0 {
			return strings.ReplaceAll(strings.TrimRight(rawValue[1:endQuote], " "), "''", "'")
		}
		return strings.TrimLeft(strings.TrimRight(rawValue, " "), "'")
	}
	return rawValue
}

func readFitsPlane(r io.Reader, header *Header, bitpix, width, height int) (*Image, error) {
	bzero, ok := header.GetDouble("BZERO")
	if !ok {
		bzero = 0
	}
	bscale, ok := header.GetDouble("BSCALE")
	if !ok {
		bscale = 1
	}
	blank, hasBlank := header.GetInt("BLANK")

	switch bitpix {
	case 8, 16, 32, 64, -32, -64:
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}
	numPixels := width * height
	raw := make([]byte, int64(numPixels)*int64(absInt(bitpix)/8))
	data := make([]float64, numPixels)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading %d-bit pixel data: %w", bitpix, err)
	}

	integer := func(i int, v int64) {
		if hasBlank && v == int64(blank) {
			data[i] = math.NaN()
			return
		}
		data[i] = float64(v)*bscale + bzero
	}

	switch bitpix {
	case 8:
		for i := 0; i < numPixels; i++ {
			integer(i, int64(raw[i]))
		}
	case 16:
		for i := 0; i < numPixels; i++ {
			integer(i, int64(int16(binary.BigEndian.Uint16(raw[i*2:]))))
		}
	case 32:
		for i := 0; i < numPixels; i++ {
			integer(i, int64(int32(binary.BigEndian.Uint32(raw[i*4:]))))
		}
	case 64:
		for i := 0; i < numPixels; i++ {
			integer(i, int64(binary.BigEndian.Uint64(raw[i*8:])))
		}
	case -32:
		for i := 0; i < numPixels; i++ {
			v := float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:])))
			data[i] = v*bscale + bzero
		}
	case -64:
		for i := 0; i < numPixels; i++ {
			v := math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
			data[i] = v*bscale + bzero
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}

	return NewImage(width, height, data)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
