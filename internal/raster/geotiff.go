package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// TIFF tags used by the codec.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGDALNoData      = 42113
)

const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	sampleFormatFloat = 3
)

// TIFF field types.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeFloat  = 11
	typeDouble = 12
)

func typeSize(fieldType uint16) int {
	switch fieldType {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong, typeFloat:
		return 4
	case typeDouble:
		return 8
	default:
		return 0
	}
}

// ReadGeoTIFF decodes a single-band float GeoTIFF into a Grid. It supports
// the subset GDAL-family writers produce for elevation surfaces: classic
// TIFF, strip or tile layout, uncompressed or deflate, IEEE float samples,
// georeferencing via ModelPixelScale and ModelTiepoint.
func ReadGeoTIFF(path string) (*Grid, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is a controlled local path
	if err != nil {
		return nil, fmt.Errorf("reading raster: %w", err)
	}
	g, err := decodeGeoTIFF(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return g, nil
}

type ifdEntry struct {
	fieldType uint16
	count     uint32
	raw       [4]byte
}

type tiffReader struct {
	data  []byte
	order binary.ByteOrder
}

func decodeGeoTIFF(data []byte) (*Grid, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("geotiff: truncated header")
	}
	var order binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		order = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("geotiff: bad byte-order mark %q", data[:2])
	}
	switch magic := order.Uint16(data[2:4]); magic {
	case 42:
	case 43:
		return nil, fmt.Errorf("geotiff: BigTIFF is not supported")
	default:
		return nil, fmt.Errorf("geotiff: bad magic number %d", magic)
	}

	r := tiffReader{data: data, order: order}
	entries, err := r.readIFD(order.Uint32(data[4:8]))
	if err != nil {
		return nil, err
	}

	width, err := r.uintTag(entries, tagImageWidth, 0)
	if err != nil {
		return nil, err
	}
	height, err := r.uintTag(entries, tagImageLength, 0)
	if err != nil {
		return nil, err
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("geotiff: empty image %dx%d", width, height)
	}
	bits, err := r.uintTag(entries, tagBitsPerSample, 0)
	if err != nil {
		return nil, err
	}
	if bits != 32 && bits != 64 {
		return nil, fmt.Errorf("geotiff: %d bits per sample not supported", bits)
	}
	if samples, _ := r.uintTag(entries, tagSamplesPerPixel, 1); samples != 1 {
		return nil, fmt.Errorf("geotiff: %d samples per pixel not supported", samples)
	}
	format, err := r.uintTag(entries, tagSampleFormat, 1)
	if err != nil {
		return nil, err
	}
	if format != sampleFormatFloat {
		return nil, fmt.Errorf("geotiff: sample format %d not supported, want IEEE float", format)
	}
	if planar, _ := r.uintTag(entries, tagPlanarConfig, 1); planar != 1 {
		return nil, fmt.Errorf("geotiff: planar configuration %d not supported", planar)
	}
	if predictor, _ := r.uintTag(entries, tagPredictor, 1); predictor != 1 {
		return nil, fmt.Errorf("geotiff: predictor %d not supported", predictor)
	}
	compression, err := r.uintTag(entries, tagCompression, compressionNone)
	if err != nil {
		return nil, err
	}

	transform, err := r.readTransform(entries)
	if err != nil {
		return nil, err
	}

	g := NewGrid(int(width), int(height), transform)
	if e, ok := entries[tagGDALNoData]; ok {
		text, err := r.asciiValue(e)
		if err != nil {
			return nil, err
		}
		nodata, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, fmt.Errorf("geotiff: bad nodata value %q: %w", text, err)
		}
		g.NoData = nodata
		g.HasNoData = true
	}

	if _, tiled := entries[tagTileWidth]; tiled {
		err = r.readTiles(entries, g, int(bits), int(compression))
	} else {
		err = r.readStrips(entries, g, int(bits), int(compression))
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (r tiffReader) readIFD(offset uint32) (map[uint16]ifdEntry, error) {
	off := int(offset)
	if off+2 > len(r.data) {
		return nil, fmt.Errorf("geotiff: IFD offset %d out of range", offset)
	}
	count := int(r.order.Uint16(r.data[off:]))
	off += 2
	if off+count*12 > len(r.data) {
		return nil, fmt.Errorf("geotiff: truncated IFD with %d entries", count)
	}
	entries := make(map[uint16]ifdEntry, count)
	for i := 0; i < count; i++ {
		base := off + i*12
		e := ifdEntry{
			fieldType: r.order.Uint16(r.data[base+2:]),
			count:     r.order.Uint32(r.data[base+4:]),
		}
		copy(e.raw[:], r.data[base+8:base+12])
		entries[r.order.Uint16(r.data[base:])] = e
	}
	return entries, nil
}

// valueBytes returns the raw value bytes of an entry, following the offset
// indirection when the value does not fit inline.
func (r tiffReader) valueBytes(e ifdEntry) ([]byte, error) {
	size := typeSize(e.fieldType) * int(e.count)
	if size == 0 {
		return nil, fmt.Errorf("geotiff: unsupported field type %d", e.fieldType)
	}
	if size <= 4 {
		return e.raw[:size], nil
	}
	off := int(r.order.Uint32(e.raw[:]))
	if off+size > len(r.data) {
		return nil, fmt.Errorf("geotiff: value at offset %d overruns file", off)
	}
	return r.data[off : off+size], nil
}

// uintTag returns the first integer of a SHORT or LONG tag, or the fallback
// when the tag is absent.
func (r tiffReader) uintTag(entries map[uint16]ifdEntry, tag uint16, fallback uint32) (uint32, error) {
	e, ok := entries[tag]
	if !ok {
		return fallback, nil
	}
	raw, err := r.valueBytes(e)
	if err != nil {
		return 0, err
	}
	switch e.fieldType {
	case typeShort:
		return uint32(r.order.Uint16(raw)), nil
	case typeLong:
		return r.order.Uint32(raw), nil
	default:
		return 0, fmt.Errorf("geotiff: tag %d has non-integer type %d", tag, e.fieldType)
	}
}

// uintSlice returns every integer of a SHORT or LONG tag.
func (r tiffReader) uintSlice(entries map[uint16]ifdEntry, tag uint16) ([]uint32, error) {
	e, ok := entries[tag]
	if !ok {
		return nil, fmt.Errorf("geotiff: missing tag %d", tag)
	}
	raw, err := r.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, e.count)
	for i := range out {
		switch e.fieldType {
		case typeShort:
			out[i] = uint32(r.order.Uint16(raw[i*2:]))
		case typeLong:
			out[i] = r.order.Uint32(raw[i*4:])
		default:
			return nil, fmt.Errorf("geotiff: tag %d has non-integer type %d", tag, e.fieldType)
		}
	}
	return out, nil
}

func (r tiffReader) doubleSlice(e ifdEntry) ([]float64, error) {
	if e.fieldType != typeDouble {
		return nil, fmt.Errorf("geotiff: expected DOUBLE field, got type %d", e.fieldType)
	}
	raw, err := r.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(r.order.Uint64(raw[i*8:]))
	}
	return out, nil
}

func (r tiffReader) asciiValue(e ifdEntry) (string, error) {
	raw, err := r.valueBytes(e)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\x00"), nil
}

// readTransform builds the affine from ModelPixelScale and ModelTiepoint.
// The tiepoint anchors an arbitrary pixel, usually (0,0).
func (r tiffReader) readTransform(entries map[uint16]ifdEntry) (Affine, error) {
	scaleEntry, ok := entries[tagModelPixelScale]
	if !ok {
		return Affine{}, fmt.Errorf("geotiff: missing ModelPixelScale tag")
	}
	tieEntry, ok := entries[tagModelTiepoint]
	if !ok {
		return Affine{}, fmt.Errorf("geotiff: missing ModelTiepoint tag")
	}
	scale, err := r.doubleSlice(scaleEntry)
	if err != nil {
		return Affine{}, err
	}
	tie, err := r.doubleSlice(tieEntry)
	if err != nil {
		return Affine{}, err
	}
	if len(scale) < 2 || len(tie) < 6 {
		return Affine{}, fmt.Errorf("geotiff: malformed georeferencing tags")
	}
	return Affine{
		OriginX:     tie[3] - tie[0]*scale[0],
		OriginY:     tie[4] + tie[1]*scale[1],
		PixelWidth:  scale[0],
		PixelHeight: -scale[1],
	}, nil
}

func (r tiffReader) readStrips(entries map[uint16]ifdEntry, g *Grid, bits, compression int) error {
	offsets, err := r.uintSlice(entries, tagStripOffsets)
	if err != nil {
		return err
	}
	counts, err := r.uintSlice(entries, tagStripByteCounts)
	if err != nil {
		return err
	}
	if len(offsets) != len(counts) {
		return fmt.Errorf("geotiff: %d strip offsets but %d byte counts", len(offsets), len(counts))
	}
	rowsPerStrip, err := r.uintTag(entries, tagRowsPerStrip, uint32(g.Height))
	if err != nil {
		return err
	}
	if rowsPerStrip == 0 {
		return fmt.Errorf("geotiff: zero rows per strip")
	}

	bytesPer := bits / 8
	for i := range offsets {
		raw, err := r.segment(offsets[i], counts[i], compression)
		if err != nil {
			return fmt.Errorf("geotiff: strip %d: %w", i, err)
		}
		rowStart := i * int(rowsPerStrip)
		rowEnd := rowStart + int(rowsPerStrip)
		if rowEnd > g.Height {
			rowEnd = g.Height
		}
		need := (rowEnd - rowStart) * g.Width * bytesPer
		if len(raw) < need {
			return fmt.Errorf("geotiff: strip %d holds %d bytes, want %d", i, len(raw), need)
		}
		idx := 0
		for row := rowStart; row < rowEnd; row++ {
			for col := 0; col < g.Width; col++ {
				g.Set(col, row, sampleAt(raw, idx, bits, r.order))
				idx++
			}
		}
	}
	return nil
}

func (r tiffReader) readTiles(entries map[uint16]ifdEntry, g *Grid, bits, compression int) error {
	tileWidth, err := r.uintTag(entries, tagTileWidth, 0)
	if err != nil {
		return err
	}
	tileLength, err := r.uintTag(entries, tagTileLength, 0)
	if err != nil {
		return err
	}
	if tileWidth == 0 || tileLength == 0 {
		return fmt.Errorf("geotiff: invalid tile size %dx%d", tileWidth, tileLength)
	}
	offsets, err := r.uintSlice(entries, tagTileOffsets)
	if err != nil {
		return err
	}
	counts, err := r.uintSlice(entries, tagTileByteCounts)
	if err != nil {
		return err
	}
	if len(offsets) != len(counts) {
		return fmt.Errorf("geotiff: %d tile offsets but %d byte counts", len(offsets), len(counts))
	}

	tw, th := int(tileWidth), int(tileLength)
	across := (g.Width + tw - 1) / tw
	down := (g.Height + th - 1) / th
	if len(offsets) < across*down {
		return fmt.Errorf("geotiff: %d tiles, want %d", len(offsets), across*down)
	}

	bytesPer := bits / 8
	for ty := 0; ty < down; ty++ {
		for tx := 0; tx < across; tx++ {
			t := ty*across + tx
			raw, err := r.segment(offsets[t], counts[t], compression)
			if err != nil {
				return fmt.Errorf("geotiff: tile %d: %w", t, err)
			}
			if len(raw) < tw*th*bytesPer {
				return fmt.Errorf("geotiff: tile %d holds %d bytes, want %d", t, len(raw), tw*th*bytesPer)
			}
			for dy := 0; dy < th; dy++ {
				row := ty*th + dy
				if row >= g.Height {
					break
				}
				for dx := 0; dx < tw; dx++ {
					col := tx*tw + dx
					if col >= g.Width {
						continue
					}
					g.Set(col, row, sampleAt(raw, dy*tw+dx, bits, r.order))
				}
			}
		}
	}
	return nil
}

func (r tiffReader) segment(offset, count uint32, compression int) ([]byte, error) {
	start, end := int(offset), int(offset)+int(count)
	if end > len(r.data) || start > end {
		return nil, fmt.Errorf("segment %d+%d overruns file", offset, count)
	}
	raw := r.data[start:end]
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("opening deflate stream: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("inflating: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compression %d not supported", compression)
	}
}

func sampleAt(raw []byte, idx, bits int, order binary.ByteOrder) float64 {
	if bits == 32 {
		return float64(math.Float32frombits(order.Uint32(raw[idx*4:])))
	}
	return math.Float64frombits(order.Uint64(raw[idx*8:]))
}

// WriteGeoTIFF encodes a grid as a single-band float32 GeoTIFF: classic
// little-endian TIFF, one strip, uncompressed. The layout is the plainest
// form GDAL-family readers accept.
func WriteGeoTIFF(path string, g *Grid) error {
	if err := g.validate(); err != nil {
		return err
	}

	type field struct {
		tag       uint16
		fieldType uint16
		count     uint32
		value     uint32
	}

	var nodata string
	if g.HasNoData {
		nodata = strconv.FormatFloat(g.NoData, 'g', -1, 64)
	}

	fieldCount := 13
	if g.HasNoData {
		fieldCount++
	}
	ifdSize := 2 + fieldCount*12 + 4
	scaleOff := uint32(8 + ifdSize)
	tieOff := scaleOff + 3*8
	extraOff := tieOff + 6*8

	nodataOff := uint32(0)
	nodataLen := 0
	if g.HasNoData {
		nodataLen = len(nodata) + 1
		if nodataLen > 4 {
			nodataOff = extraOff
			extraOff += uint32(nodataLen)
			if extraOff%2 == 1 {
				extraOff++
			}
		}
	}
	pixelOff := extraOff
	pixelBytes := g.Width * g.Height * 4

	fields := []field{
		{tagImageWidth, typeLong, 1, uint32(g.Width)},
		{tagImageLength, typeLong, 1, uint32(g.Height)},
		{tagBitsPerSample, typeShort, 1, 32},
		{tagCompression, typeShort, 1, compressionNone},
		{tagPhotometric, typeShort, 1, 1},
		{tagStripOffsets, typeLong, 1, pixelOff},
		{tagSamplesPerPixel, typeShort, 1, 1},
		{tagRowsPerStrip, typeLong, 1, uint32(g.Height)},
		{tagStripByteCounts, typeLong, 1, uint32(pixelBytes)},
		{tagPlanarConfig, typeShort, 1, 1},
		{tagSampleFormat, typeShort, 1, sampleFormatFloat},
		{tagModelPixelScale, typeDouble, 3, scaleOff},
		{tagModelTiepoint, typeDouble, 6, tieOff},
	}
	if g.HasNoData {
		nodataField := field{tagGDALNoData, typeASCII, uint32(nodataLen), nodataOff}
		if nodataLen <= 4 {
			var inline [4]byte
			copy(inline[:], nodata)
			nodataField.value = binary.LittleEndian.Uint32(inline[:])
		}
		fields = append(fields, nodataField)
	}

	buf := bytes.NewBuffer(make([]byte, 0, int(pixelOff)+pixelBytes))
	buf.WriteString("II")
	le := binary.LittleEndian
	writeU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf.Write(b[:])
	}
	writeU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	writeF64 := func(v float64) {
		var b [8]byte
		le.PutUint64(b[:], math.Float64bits(v))
		buf.Write(b[:])
	}

	writeU16(42)
	writeU32(8)

	writeU16(uint16(len(fields)))
	for _, f := range fields {
		writeU16(f.tag)
		writeU16(f.fieldType)
		writeU32(f.count)
		writeU32(f.value)
	}
	writeU32(0)

	// ModelPixelScale: scaleY is stored positive.
	writeF64(g.Transform.PixelWidth)
	writeF64(-g.Transform.PixelHeight)
	writeF64(0)

	// ModelTiepoint anchors pixel (0,0) at the grid origin.
	writeF64(0)
	writeF64(0)
	writeF64(0)
	writeF64(g.Transform.OriginX)
	writeF64(g.Transform.OriginY)
	writeF64(0)

	if g.HasNoData && nodataLen > 4 {
		buf.WriteString(nodata)
		buf.WriteByte(0)
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
	}

	for _, v := range g.Data {
		var b [4]byte
		le.PutUint32(b[:], math.Float32bits(float32(v)))
		buf.Write(b[:])
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing raster: %w", err)
	}
	return nil
}
