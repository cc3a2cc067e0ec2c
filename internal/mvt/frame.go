// Package mvt merges per-layer vector tile buffers into one Mapbox Vector
// Tile, keeping the layer order of the map configuration.
package mvt

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// layerTag is the key of field 3 (layers, length-delimited) of a Tile
// message. A buffer starting with it is already a framed tile.
const layerTag = 0x1A

var gzipMagic = []byte{0x1f, 0x8b}

// Frame wraps a bare Layer message as a one-layer Tile.
func Frame(layer []byte) []byte {
	out := make([]byte, 0, len(layer)+binary.MaxVarintLen64+1)
	out = append(out, layerTag)
	out = binary.AppendUvarint(out, uint64(len(layer)))
	return append(out, layer...)
}

// Normalize turns whatever a layer query returned into an uncompressed Tile
// message. Gzipped input is inflated first. Input that does not start with
// the layer tag is taken to be a bare Layer message and framed. An empty
// buffer is an empty tile.
func Normalize(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(buf, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("gunzip tile: %w", err)
		}
		defer func() { _ = zr.Close() }()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gunzip tile: %w", err)
		}
		buf = raw
		if len(buf) == 0 {
			return nil, nil
		}
	}
	if buf[0] == layerTag {
		return buf, nil
	}
	return Frame(buf), nil
}
