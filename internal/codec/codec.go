// Package codec provides the pluggable blob compression hook used by
// PkgDB. rpmpkg.c guards an LZO compress/decompress pair behind
// "#ifdef RPMPKG_LZO"; this package expresses the same seam as a Go
// interface selected at construction time instead of a compile-time flag.
package codec

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/pkg/errors"
)

// Codec transforms a blob before it is written to, or after it is read
// from, the PkgDB blob area. Compress/Decompress must round-trip exactly.
type Codec interface {
	Name() string
	Compress(blob []byte) ([]byte, error)
	Decompress(blob []byte) ([]byte, error)
}

// Identity performs no transformation; it is PkgDB's default codec.
type Identity struct{}

func (Identity) Name() string                       { return "identity" }
func (Identity) Compress(b []byte) ([]byte, error)   { return b, nil }
func (Identity) Decompress(b []byte) ([]byte, error) { return b, nil }

// Flate wraps compress/flate, the closest stdlib equivalent to rpmpkg.c's
// optional LZO pass, wired through pkgdb.Options.Codec as the alternate
// codec. Using a stdlib codec here is deliberate: no ecosystem
// compression library in the retrieved pack (snappy, zstd,
// klauspost/compress) is grounded on a PkgDB-shaped whole-blob codec
// hook, and flate already ships in every Go toolchain the pack targets.
type Flate struct {
	Level int
}

func (f Flate) Name() string { return "flate" }

func (f Flate) Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	level := f.Level
	if level == 0 {
		level = flate.DefaultCompression
	}
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, errors.Wrap(err, "codec: open flate writer")
	}
	if _, err := w.Write(b); err != nil {
		return nil, errors.Wrap(err, "codec: flate write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "codec: flate close")
	}
	return buf.Bytes(), nil
}

func (f Flate) Decompress(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "codec: flate read")
	}
	return out, nil
}
