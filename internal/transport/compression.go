package transport

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"zfs-rotate/internal/config"
)

// Compressor wraps send streams in a compression format
type Compressor interface {
	Algorithm() string
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	// Extension is appended to archived object names
	Extension() string
	// DecompressCommand is the remote shell command that reverses NewWriter
	DecompressCommand() string
	DefaultLevel() int
	MinLevel() int
	MaxLevel() int
}

// Compression is the configured compressor and level. The zero value passes
// streams through unchanged.
type Compression struct {
	compressor Compressor
	level      int
}

var compressors = map[string]Compressor{
	config.CompressionGzip: GzipCompressor{},
	config.CompressionZstd: ZstdCompressor{},
	config.CompressionLZ4:  LZ4Compressor{},
}

// NewCompression resolves cfg to a compressor. Out-of-range levels fall back
// to the compressor's default.
func NewCompression(cfg config.CompressionConfig) (Compression, error) {
	if cfg.Algorithm == "" || cfg.Algorithm == config.CompressionNone {
		return Compression{}, nil
	}

	compressor, ok := compressors[cfg.Algorithm]
	if !ok {
		return Compression{}, fmt.Errorf("unsupported compression algorithm: %s", cfg.Algorithm)
	}

	level := cfg.Level
	if level < compressor.MinLevel() || level > compressor.MaxLevel() {
		level = compressor.DefaultLevel()
	}

	return Compression{compressor: compressor, level: level}, nil
}

// Enabled reports whether streams are compressed
func (c Compression) Enabled() bool {
	return c.compressor != nil
}

// Algorithm returns the algorithm name, "none" when disabled
func (c Compression) Algorithm() string {
	if c.compressor == nil {
		return config.CompressionNone
	}
	return c.compressor.Algorithm()
}

// Level returns the effective compression level
func (c Compression) Level() int {
	return c.level
}

// Extension returns the object name suffix, empty when disabled
func (c Compression) Extension() string {
	if c.compressor == nil {
		return ""
	}
	return c.compressor.Extension()
}

// DecompressCommand returns the remote decompress command, empty when disabled
func (c Compression) DecompressCommand() string {
	if c.compressor == nil {
		return ""
	}
	return c.compressor.DecompressCommand()
}

// Wrap returns a reader yielding src compressed. The compression runs in its
// own goroutine; closing the returned reader stops it.
func (c Compression) Wrap(src io.Reader) io.ReadCloser {
	if c.compressor == nil {
		return io.NopCloser(src)
	}

	pr, pw := io.Pipe()
	go func() {
		w, err := c.compressor.NewWriter(pw, c.level)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		_, err = io.Copy(w, src)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	return pr
}

// GzipCompressor implements gzip compression
type GzipCompressor struct{}

func (GzipCompressor) Algorithm() string { return config.CompressionGzip }

func (GzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	gw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return gw, nil
}

func (GzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func (GzipCompressor) Extension() string         { return ".gz" }
func (GzipCompressor) DecompressCommand() string { return "gzip -dc" }
func (GzipCompressor) DefaultLevel() int         { return gzip.DefaultCompression }
func (GzipCompressor) MinLevel() int             { return gzip.BestSpeed }
func (GzipCompressor) MaxLevel() int             { return gzip.BestCompression }

// LZ4Compressor implements LZ4 compression
type LZ4Compressor struct{}

func (LZ4Compressor) Algorithm() string { return config.CompressionLZ4 }

func (LZ4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	lw := lz4.NewWriter(w)
	if level > 6 {
		if err := lw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, fmt.Errorf("failed to set lz4 compression level: %w", err)
		}
	}
	return lw, nil
}

func (LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (LZ4Compressor) Extension() string         { return ".lz4" }
func (LZ4Compressor) DecompressCommand() string { return "lz4 -dc" }
func (LZ4Compressor) DefaultLevel() int         { return 1 }
func (LZ4Compressor) MinLevel() int             { return 1 }
func (LZ4Compressor) MaxLevel() int             { return 12 }

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (ZstdCompressor) Algorithm() string { return config.CompressionZstd }

func (ZstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	var encoderLevel zstd.EncoderLevel
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	return zw, nil
}

func (ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

func (ZstdCompressor) Extension() string         { return ".zst" }
func (ZstdCompressor) DecompressCommand() string { return "zstd -dc" }
func (ZstdCompressor) DefaultLevel() int         { return 3 }
func (ZstdCompressor) MinLevel() int             { return 1 }
func (ZstdCompressor) MaxLevel() int             { return 22 }
