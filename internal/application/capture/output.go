package capture

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
	"golang.org/x/term"
)

var ErrTerminalOutput = errors.New("refusing to write binary trace to a terminal")

// output writes the raw trace through an optional compressor while
// hashing the uncompressed bytes
type output struct {
	file       *os.File
	ownsFile   bool
	compressor io.WriteCloser
	w          io.Writer
	hasher     hash.Hash
	written    uint64
}

func openOutput(path, compression string) (*output, error) {
	o := &output{hasher: blake3.New()}

	if path == "-" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return nil, ErrTerminalOutput
		}
		o.file = os.Stdout
	} else {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create output: %w", err)
		}
		o.file = f
		o.ownsFile = true
	}

	var sink io.Writer = o.file
	switch compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(o.file)
		if err != nil {
			o.closeFile()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		o.compressor = enc
		sink = enc
	case CompressionLZ4:
		enc := lz4.NewWriter(o.file)
		o.compressor = enc
		sink = enc
	}

	o.w = io.MultiWriter(sink, o.hasher)
	return o, nil
}

func (o *output) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	o.written += uint64(n)
	return n, err
}

// Digest returns the hex BLAKE3 digest of everything written so far
func (o *output) Digest() string {
	return hex.EncodeToString(o.hasher.Sum(nil))
}

func (o *output) Close() error {
	var firstErr error
	if o.compressor != nil {
		firstErr = o.compressor.Close()
	}
	if err := o.closeFile(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (o *output) closeFile() error {
	if !o.ownsFile {
		return nil
	}
	return o.file.Close()
}

// openInput returns a reader over the raw trace in path, undoing whatever
// compression is detected from the leading magic bytes
func openInput(path string) (io.ReadCloser, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}

	magic := make([]byte, 4)
	n, _ := io.ReadFull(f, magic)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, "", err
	}

	switch {
	case n == 4 && magic[0] == 0x28 && magic[1] == 0xb5 && magic[2] == 0x2f && magic[3] == 0xfd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, "", err
		}
		return &decodedInput{Reader: dec, closeFn: func() error { dec.Close(); return f.Close() }}, CompressionZstd, nil
	case n == 4 && magic[0] == 0x04 && magic[1] == 0x22 && magic[2] == 0x4d && magic[3] == 0x18:
		return &decodedInput{Reader: lz4.NewReader(f), closeFn: f.Close}, CompressionLZ4, nil
	default:
		return f, CompressionNone, nil
	}
}

type decodedInput struct {
	io.Reader
	closeFn func() error
}

func (d *decodedInput) Close() error {
	return d.closeFn()
}
