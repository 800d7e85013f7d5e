package fixtures

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// FirmwareDumpWriter appends length-prefixed records to a firmware dump
// file, standing in for the firmware side in tests.
type FirmwareDumpWriter struct {
	path string
}

// NewFirmwareDumpWriter creates an empty dump at baseDir/name
func NewFirmwareDumpWriter(baseDir, name string) (*FirmwareDumpWriter, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(baseDir, name)
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return nil, err
	}
	return &FirmwareDumpWriter{path: path}, nil
}

func (w *FirmwareDumpWriter) Path() string {
	return w.path
}

// Append writes each payload as one record
func (w *FirmwareDumpWriter) Append(payloads ...[]byte) error {
	var buf []byte
	for _, p := range payloads {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	return w.AppendRaw(buf)
}

// AppendRaw writes bytes verbatim, e.g. half a record
func (w *FirmwareDumpWriter) AppendRaw(data []byte) error {
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// Truncate empties the dump, as a firmware reset would
func (w *FirmwareDumpWriter) Truncate() error {
	return os.Truncate(w.path, 0)
}

// Records returns n distinct payloads of the given size
func Records(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		payload := []byte(fmt.Sprintf("fw-%06d:", i))
		for len(payload) < size {
			payload = append(payload, byte('a'+i%26))
		}
		out[i] = payload[:size]
	}
	return out
}
