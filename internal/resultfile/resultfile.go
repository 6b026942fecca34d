// Package resultfile reads and writes the per-job result files: an ordered
// list of records whose order matches the job's slice of the grid.
//
// Layout: 4 byte magic, 1 byte format version, then a snappy block holding
// the msgpack encoded header and records.
package resultfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rescale/gridscan/internal/models"
)

const (
	magic         = "GSRF"
	formatVersion = byte(1)
)

var (
	// ErrDeserialization means the file exists but its content is corrupt,
	// truncated or not a result file.
	ErrDeserialization = errors.New("deserialization failure")
	// ErrIO means the file could not be read or written.
	ErrIO = errors.New("io failure")
)

// Header identifies the job a result file belongs to.
type Header struct {
	Tag         string `msgpack:"tag"`
	JobID       int    `msgpack:"jobid"`
	NJobs       int    `msgpack:"njobs"`
	Fingerprint uint64 `msgpack:"fingerprint"`
	Count       int    `msgpack:"count"`
}

type payload struct {
	Header  Header          `msgpack:"header"`
	Records []models.Record `msgpack:"records"`
}

// Encode serialises a header and its records. Header.Count is set from
// len(records).
func Encode(h Header, records []models.Record) ([]byte, error) {
	h.Count = len(records)
	raw, err := msgpack.Marshal(&payload{Header: h, Records: records})
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(magic)+1+snappy.MaxEncodedLen(len(raw))))
	buf.WriteString(magic)
	buf.WriteByte(formatVersion)
	buf.Write(snappy.Encode(nil, raw))
	return buf.Bytes(), nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (Header, []models.Record, error) {
	if len(data) < len(magic)+1 || string(data[:len(magic)]) != magic {
		return Header{}, nil, fmt.Errorf("%w: not a result file", ErrDeserialization)
	}
	if v := data[len(magic)]; v != formatVersion {
		return Header{}, nil, fmt.Errorf("%w: unsupported format version %d", ErrDeserialization, v)
	}
	raw, err := snappy.Decode(nil, data[len(magic)+1:])
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	var p payload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	if p.Header.Count != len(p.Records) {
		return Header{}, nil, fmt.Errorf("%w: header announces %d records, found %d",
			ErrDeserialization, p.Header.Count, len(p.Records))
	}
	for i, r := range p.Records {
		if err := r.Validate(); err != nil {
			return Header{}, nil, fmt.Errorf("%w: record %d: %v", ErrDeserialization, i, err)
		}
	}
	return p.Header, p.Records, nil
}

// Write stores the records at path atomically: the data is written to a
// temporary file in the same directory, synced, and renamed into place, so
// a crash never leaves a partial file under the final name.
func Write(path string, h Header, records []models.Record) error {
	data, err := Encode(h, records)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create output directory: %v", ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", ErrIO, err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: failed to write results: %v", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync results: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close temp file: %v", ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: failed to rename results file: %v", ErrIO, err)
	}

	success = true
	return nil
}

// Read loads a result file.
func Read(path string) (Header, []models.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return Decode(data)
}
