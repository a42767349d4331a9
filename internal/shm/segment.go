// Package shm maps named shared-memory segments that back the chunk pool.
//
// Layout: a 128-byte header followed by the payload region.
//
//	0   magic        [8]byte  "CHNKBUS\0"
//	8   version      uint32
//	12  header size  uint32
//	16  payload size uint64
//	24  creator pid  uint32
//	28  reserved
package shm

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coachpo/chunkbus/errs"
)

const (
	// HeaderSize is the reserved space in front of the payload.
	HeaderSize = 128
	// Version is the layout version written by Create.
	Version uint32 = 1

	pathPrefix = "chunkbus_"
)

// Magic identifies chunkbus segments.
var Magic = [8]byte{'C', 'H', 'N', 'K', 'B', 'U', 'S', 0}

// Segment is a mapped shared-memory file.
type Segment struct {
	name  string
	path  string
	file  *os.File
	mem   []byte
	owner bool
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Owner reports whether this handle created the segment.
func (s *Segment) Owner() bool { return s.owner }

// Payload returns the mapped region after the header. It is nil once the
// segment is closed.
func (s *Segment) Payload() []byte {
	if s.mem == nil {
		return nil
	}
	return s.mem[HeaderSize:]
}

// CreatorPID returns the pid recorded by Create.
func (s *Segment) CreatorPID() int {
	if s.mem == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint32(s.mem[24:28]))
}

// Unlink removes the backing file. Mappings stay valid until Close.
func (s *Segment) Unlink() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errs.New("shm/unlink", errs.CodeSystem, errs.WithField("path", s.path), errs.WithCause(err))
	}
	return nil
}

// SegmentPath returns where a segment named name lives: /dev/shm when
// available, the temporary directory otherwise.
func SegmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", pathPrefix+name)
	}
	return filepath.Join(os.TempDir(), pathPrefix+name)
}

func validateName(component, name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/\x00") {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("segment name must be non-empty and must not contain '/'"),
			errs.WithField("name", name))
	}
	return nil
}

func writeHeader(mem []byte, payloadSize uint64) {
	copy(mem[0:8], Magic[:])
	binary.LittleEndian.PutUint32(mem[8:12], Version)
	binary.LittleEndian.PutUint32(mem[12:16], HeaderSize)
	binary.LittleEndian.PutUint64(mem[16:24], payloadSize)
	binary.LittleEndian.PutUint32(mem[24:28], uint32(os.Getpid()))
}

func validateHeader(mem []byte) error {
	if len(mem) < HeaderSize {
		return headerError("segment smaller than header", strconv.Itoa(len(mem)))
	}
	if !bytes.Equal(mem[0:8], Magic[:]) {
		return headerError("bad magic", strconv.Quote(string(mem[0:8])))
	}
	if v := binary.LittleEndian.Uint32(mem[8:12]); v != Version {
		return headerError("unsupported version", strconv.FormatUint(uint64(v), 10))
	}
	if hs := binary.LittleEndian.Uint32(mem[12:16]); hs != HeaderSize {
		return headerError("unexpected header size", strconv.FormatUint(uint64(hs), 10))
	}
	if ps := binary.LittleEndian.Uint64(mem[16:24]); ps != uint64(len(mem)-HeaderSize) {
		return headerError("payload size does not match file size", strconv.FormatUint(ps, 10))
	}
	return nil
}

func headerError(msg, value string) error {
	return errs.New("shm/open", errs.CodeInvalid, errs.WithMessage("invalid segment header: "+msg), errs.WithField("value", value))
}
