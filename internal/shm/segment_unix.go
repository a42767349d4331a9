//go:build unix

package shm

import (
	"errors"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/coachpo/chunkbus/errs"
)

// Create creates and maps a new segment with size payload bytes. It fails if
// a segment of that name already exists.
func Create(name string, size uint64) (*Segment, error) {
	if err := validateName("shm/create", name); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errs.New("shm/create", errs.CodeInvalid, errs.WithMessage("segment size must be > 0"))
	}
	path := SegmentPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.New("shm/create", errs.CodeSystem, errs.WithField("path", path), errs.WithCause(err))
	}
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(path)
	}

	total := size + HeaderSize
	if err := file.Truncate(int64(total)); err != nil {
		cleanup()
		return nil, errs.New("shm/create", errs.CodeSystem, errs.WithMessage("resize segment"), errs.WithCause(err))
	}
	mem, err := mmap(file, int(total))
	if err != nil {
		cleanup()
		return nil, err
	}
	writeHeader(mem, size)
	return &Segment{name: name, path: path, file: file, mem: mem, owner: true}, nil
}

// Open maps an existing segment and validates its header.
func Open(name string) (*Segment, error) {
	if err := validateName("shm/open", name); err != nil {
		return nil, err
	}
	path := SegmentPath(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.New("shm/open", errs.CodeSystem, errs.WithField("path", path), errs.WithCause(err))
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errs.New("shm/open", errs.CodeSystem, errs.WithMessage("stat segment"), errs.WithCause(err))
	}
	if info.Size() < HeaderSize {
		_ = file.Close()
		return nil, headerError("segment smaller than header", strconv.FormatInt(info.Size(), 10))
	}
	mem, err := mmap(file, int(info.Size()))
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := validateHeader(mem); err != nil {
		_ = unix.Munmap(mem)
		_ = file.Close()
		return nil, err
	}
	return &Segment{name: name, path: path, file: file, mem: mem}, nil
}

// Close unmaps the segment and closes its file. It is idempotent.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	mem := s.mem
	s.mem = nil
	var failures []error
	if err := unix.Munmap(mem); err != nil {
		failures = append(failures, err)
	}
	if err := s.file.Close(); err != nil {
		failures = append(failures, err)
	}
	if len(failures) > 0 {
		return errs.New("shm/close", errs.CodeSystem, errs.WithField("path", s.path), errs.WithCause(errors.Join(failures...)))
	}
	return nil
}

func mmap(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.New("shm/mmap", errs.CodeSystem, errs.WithField("size", strconv.Itoa(size)), errs.WithCause(err))
	}
	return mem, nil
}
