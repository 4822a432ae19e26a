package blockio

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// A File is a page device backed by a host file.
type File struct {
	f        *os.File
	writable bool
	numPages uint64
}

// OpenFile opens the host file at path. The file is opened read-write when
// possible and read-only otherwise.
func OpenFile(path string) (*File, error) {
	writable := true

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		writable = false
		f, err = os.Open(path)
	}

	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}

		return nil, errors.Wrapf(err, "opening %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	return &File{
		f:        f,
		writable: writable,
		numPages: uint64(info.Size()) / PageSize,
	}, nil
}

// CreateFile creates (or truncates) a host file of numPages zero pages.
func CreateFile(path string, numPages uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", path)
	}

	if err := f.Truncate(int64(numPages * PageSize)); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "sizing %s", path)
	}

	return &File{f: f, writable: true, numPages: numPages}, nil
}

// Name returns the path of the file.
func (f *File) Name() string {
	return f.f.Name()
}

// Writable tells if the file was opened for writing.
func (f *File) Writable() bool {
	return f.writable
}

// Close closes the file.
func (f *File) Close() error {
	return f.f.Close()
}

// NumPages returns the number of whole pages in the file.
func (f *File) NumPages() uint64 {
	return f.numPages
}

// ReadPage reads a page at the page-aligned offset.
func (f *File) ReadPage(page uint64, buf []byte) error {
	if page >= f.numPages {
		return errors.Wrapf(ErrOutOfRange, "%s: page %d", f.Name(), page)
	}

	_, err := f.f.ReadAt(buf[:PageSize], int64(page*PageSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(ErrIO, "%s: page %d: %v", f.Name(), page, err)
	}

	return nil
}

// WritePage writes a page at the page-aligned offset.
func (f *File) WritePage(page uint64, buf []byte) error {
	if !f.writable {
		return errors.Wrapf(ErrReadOnly, "%s", f.Name())
	}

	if page >= f.numPages {
		return errors.Wrapf(ErrOutOfRange, "%s: page %d", f.Name(), page)
	}

	if _, err := f.f.WriteAt(buf[:PageSize], int64(page*PageSize)); err != nil {
		return errors.Wrapf(ErrIO, "%s: page %d: %v", f.Name(), page, err)
	}

	return nil
}
