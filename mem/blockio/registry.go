package blockio

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// A Registry is an in-memory namespace of backing stores.
type Registry struct {
	sync.Mutex
	handles map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register binds path to h, replacing any earlier binding.
func (r *Registry) Register(path string, h Handle) {
	r.Lock()
	r.handles[path] = h
	r.Unlock()
}

// Unregister removes the binding of path.
func (r *Registry) Unregister(path string) {
	r.Lock()
	delete(r.handles, path)
	r.Unlock()
}

// Open returns the handle bound to path.
func (r *Registry) Open(path string) (Handle, error) {
	r.Lock()
	defer r.Unlock()

	h, ok := r.handles[path]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", path)
	}

	return h, nil
}

// FileOpener opens host files.
type FileOpener struct{}

// Open opens the host file at path as a page device.
func (FileOpener) Open(path string) (Handle, error) {
	return OpenFile(path)
}

// ChainOpener tries its openers in order and returns the first handle found.
type ChainOpener []Opener

// Open resolves path with the first opener that knows it.
func (c ChainOpener) Open(path string) (Handle, error) {
	for _, o := range c {
		h, err := o.Open(path)
		if err == nil {
			return h, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	return nil, errors.Wrapf(ErrNotFound, "%s", path)
}
