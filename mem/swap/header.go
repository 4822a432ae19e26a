package swap

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/sarchlab/vmcore/mem/phys"
)

// Format is the layout of a swap header.
type Format int

// Header formats.
const (
	FormatUnknown Format = iota

	// FormatLegacy keeps a bitmap of usable slots in the header page.
	FormatLegacy

	// FormatV2 keeps the last usable slot and a list of bad slots.
	FormatV2
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatV2:
		return "v2"
	}

	return "unknown"
}

const (
	signatureOffset = phys.PageSize - 10
	legacySignature = "SWAP-SPACE"
	v2Signature     = "SWAPSPACE2"

	v2InfoOffset     = 1024
	v2BadPagesOffset = v2InfoOffset + 12 + 125*4
	v2Version        = 1

	// MaxLegacySlots is the number of slots a legacy bitmap can describe.
	MaxLegacySlots = signatureOffset * 8

	// MaxBadPages is the number of bad slots a v2 header can list.
	MaxBadPages = (signatureOffset - v2BadPagesOffset) / 4
)

// A Header is the decoded first page of a swap device.
type Header struct {
	Format Format

	// Usable tells, for every slot up to the last usable one, whether it
	// may hold pages. Slot 0 is never usable.
	Usable []bool
}

// NumUsable returns the number of usable slots.
func (h Header) NumUsable() uint64 {
	n := uint64(0)
	for _, u := range h.Usable {
		if u {
			n++
		}
	}

	return n
}

// ParseHeader decodes the header page of a device with numPages pages.
func ParseHeader(page []byte, numPages uint64) (Header, error) {
	if len(page) < phys.PageSize {
		return Header{}, errors.Wrap(ErrBadHeader, "short header page")
	}

	sig := string(page[signatureOffset:phys.PageSize])

	var (
		h   Header
		err error
	)

	switch sig {
	case legacySignature:
		h = parseLegacy(page)
	case v2Signature:
		h, err = parseV2(page, numPages)
	default:
		return Header{}, errors.Wrapf(ErrBadHeader, "unknown signature %q", sig)
	}

	if err != nil {
		return Header{}, err
	}

	if uint64(len(h.Usable)) > numPages {
		for i := numPages; i < uint64(len(h.Usable)); i++ {
			h.Usable[i] = false
		}
	}

	h.Usable = trimUnusable(h.Usable)
	if len(h.Usable) > 0 {
		h.Usable[0] = false
	}

	if h.NumUsable() == 0 {
		return Header{}, errors.Wrap(ErrBadHeader, "empty swap area")
	}

	return h, nil
}

func parseLegacy(page []byte) Header {
	usable := make([]bool, MaxLegacySlots)
	for i := range usable {
		usable[i] = page[i/8]&(1<<(i%8)) != 0
	}

	return Header{Format: FormatLegacy, Usable: usable}
}

func parseV2(page []byte, numPages uint64) (Header, error) {
	le := binary.LittleEndian
	version := le.Uint32(page[v2InfoOffset:])
	lastPage := le.Uint32(page[v2InfoOffset+4:])
	nrBad := le.Uint32(page[v2InfoOffset+8:])

	if version != v2Version {
		return Header{}, errors.Wrapf(ErrBadHeader, "unsupported version %d", version)
	}

	if nrBad > MaxBadPages {
		return Header{}, errors.Wrapf(ErrBadHeader, "%d bad pages listed", nrBad)
	}

	// The device end bounds the slot map, whatever the header claims.
	usable := make([]bool, min(uint64(lastPage)+1, numPages))
	for i := 1; i < len(usable); i++ {
		usable[i] = true
	}

	for i := uint32(0); i < nrBad; i++ {
		bad := le.Uint32(page[v2BadPagesOffset+4*i:])
		if bad == 0 || bad > lastPage {
			return Header{}, errors.Wrapf(ErrBadHeader, "bad page %d out of range", bad)
		}

		if uint64(bad) < uint64(len(usable)) {
			usable[bad] = false
		}
	}

	return Header{Format: FormatV2, Usable: usable}, nil
}

func trimUnusable(usable []bool) []bool {
	n := len(usable)
	for n > 0 && !usable[n-1] {
		n--
	}

	return usable[:n]
}

// FormatLegacyHeader returns a legacy header page for a device of numPages
// pages. Slots listed in bad are left out of the bitmap.
func FormatLegacyHeader(numPages uint64, bad []uint64) ([]byte, error) {
	if numPages < 2 {
		return nil, errors.Wrap(ErrInvalid, "device too small")
	}

	page := make([]byte, phys.PageSize)
	n := min(numPages, MaxLegacySlots)

	for i := uint64(1); i < n; i++ {
		page[i/8] |= 1 << (i % 8)
	}

	for _, b := range bad {
		if b < n {
			page[b/8] &^= 1 << (b % 8)
		}
	}

	copy(page[signatureOffset:], legacySignature)

	return page, nil
}

// FormatV2Header returns a v2 header page for a device of numPages pages.
func FormatV2Header(numPages uint64, bad []uint64) ([]byte, error) {
	if numPages < 2 {
		return nil, errors.Wrap(ErrInvalid, "device too small")
	}

	if len(bad) > MaxBadPages {
		return nil, errors.Wrapf(ErrInvalid, "%d bad pages, at most %d", len(bad), MaxBadPages)
	}

	le := binary.LittleEndian
	page := make([]byte, phys.PageSize)
	lastPage := numPages - 1

	le.PutUint32(page[v2InfoOffset:], v2Version)
	le.PutUint32(page[v2InfoOffset+4:], uint32(lastPage))
	le.PutUint32(page[v2InfoOffset+8:], uint32(len(bad)))

	for i, b := range bad {
		if b == 0 || b > lastPage {
			return nil, errors.Wrapf(ErrInvalid, "bad page %d out of range", b)
		}

		le.PutUint32(page[v2BadPagesOffset+4*i:], uint32(b))
	}

	copy(page[signatureOffset:], v2Signature)

	return page, nil
}
