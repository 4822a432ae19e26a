package swap

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/mem/phys"
)

var _ = Describe("Header", func() {
	It("should decode a legacy bitmap", func() {
		page, err := FormatLegacyHeader(32, []uint64{5, 31})
		Expect(err).NotTo(HaveOccurred())

		h, err := ParseHeader(page, 32)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Format).To(Equal(FormatLegacy))
		Expect(h.Usable).To(HaveLen(31))
		Expect(h.Usable[0]).To(BeFalse())
		Expect(h.Usable[5]).To(BeFalse())
		Expect(h.Usable[30]).To(BeTrue())
		Expect(h.NumUsable()).To(Equal(uint64(29)))
	})

	It("should decode a v2 info block", func() {
		page, err := FormatV2Header(16, []uint64{3})
		Expect(err).NotTo(HaveOccurred())

		h, err := ParseHeader(page, 16)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Format).To(Equal(FormatV2))
		Expect(h.Usable).To(HaveLen(16))
		Expect(h.Usable[3]).To(BeFalse())
		Expect(h.NumUsable()).To(Equal(uint64(14)))
	})

	It("should not use slots beyond the device end", func() {
		page, err := FormatLegacyHeader(64, nil)
		Expect(err).NotTo(HaveOccurred())

		h, err := ParseHeader(page, 8)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Usable).To(HaveLen(8))
		Expect(h.NumUsable()).To(Equal(uint64(7)))
	})

	It("should bound a v2 slot map by the device size", func() {
		page, err := FormatV2Header(16, []uint64{3})
		Expect(err).NotTo(HaveOccurred())
		binary.LittleEndian.PutUint32(page[v2InfoOffset+4:], 0x20000000)
		binary.LittleEndian.PutUint32(page[v2BadPagesOffset+4:], 0x1000000)
		binary.LittleEndian.PutUint32(page[v2InfoOffset+8:], 2)

		h, err := ParseHeader(page, 16)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Usable).To(HaveLen(16))
		Expect(cap(h.Usable)).To(Equal(16))
		Expect(h.Usable[3]).To(BeFalse())
		Expect(h.NumUsable()).To(Equal(uint64(14)))
	})

	It("should never use slot 0", func() {
		page, err := FormatLegacyHeader(8, nil)
		Expect(err).NotTo(HaveOccurred())
		page[0] |= 1

		h, err := ParseHeader(page, 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Usable[0]).To(BeFalse())
	})

	It("should reject a page without signature", func() {
		_, err := ParseHeader(make([]byte, phys.PageSize), 8)
		Expect(errors.Is(err, ErrBadHeader)).To(BeTrue())
	})

	It("should reject an area without usable slots", func() {
		page, err := FormatLegacyHeader(4, []uint64{1, 2, 3})
		Expect(err).NotTo(HaveOccurred())

		_, err = ParseHeader(page, 4)
		Expect(errors.Is(err, ErrBadHeader)).To(BeTrue())
	})

	It("should reject an unknown v2 version", func() {
		page, err := FormatV2Header(16, nil)
		Expect(err).NotTo(HaveOccurred())
		page[v2InfoOffset] = 9

		_, err = ParseHeader(page, 16)
		Expect(errors.Is(err, ErrBadHeader)).To(BeTrue())
	})

	It("should refuse to format tiny devices", func() {
		_, err := FormatLegacyHeader(1, nil)
		Expect(errors.Is(err, ErrInvalid)).To(BeTrue())

		_, err = FormatV2Header(8, []uint64{8})
		Expect(errors.Is(err, ErrInvalid)).To(BeTrue())
	})
})
