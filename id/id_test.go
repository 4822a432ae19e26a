package id_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/id"
)

var _ = Describe("Sequential generator", func() {
	It("should count from one", func() {
		g := id.NewSequentialGenerator()

		Expect(g.Generate()).To(Equal("1"))
		Expect(g.Generate()).To(Equal("2"))
		Expect(g.Generate()).To(Equal("3"))
	})

	It("should not repeat under concurrent use", func() {
		g := id.NewSequentialGenerator()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]bool)
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for j := 0; j < 100; j++ {
					v := g.Generate()

					mu.Lock()
					seen[v] = true
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		Expect(seen).To(HaveLen(800))
		Expect(seen).To(HaveKey("800"))
	})
})

var _ = Describe("XID generator", func() {
	It("should generate unique ids", func() {
		g := id.NewXIDGenerator()

		a := g.Generate()
		b := g.Generate()

		Expect(a).To(HaveLen(20))
		Expect(a).NotTo(Equal(b))
	})
})
