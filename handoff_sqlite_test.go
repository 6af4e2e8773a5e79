//go:build sqlite
// +build sqlite

package mailjobs_test

import (
	"context"
	"path/filepath"
	"time"

	"github.com/mailarchive/mailjobs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SQLiteHandoff", func() {
	HandoffTestSuite(func(ttl time.Duration, maxBytes int) (mailjobs.Handoff, func()) {
		path := filepath.Join(GinkgoT().TempDir(), "handoff.db")
		h, err := mailjobs.NewSQLiteHandoff(path, ttl, maxBytes)
		Expect(err).NotTo(HaveOccurred())
		return h, func() { _ = h.Close() }
	})

	It("should purge expired rows", func() {
		path := filepath.Join(GinkgoT().TempDir(), "handoff.db")
		h, err := mailjobs.NewSQLiteHandoff(path, 10*time.Millisecond, 0)
		Expect(err).NotTo(HaveOccurred())
		defer h.Close()

		Expect(h.Store(context.Background(), "tok", []string{"msg-1"})).To(Succeed())
		Eventually(h.Purge).Should(Equal(1))
	})
})
