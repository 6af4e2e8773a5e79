package mailjobs_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mailarchive/mailjobs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// HandoffTestSuite runs the shared contract against a Handoff implementation.
func HandoffTestSuite(factory func(ttl time.Duration, maxBytes int) (mailjobs.Handoff, func())) {
	var (
		handoff mailjobs.Handoff
		cleanup func()
		ctx     context.Context
	)

	BeforeEach(func() {
		handoff, cleanup = factory(time.Minute, mailjobs.DefaultHandoffMaxBytes)
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	It("should store and load an id list", func() {
		token := mailjobs.NewHandoffToken()
		Expect(handoff.Store(ctx, token, []string{"msg-1", "msg-2", "msg-3"})).To(Succeed())

		ids, err := handoff.Load(ctx, token)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(Equal([]string{"msg-1", "msg-2", "msg-3"}))

		// Reading does not consume the entry.
		_, err = handoff.Load(ctx, token)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should report unknown and deleted tokens as expired", func() {
		_, err := handoff.Load(ctx, "unknown")
		Expect(err).To(MatchError(mailjobs.ErrExpired))

		token := mailjobs.NewHandoffToken()
		Expect(handoff.Store(ctx, token, []string{"msg-1"})).To(Succeed())
		Expect(handoff.Delete(ctx, token)).To(Succeed())
		_, err = handoff.Load(ctx, token)
		Expect(err).To(MatchError(mailjobs.ErrExpired))
	})

	It("should refuse lists over the size ceiling", func() {
		ids := make([]string, 400)
		for i := range ids {
			ids[i] = fmt.Sprintf("msg-%06d", i)
		}
		err := handoff.Store(ctx, mailjobs.NewHandoffToken(), ids)
		Expect(err).To(MatchError(mailjobs.ErrTooLarge))
	})

	It("should refuse ids that cannot be encoded", func() {
		err := handoff.Store(ctx, mailjobs.NewHandoffToken(), []string{"a,b"})
		Expect(err).To(MatchError(mailjobs.ErrInvalidPayload))
	})

	It("should expire entries after the TTL", func() {
		if cleanup != nil {
			cleanup()
		}
		handoff, cleanup = factory(time.Second, mailjobs.DefaultHandoffMaxBytes)
		token := mailjobs.NewHandoffToken()
		Expect(handoff.Store(ctx, token, []string{"msg-1"})).To(Succeed())
		Eventually(func() error {
			_, err := handoff.Load(ctx, token)
			return err
		}, 3*time.Second, 100*time.Millisecond).Should(MatchError(mailjobs.ErrExpired))
	})
}

var _ = Describe("MemoryHandoff", func() {
	HandoffTestSuite(func(ttl time.Duration, maxBytes int) (mailjobs.Handoff, func()) {
		return mailjobs.NewMemoryHandoff(ttl, maxBytes), nil
	})

	It("should purge expired entries", func() {
		h := mailjobs.NewMemoryHandoff(50*time.Millisecond, 0)
		ctx := context.Background()
		Expect(h.Store(ctx, "a", []string{"1"})).To(Succeed())
		Expect(h.Store(ctx, "b", []string{"2"})).To(Succeed())
		Eventually(h.Purge).Should(Equal(2))
		Expect(h.Purge()).To(Equal(0))
	})
})

var _ = Describe("BadgerHandoff", func() {
	HandoffTestSuite(func(ttl time.Duration, maxBytes int) (mailjobs.Handoff, func()) {
		h, err := mailjobs.NewBadgerHandoff("", ttl, maxBytes, testLogger())
		Expect(err).NotTo(HaveOccurred())
		return h, func() { _ = h.Close() }
	})

	It("should persist to disk", func() {
		dir := GinkgoT().TempDir()
		ctx := context.Background()
		h, err := mailjobs.NewBadgerHandoff(dir, time.Minute, 0, testLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Store(ctx, "tok", []string{"msg-1"})).To(Succeed())
		Expect(h.Close()).To(Succeed())

		h, err = mailjobs.NewBadgerHandoff(dir, time.Minute, 0, testLogger())
		Expect(err).NotTo(HaveOccurred())
		defer h.Close()
		ids, err := h.Load(ctx, "tok")
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(Equal([]string{"msg-1"}))
		Expect(h.Purge()).To(BeNumerically(">=", 0))
	})
})

var _ = Describe("RedisHandoff", func() {
	addr := os.Getenv("MAILJOBS_TEST_REDIS_ADDR")

	HandoffTestSuite(func(ttl time.Duration, maxBytes int) (mailjobs.Handoff, func()) {
		if addr == "" {
			Skip("MAILJOBS_TEST_REDIS_ADDR not set")
		}
		h, err := mailjobs.NewRedisHandoff(addr, "", 0, ttl, maxBytes)
		if err != nil {
			Skip(fmt.Sprintf("redis unavailable: %v", err))
		}
		return h, func() { _ = h.Close() }
	})
})

var _ = Describe("id encoding", func() {
	It("should measure the comma-joined size", func() {
		encoded, err := mailjobs.EncodeIDs([]string{"a", "bb", "ccc"}, 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(encoded).To(Equal("a,bb,ccc"))

		_, err = mailjobs.EncodeIDs([]string{"a", "bb", "ccc"}, 7)
		Expect(err).To(MatchError(mailjobs.ErrTooLarge))
	})

	It("should reject empty ids", func() {
		_, err := mailjobs.EncodeIDs([]string{"a", ""}, 0)
		Expect(err).To(MatchError(mailjobs.ErrInvalidPayload))
	})

	It("should issue distinct sortable tokens", func() {
		a := mailjobs.NewHandoffToken()
		time.Sleep(2 * time.Millisecond)
		b := mailjobs.NewHandoffToken()
		Expect(a).NotTo(Equal(b))
		Expect(strings.Compare(a, b)).To(Equal(-1))
	})
})
