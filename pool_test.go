package mailjobs_test

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mailarchive/mailjobs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pool", func() {
	var pool *mailjobs.Pool

	AfterEach(func() {
		pool.Close()
	})

	It("should run submitted tasks", func() {
		pool = mailjobs.NewPool(2, 10, testLogger())
		var ran atomic.Int32
		for i := 0; i < 5; i++ {
			Expect(pool.Submit(func(ctx context.Context) { ran.Add(1) })).To(Succeed())
		}
		Eventually(ran.Load).Should(Equal(int32(5)))
	})

	It("should refuse tasks when the queue is full", func() {
		pool = mailjobs.NewPool(1, 1, testLogger())
		release := make(chan struct{})
		started := make(chan struct{})
		Expect(pool.Submit(func(ctx context.Context) {
			close(started)
			<-release
		})).To(Succeed())
		<-started
		Expect(pool.Submit(func(ctx context.Context) {})).To(Succeed())

		Expect(pool.Accepting()).To(BeFalse())
		Expect(pool.Submit(func(ctx context.Context) {})).To(MatchError(mailjobs.ErrPoolSaturated))
		close(release)
		Eventually(pool.Accepting).Should(BeTrue())
	})

	It("should refuse tasks after Close and cancel their context", func() {
		pool = mailjobs.NewPool(1, 1, testLogger())
		cancelled := make(chan struct{})
		started := make(chan struct{})
		Expect(pool.Submit(func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			close(cancelled)
		})).To(Succeed())
		<-started

		pool.Close()
		Eventually(cancelled).Should(BeClosed())
		Expect(pool.Accepting()).To(BeFalse())
		Expect(pool.Submit(func(ctx context.Context) {})).To(MatchError(mailjobs.ErrPoolClosed))
	})

	It("should survive a panicking task", func() {
		pool = mailjobs.NewPool(1, 4, testLogger())
		Expect(pool.Submit(func(ctx context.Context) { panic("boom") })).To(Succeed())
		done := make(chan struct{})
		Expect(pool.Submit(func(ctx context.Context) { close(done) })).To(Succeed())
		Eventually(done, time.Second).Should(BeClosed())
	})
})
