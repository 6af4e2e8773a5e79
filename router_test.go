package mailjobs_test

import (
	"github.com/mailarchive/mailjobs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Router", func() {
	router := mailjobs.NewRouter(mailjobs.Thresholds{
		AsyncThreshold: 500,
		MaxSyncItems:   500,
		MaxAsyncItems:  20000,
	})

	up := func(items int) mailjobs.RouteRequest {
		return mailjobs.RouteRequest{Items: items, HandoffOK: true, WorkersUp: true}
	}

	DescribeTable("routing boundaries",
		func(req mailjobs.RouteRequest, want mailjobs.Decision) {
			Expect(router.Route(req).Decision).To(Equal(want))
		},
		Entry("zero items", up(0), mailjobs.DecisionReject),
		Entry("one item", up(1), mailjobs.DecisionRunInline),
		Entry("at the async threshold", up(500), mailjobs.DecisionRunInline),
		Entry("just above the async threshold", up(501), mailjobs.DecisionEnqueue),
		Entry("at the maximum", up(20000), mailjobs.DecisionEnqueue),
		Entry("just above the maximum", up(20001), mailjobs.DecisionReject),
		Entry("forced async", mailjobs.RouteRequest{Items: 3, ForceAsync: true, HandoffOK: true, WorkersUp: true}, mailjobs.DecisionEnqueue),
		Entry("ids cannot be carried", mailjobs.RouteRequest{Items: 3, WorkersUp: true}, mailjobs.DecisionEnqueue),
	)

	It("should explain rejections with sentinel errors", func() {
		Expect(router.Route(up(0)).Err).To(MatchError(mailjobs.ErrEmptySelection))
		Expect(router.Route(up(20001)).Err).To(MatchError(mailjobs.ErrTooManyItems))
		Expect(router.Route(up(10)).Err).NotTo(HaveOccurred())
	})

	Context("when the workers are down", func() {
		down := func(items int) mailjobs.RouteRequest {
			return mailjobs.RouteRequest{Items: items, HandoffOK: true}
		}

		It("should still run small requests inline", func() {
			Expect(router.Route(down(10)).Decision).To(Equal(mailjobs.DecisionRunInline))
		})

		It("should reject requests that cannot safely run inline", func() {
			route := router.Route(down(501))
			Expect(route.Decision).To(Equal(mailjobs.DecisionReject))
			Expect(route.Err).To(MatchError(mailjobs.ErrWorkersUnavailable))
		})

		It("should reject forced-async kinds", func() {
			route := router.Route(mailjobs.RouteRequest{Items: 3, ForceAsync: true, HandoffOK: true})
			Expect(route.Err).To(MatchError(mailjobs.ErrWorkersUnavailable))
		})

		It("should reject when the ids cannot be carried to the inline step", func() {
			route := router.Route(mailjobs.RouteRequest{Items: 3})
			Expect(route.Err).To(MatchError(mailjobs.ErrWorkersUnavailable))
		})
	})

	Context("when the inline ceiling is below the async threshold", func() {
		low := mailjobs.NewRouter(mailjobs.Thresholds{AsyncThreshold: 500, MaxSyncItems: 100, MaxAsyncItems: 20000})

		It("should enqueue requests between the two", func() {
			Expect(low.Route(up(300)).Decision).To(Equal(mailjobs.DecisionEnqueue))
			Expect(low.Route(up(100)).Decision).To(Equal(mailjobs.DecisionRunInline))
		})

		It("should reject them when the workers are down", func() {
			route := low.Route(mailjobs.RouteRequest{Items: 300, HandoffOK: true})
			Expect(route.Err).To(MatchError(mailjobs.ErrWorkersUnavailable))
		})
	})

	It("should fall back to inline when a submission is refused", func() {
		Expect(router.Fallback(up(20)).Decision).To(Equal(mailjobs.DecisionRunInline))
		Expect(router.Fallback(up(600)).Decision).To(Equal(mailjobs.DecisionReject))
	})

	It("should treat a zero maximum as unlimited", func() {
		open := mailjobs.NewRouter(mailjobs.Thresholds{AsyncThreshold: 10})
		Expect(open.Route(up(1000000)).Decision).To(Equal(mailjobs.DecisionEnqueue))
	})
})
