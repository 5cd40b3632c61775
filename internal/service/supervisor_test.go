package service

import (
	"context"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

type fakeDeadLetters struct {
	received []model.AggregatedDiff
	kinds    []errs.Kind
}

func (f *fakeDeadLetters) DeadLetter(ctx context.Context, diff model.AggregatedDiff, kind errs.Kind, detail string) {
	f.received = append(f.received, diff)
	f.kinds = append(f.kinds, kind)
}

var _ = Describe("Supervisor.enqueueEgress", func() {
	It("queues a diff when there is room", func() {
		s := &Supervisor{egressQueue: make(chan model.AggregatedDiff, 1), deps: Dependencies{}}
		log := logger.For(logger.ComponentService)

		s.enqueueEgress(context.Background(), model.AggregatedDiff{UNSPath: "a/b"}, log)

		Expect(s.egressQueue).To(HaveLen(1))
	})

	It("dead-letters a diff when the queue is full", func() {
		sink := &fakeDeadLetters{}
		s := &Supervisor{egressQueue: make(chan model.AggregatedDiff, 1), deps: Dependencies{DeadLetters: sink}}
		log := logger.For(logger.ComponentService)

		s.enqueueEgress(context.Background(), model.AggregatedDiff{UNSPath: "first"}, log)
		s.enqueueEgress(context.Background(), model.AggregatedDiff{UNSPath: "second"}, log)

		Expect(s.egressQueue).To(HaveLen(1))
		Expect(sink.received).To(HaveLen(1))
		Expect(sink.received[0].UNSPath).To(Equal("second"))
		Expect(sink.kinds[0]).To(Equal(errs.KindQueueFull))
	})
})

var _ = Describe("healthServer", func() {
	var h *healthServer

	BeforeEach(func() {
		h = newHealthServer(":0", nil, nil)
	})

	It("reports healthy on /healthz", func() {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()

		h.healthzHandler(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("reports ready when no CDC listener or egress client is wired", func() {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()

		h.readyzHandler(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("rejects a non-GET/HEAD method", func() {
		req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
		rec := httptest.NewRecorder()

		h.healthzHandler(rec, req)

		Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
	})
})
