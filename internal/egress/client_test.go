package egress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/model"
)

type fakeSink struct {
	mu    sync.Mutex
	kinds []errs.Kind
}

func (f *fakeSink) DeadLetter(ctx context.Context, diff model.AggregatedDiff, kind errs.Kind, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

func testDiff() model.AggregatedDiff {
	return model.AggregatedDiff{
		UNSPath:  "a/b/m1",
		CanaryID: "a.b.m1",
		Changes:  map[string]model.PropertyValue{"engUnit": {Type: model.PropertyString, StringValue: "degC"}},
	}
}

func newTestClient(storeData http.HandlerFunc, sink DeadLetterSink) (*Client, *httptest.Server) {
	mux := http.NewServeMux()
	mux.HandleFunc("/getSessionToken", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"sessionToken": "tok"})
	})
	mux.HandleFunc("/browse", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(browseResponse{Entries: []browseEntry{{FullPath: "a/b/m1"}}})
	})
	mux.HandleFunc("/storeData", storeData)
	srv := httptest.NewServer(mux)

	sessions, _ := NewSessionManager(SessionManagerSettings{BaseURL: srv.URL, APIToken: "api"}, srv.Client())
	datasets, _ := NewDatasetResolver(DatasetResolverSettings{BaseURL: srv.URL, DatasetPrefix: "Prefix", DatasetCount: 1}, srv.Client(), sessions.Token)

	client := NewClient(ClientSettings{
		BaseURL:        srv.URL,
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}, srv.Client(), sessions, datasets, sink)
	return client, srv
}

var _ = Describe("Client.Deliver", func() {
	It("delivers on a 2xx response", func() {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}, nil)
		defer srv.Close()

		outcome, err := client.Deliver(context.Background(), testDiff())
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(Delivered))
	})

	It("dead-letters on a 4xx validation response without retrying", func() {
		var attempts atomic.Int32
		sink := &fakeSink{}
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}, sink)
		defer srv.Close()

		outcome, err := client.Deliver(context.Background(), testDiff())
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(DeadLettered))
		Expect(attempts.Load()).To(Equal(int32(1)))
		Expect(sink.kinds).To(ConsistOf(errs.KindValidation))
	})

	It("retries on a 500 and eventually dead-letters after exhausting the retry budget", func() {
		sink := &fakeSink{}
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, sink)
		defer srv.Close()

		outcome, err := client.Deliver(context.Background(), testDiff())
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(DeadLettered))
		Expect(sink.kinds).To(ConsistOf(errs.KindTransientNetwork))
	})

	It("retries on a 429 rather than dead-lettering immediately", func() {
		var calls atomic.Int32
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusOK)
		}, nil)
		defer srv.Close()

		outcome, err := client.Deliver(context.Background(), testDiff())
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(Delivered))
		Expect(calls.Load()).To(Equal(int32(2)))
	})

	It("refreshes the session once on a 401 and succeeds without dead-lettering", func() {
		var calls atomic.Int32
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		}, nil)
		defer srv.Close()

		outcome, err := client.Deliver(context.Background(), testDiff())
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(Delivered))
		Expect(calls.Load()).To(Equal(int32(2)))
	})

	It("dead-letters with DatasetNotFound when the browse never matches", func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/getSessionToken", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"sessionToken": "tok"})
		})
		mux.HandleFunc("/browse", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(browseResponse{})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		sessions, _ := NewSessionManager(SessionManagerSettings{BaseURL: srv.URL, APIToken: "api"}, srv.Client())
		datasets, _ := NewDatasetResolver(DatasetResolverSettings{BaseURL: srv.URL, DatasetPrefix: "Prefix", DatasetCount: 1}, srv.Client(), sessions.Token)
		sink := &fakeSink{}
		client := NewClient(ClientSettings{BaseURL: srv.URL}, srv.Client(), sessions, datasets, sink)

		outcome, err := client.Deliver(context.Background(), testDiff())
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(DeadLettered))
		Expect(sink.kinds).To(ConsistOf(errs.KindDatasetNotFound))
	})
})
