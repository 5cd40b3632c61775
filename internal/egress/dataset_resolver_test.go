package egress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/errs"
)

func noToken(ctx context.Context) (string, error) { return "tok", nil }

var _ = Describe("DatasetResolver", func() {
	It("returns the override dataset unconditionally without browsing", func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		r, err := NewDatasetResolver(DatasetResolverSettings{BaseURL: srv.URL, Override: "Validation"}, srv.Client(), noToken)
		Expect(err).NotTo(HaveOccurred())

		dataset, err := r.Resolve(context.Background(), "a/b/c")
		Expect(err).NotTo(HaveOccurred())
		Expect(dataset).To(Equal("Validation"))
		Expect(calls.Load()).To(Equal(int32(0)))
	})

	It("finds a matching tag via a single-page deep browse", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(browseResponse{Entries: []browseEntry{{FullPath: "a/b/c"}}})
		}))
		defer srv.Close()

		r, err := NewDatasetResolver(DatasetResolverSettings{BaseURL: srv.URL, DatasetPrefix: "Prefix", DatasetCount: 1}, srv.Client(), noToken)
		Expect(err).NotTo(HaveOccurred())

		dataset, err := r.Resolve(context.Background(), "a/b/c")
		Expect(err).NotTo(HaveOccurred())
		Expect(dataset).To(Equal("Prefix"))
	})

	It("pages through a continuation token until a match is found", func() {
		var page atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if page.Load() == 0 {
				page.Add(1)
				json.NewEncoder(w).Encode(browseResponse{Entries: []browseEntry{{FullPath: "a/b/other"}}, Continuation: "cursor-1"})
				return
			}
			json.NewEncoder(w).Encode(browseResponse{Entries: []browseEntry{{FullPath: "a/b/c"}}})
		}))
		defer srv.Close()

		r, err := NewDatasetResolver(DatasetResolverSettings{BaseURL: srv.URL, DatasetPrefix: "Prefix", DatasetCount: 1}, srv.Client(), noToken)
		Expect(err).NotTo(HaveOccurred())

		dataset, err := r.Resolve(context.Background(), "a/b/c")
		Expect(err).NotTo(HaveOccurred())
		Expect(dataset).To(Equal("Prefix"))
	})

	It("returns DatasetNotFound once every configured prefix is exhausted", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(browseResponse{Entries: nil})
		}))
		defer srv.Close()

		r, err := NewDatasetResolver(DatasetResolverSettings{BaseURL: srv.URL, DatasetPrefix: "Prefix", DatasetCount: 2}, srv.Client(), noToken)
		Expect(err).NotTo(HaveOccurred())

		_, err = r.Resolve(context.Background(), "a/b/c")
		Expect(err).To(HaveOccurred())
		asErr, ok := err.(*errs.Error)
		Expect(ok).To(BeTrue())
		Expect(asErr.Kind).To(Equal(errs.KindDatasetNotFound))
	})

	It("caches a resolved path so a second lookup never re-browses", func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			json.NewEncoder(w).Encode(browseResponse{Entries: []browseEntry{{FullPath: "a/b/c"}}})
		}))
		defer srv.Close()

		r, err := NewDatasetResolver(DatasetResolverSettings{BaseURL: srv.URL, DatasetPrefix: "Prefix", DatasetCount: 1}, srv.Client(), noToken)
		Expect(err).NotTo(HaveOccurred())

		_, _ = r.Resolve(context.Background(), "a/b/c")
		_, _ = r.Resolve(context.Background(), "a/b/c")
		Expect(calls.Load()).To(Equal(int32(1)))
	})
})
