package egress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SessionManager", func() {
	It("acquires a token lazily on first use", func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"sessionToken": "tok-1"})
		}))
		defer srv.Close()

		mgr, err := NewSessionManager(SessionManagerSettings{BaseURL: srv.URL, APIToken: "api"}, srv.Client())
		Expect(err).NotTo(HaveOccurred())

		token, err := mgr.Token(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(token).To(Equal("tok-1"))
		Expect(calls.Load()).To(Equal(int32(1)))
	})

	It("reuses a cached token without a keepalive when recently active", func() {
		var getCalls, keepAliveCalls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/getSessionToken":
				getCalls.Add(1)
				json.NewEncoder(w).Encode(map[string]string{"sessionToken": "tok-1"})
			case "/keepAlive":
				keepAliveCalls.Add(1)
				w.WriteHeader(http.StatusOK)
			}
		}))
		defer srv.Close()

		mgr, err := NewSessionManager(SessionManagerSettings{BaseURL: srv.URL, APIToken: "api", KeepAliveIdleThreshold: time.Hour}, srv.Client())
		Expect(err).NotTo(HaveOccurred())

		_, err = mgr.Token(context.Background())
		Expect(err).NotTo(HaveOccurred())
		_, err = mgr.Token(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(getCalls.Load()).To(Equal(int32(1)))
		Expect(keepAliveCalls.Load()).To(Equal(int32(0)))
	})

	It("rejects settings missing a base URL or API token", func() {
		_, err := NewSessionManager(SessionManagerSettings{APIToken: "api"}, nil)
		Expect(err).To(HaveOccurred())
		_, err = NewSessionManager(SessionManagerSettings{BaseURL: "http://x"}, nil)
		Expect(err).To(HaveOccurred())
	})

	It("reacquires after Invalidate", func() {
		var getCalls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			getCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"sessionToken": "tok"})
		}))
		defer srv.Close()

		mgr, err := NewSessionManager(SessionManagerSettings{BaseURL: srv.URL, APIToken: "api"}, srv.Client())
		Expect(err).NotTo(HaveOccurred())

		_, _ = mgr.Token(context.Background())
		mgr.Invalidate()
		_, _ = mgr.Token(context.Background())

		Expect(getCalls.Load()).To(Equal(int32(2)))
	})
})
