package bridge

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var (
		clock  *clockwork.FakeClock
		comm   *CommDir
		server *Server
	)

	BeforeEach(func() {
		clock = clockwork.NewFakeClockAt(time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC))
		var err error
		comm, err = NewCommDir(GinkgoT().TempDir(), clock)
		Expect(err).NotTo(HaveOccurred())
		server = NewServer(comm, nil, clock)
	})

	do := func(method, target string) *http.Response {
		resp, err := server.App().Test(httptest.NewRequest(method, target, nil), -1)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response) map[string]any {
		defer resp.Body.Close()
		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return body
	}

	Describe("GET /health", func() {
		It("should report ok", func() {
			resp := do(http.MethodGet, "/health")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decode(resp)
			Expect(body["status"]).To(Equal("ok"))
			Expect(body["time"]).To(Equal("2025-01-15T10:30:00Z"))
		})
	})

	Describe("GET /api/status", func() {
		It("should report a missing worker", func() {
			body := decode(do(http.MethodGet, "/api/status"))
			Expect(body["status"]).To(Equal("error"))
			Expect(body["error"]).To(Equal("status_file_missing"))
		})

		It("should return the worker's status", func() {
			Expect(comm.WriteStatus(StatusCapturing, "Place finger on sensor now...", "")).To(Succeed())
			body := decode(do(http.MethodGet, "/api/status"))
			Expect(body["status"]).To(Equal("capturing"))
			Expect(body["message"]).To(Equal("Place finger on sensor now..."))
			Expect(body).To(HaveKeyWithValue("image_path", BeNil()))
		})

		It("should fail on a corrupt status file", func() {
			Expect(comm.writeAtomic(StatusFile, []byte("not json"))).To(Succeed())
			resp := do(http.MethodGet, "/api/status")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(decode(resp)["error"]).To(Equal("Error reading status"))
		})
	})

	Describe("GET /api/image", func() {
		It("should return 404 before any capture", func() {
			resp := do(http.MethodGet, "/api/image")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(decode(resp)["error"]).To(Equal("No image available"))
		})

		It("should return the latest capture", func() {
			Expect(comm.WriteImage([]byte("BMpixels"))).To(Succeed())
			resp := do(http.MethodGet, "/api/image")
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/bmp"))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("BMpixels")))
		})
	})

	Describe("POST /api/trigger-scan", func() {
		It("should raise the request flag", func() {
			resp := do(http.MethodPost, "/api/trigger-scan")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decode(resp)
			Expect(body["success"]).To(BeTrue())
			Expect(body["message"]).To(Equal("Scan triggered"))
			Expect(comm.Path(RequestFlagFile)).To(BeAnExistingFile())
		})

		It("should not accept GET", func() {
			resp := do(http.MethodGet, "/api/trigger-scan")
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	It("should allow cross-origin requests", func() {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("Origin", "http://kiosk.local")
		resp, err := server.App().Test(req, -1)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
	})
})
