package kiosk_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/fingerprint-kiosk/internal/capture"
	"github.com/zombor/fingerprint-kiosk/internal/enrollment"
	"github.com/zombor/fingerprint-kiosk/internal/kiosk"
	"github.com/zombor/fingerprint-kiosk/internal/scansession"
)

var _ = Describe("Integration", func() {
	var (
		captureService *ghttp.Server
		backendService *ghttp.Server
		kioskServer    *ghttp.Server
		session        *scansession.Session
		db             *enrollment.BoltDB
		storage        *enrollment.LocalStorage

		mu          sync.Mutex
		polls       int
		uploadNames []string
	)

	post := func(path string, body any) *http.Response {
		var reader io.Reader = http.NoBody
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		method := http.MethodPost
		if path == "/api/enrollment/details" {
			method = http.MethodPut
		}
		req, err := http.NewRequest(method, kioskServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		return resp
	}

	BeforeEach(func() {
		mu.Lock()
		polls = 0
		uploadNames = nil
		mu.Unlock()

		// The capture service reports capturing twice, then success
		captureService = ghttp.NewServer()
		captureService.RouteToHandler(http.MethodPost, "/api/trigger-scan", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			polls = 0
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"success": true, "message": "Scan triggered"}`))
		})
		captureService.RouteToHandler(http.MethodGet, "/api/status", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			status := "capturing"
			if n > 2 {
				status = "success"
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"status": status, "message": "Place finger on sensor now..."})
		})
		captureService.RouteToHandler(http.MethodGet, "/api/image", ghttp.RespondWith(http.StatusOK, "BMfakebitmap", http.Header{"Content-Type": []string{"image/bmp"}}))

		backendService = ghttp.NewServer()
		backendService.RouteToHandler(http.MethodPost, "/api/admin/auth/register", func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.URL.Query().Get("fullName")).To(Equal("Grace Hopper"))
			Expect(r.ParseMultipartForm(1 << 20)).To(Succeed())
			mu.Lock()
			for _, field := range []string{"RightThumbFingerPrints", "LeftThumbFingerPrints"} {
				for _, h := range r.MultipartForm.File[field] {
					uploadNames = append(uploadNames, h.Filename)
				}
			}
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"success": true, "message": "User registered successfully"}`))
		})

		client := capture.NewClientWithHTTP(captureService.URL()+"/api", &http.Client{Timeout: time.Second})
		session = scansession.New(client, scansession.Config{
			PollInterval: 10 * time.Millisecond,
			ScanTimeout:  5 * time.Second,
		}, scansession.WithDescriber(capture.DescribeImage))

		tmpDir := GinkgoT().TempDir()
		var err error
		db, err = enrollment.NewBoltDB(filepath.Join(tmpDir, "kiosk.db"))
		Expect(err).NotTo(HaveOccurred())
		storage, err = enrollment.NewLocalStorage(filepath.Join(tmpDir, "captures"))
		Expect(err).NotTo(HaveOccurred())
		backend, err := enrollment.NewHTTPBackend(enrollment.BackendConfig{BaseURL: backendService.URL() + "/api"})
		Expect(err).NotTo(HaveOccurred())

		service := enrollment.NewService(db, storage, backend)
		server := kiosk.NewServer(session, service, kiosk.BasicAuth{})

		kioskServer = ghttp.NewServer()
		kioskServer.AllowUnhandledRequests = true
		kioskServer.RouteToHandler(http.MethodGet, "/api/session", server.ServeHTTP)
		kioskServer.RouteToHandler(http.MethodPost, "/api/session/start", server.ServeHTTP)
		kioskServer.RouteToHandler(http.MethodPut, "/api/enrollment/details", server.ServeHTTP)
		kioskServer.RouteToHandler(http.MethodPost, "/api/enrollment/captures", server.ServeHTTP)
		kioskServer.RouteToHandler(http.MethodPost, "/api/enrollment/complete", server.ServeHTTP)
	})

	AfterEach(func() {
		kioskServer.Close()
		session.Close()
		captureService.Close()
		backendService.Close()
		db.Close()
	})

	It("should enroll ten scans from the capture service and submit them", func() {
		Expect(post("/api/enrollment/details", map[string]string{
			"fullName": "Grace Hopper",
			"email":    "grace@example.com",
		}).StatusCode).To(Equal(http.StatusOK))

		for i := 0; i < 2*enrollment.CapturesPerSlot; i++ {
			Expect(post("/api/session/start", nil).StatusCode).To(Equal(http.StatusAccepted))
			Eventually(func() *scansession.CapturedImage {
				return session.Snapshot().Image
			}, 2*time.Second, 10*time.Millisecond).ShouldNot(BeNil())

			Expect(post("/api/enrollment/captures", nil).StatusCode).To(Equal(http.StatusCreated))
		}

		Expect(post("/api/enrollment/complete", nil).StatusCode).To(Equal(http.StatusOK))

		mu.Lock()
		defer mu.Unlock()
		Expect(uploadNames).To(HaveLen(10))
		Expect(uploadNames[0]).To(Equal("right_thumb_1.bmp"))
		Expect(uploadNames[9]).To(Equal("left_thumb_5.bmp"))

		draft, err := db.GetDraft()
		Expect(err).NotTo(HaveOccurred())
		Expect(draft.Step).To(Equal(enrollment.StepComplete))
		Expect(draft.Captures[enrollment.SlotLeft]).To(HaveLen(5))

		data, err := storage.Get(draft.Captures[enrollment.SlotRight][0].StoredAs)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("BMfakebitmap")))
	})
})
