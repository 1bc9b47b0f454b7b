package scansession

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Session", func() {
	var (
		device  *mockDevice
		clock   *clockwork.FakeClock
		cfg     Config
		session *Session
		ctx     context.Context
	)

	const tick = 500 * time.Millisecond

	state := func() State { return session.Snapshot().State }

	// advanceTicks moves the clock one poll interval at a time, waiting for
	// each tick's status fetch before moving on
	advanceTicks := func(n int) {
		for i := 0; i < n; i++ {
			want := device.StatusCalls() + 1
			clock.Advance(tick)
			Eventually(device.StatusCalls).Should(Equal(want))
		}
	}

	BeforeEach(func() {
		device = newMockDevice()
		clock = clockwork.NewFakeClock()
		cfg = Config{}
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		session = New(device, cfg, WithClock(clock), WithIDGenerator(fixedIDs{}))
	})

	AfterEach(func() {
		session.Close()
		device.mu.Lock()
		if device.gate != nil {
			select {
			case <-device.gate:
			default:
				close(device.gate)
			}
		}
		device.mu.Unlock()
	})

	Describe("New", func() {
		It("should start in the ready state", func() {
			snap := session.Snapshot()
			Expect(snap.State).To(Equal(StateReady))
			Expect(snap.Title).To(Equal("Ready to Scan"))
			Expect(snap.Icon).To(Equal("🔍"))
			Expect(snap.Image).To(BeNil())
		})

		It("should fill default timings", func() {
			Expect(session.Config().PollInterval).To(Equal(500 * time.Millisecond))
			Expect(session.Config().ScanTimeout).To(Equal(15 * time.Second))
		})

		When("timings are configured", func() {
			BeforeEach(func() {
				cfg = Config{PollInterval: time.Second, ScanTimeout: 5 * time.Second}
			})

			It("should keep them", func() {
				Expect(session.Config().PollInterval).To(Equal(time.Second))
				Expect(session.Config().ScanTimeout).To(Equal(5 * time.Second))
			})
		})
	})

	Describe("Start", func() {
		When("the trigger succeeds", func() {
			JustBeforeEach(func() {
				Expect(session.Start(ctx)).To(Succeed())
			})

			It("should enter the scanning state", func() {
				snap := session.Snapshot()
				Expect(snap.State).To(Equal(StateScanning))
				Expect(snap.Title).To(Equal("Scanning..."))
				Expect(snap.Message).To(Equal("Place your finger on the sensor"))
				Expect(snap.Icon).To(Equal("⏳"))
				Expect(snap.Attempt).To(Equal(uint64(1)))
			})

			It("should arm both timers", func() {
				poll, timeout := session.timersArmed()
				Expect(poll).To(BeTrue())
				Expect(timeout).To(BeTrue())
			})

			It("should be a no-op when called again", func() {
				before := session.Snapshot()
				Expect(session.Start(ctx)).To(Succeed())
				Expect(device.TriggerCalls()).To(Equal(1))
				Expect(session.Snapshot()).To(Equal(before))
				poll, timeout := session.timersArmed()
				Expect(poll).To(BeTrue())
				Expect(timeout).To(BeTrue())
			})
		})

		When("the trigger is rejected", func() {
			var err error

			BeforeEach(func() {
				device.triggerErr = errors.New("connection refused")
			})

			JustBeforeEach(func() {
				err = session.Start(ctx)
			})

			It("should return a trigger error", func() {
				Expect(err).To(MatchError(ErrTriggerFailed))
			})

			It("should move straight to the error state", func() {
				snap := session.Snapshot()
				Expect(snap.State).To(Equal(StateError))
				Expect(snap.ErrorKind).To(Equal(ErrorTrigger))
				Expect(snap.Title).To(Equal("Scan Failed"))
				Expect(snap.Message).To(Equal("Could not start fingerprint scan"))
			})

			It("should never start polling", func() {
				poll, timeout := session.timersArmed()
				Expect(poll).To(BeFalse())
				Expect(timeout).To(BeFalse())
				clock.Advance(20 * time.Second)
				Consistently(device.StatusCalls, 100*time.Millisecond).Should(BeZero())
			})

			It("should recover on the next start", func() {
				device.mu.Lock()
				device.triggerErr = nil
				device.mu.Unlock()
				Expect(session.Start(ctx)).To(Succeed())
				Expect(state()).To(Equal(StateScanning))
				Expect(session.Snapshot().ErrorKind).To(Equal(ErrorNone))
			})
		})

		When("the session is closed", func() {
			It("should refuse to start", func() {
				session.Close()
				Expect(session.Start(ctx)).To(MatchError(ErrClosed))
				Expect(device.TriggerCalls()).To(BeZero())
			})
		})
	})

	Describe("polling", func() {
		JustBeforeEach(func() {
			Expect(session.Start(ctx)).To(Succeed())
		})

		When("the device reports capturing three times and then success", func() {
			BeforeEach(func() {
				device.script(
					report(StatusCapturing, "Place finger on sensor now..."),
					report(StatusCapturing, ""),
					report(StatusCapturing, ""),
					report(StatusSuccess, "Fingerprint captured successfully!"),
				)
			})

			It("should show the device message while capturing", func() {
				advanceTicks(1)
				Eventually(func() string { return session.Snapshot().Message }).
					Should(Equal("Place finger on sensor now..."))
				Expect(state()).To(Equal(StateScanning))
			})

			It("should fall back to a processing message", func() {
				advanceTicks(2)
				Eventually(func() string { return session.Snapshot().Message }).
					Should(Equal("Processing fingerprint..."))
			})

			It("should end in success with the image loaded", func() {
				advanceTicks(4)
				Eventually(func() *CapturedImage { return session.Snapshot().Image }).ShouldNot(BeNil())

				snap := session.Snapshot()
				Expect(snap.State).To(Equal(StateSuccess))
				Expect(snap.Title).To(Equal("Scan Complete"))
				Expect(snap.Message).To(Equal("Fingerprint captured successfully!"))
				Expect(snap.ImageLoading).To(BeFalse())
				Expect(snap.Image.ID).To(Equal("capture-1"))
				Expect(snap.Image.Data).To(Equal([]byte("BM fake bitmap")))
				Expect(snap.Image.ContentType).To(Equal("image/bmp"))
			})

			It("should stop polling and disarm the timeout", func() {
				advanceTicks(4)
				Eventually(state).Should(Equal(StateSuccess))
				poll, timeout := session.timersArmed()
				Expect(poll).To(BeFalse())
				Expect(timeout).To(BeFalse())

				clock.Advance(20 * time.Second)
				Consistently(device.StatusCalls, 100*time.Millisecond).Should(Equal(4))
				Expect(state()).To(Equal(StateSuccess))
			})
		})

		When("the device reports an error", func() {
			BeforeEach(func() {
				device.script(report(StatusError, "Capture failed: sensor unplugged"))
			})

			It("should propagate the device message", func() {
				advanceTicks(1)
				Eventually(state).Should(Equal(StateError))
				snap := session.Snapshot()
				Expect(snap.ErrorKind).To(Equal(ErrorDevice))
				Expect(snap.Title).To(Equal("Scan Failed"))
				Expect(snap.Message).To(Equal("Capture failed: sensor unplugged"))
			})

			It("should not fetch an image", func() {
				advanceTicks(1)
				Eventually(state).Should(Equal(StateError))
				Consistently(device.ImageCalls, 100*time.Millisecond).Should(BeZero())
			})
		})

		When("the device reports an error without a message", func() {
			BeforeEach(func() {
				device.script(report(StatusError, ""))
			})

			It("should use a generic message", func() {
				advanceTicks(1)
				Eventually(func() string { return session.Snapshot().Message }).
					Should(Equal("An error occurred during scanning"))
			})
		})

		When("the device reports a status the session does not act on", func() {
			BeforeEach(func() {
				device.script(report("ready", "Service ready."), report(StatusSuccess, ""))
			})

			It("should keep scanning", func() {
				advanceTicks(1)
				Consistently(state, 50*time.Millisecond).Should(Equal(StateScanning))
				advanceTicks(1)
				Eventually(state).Should(Equal(StateSuccess))
			})
		})

		When("status fetches fail", func() {
			BeforeEach(func() {
				device.script(
					statusResult{err: errors.New("connection reset")},
					statusResult{err: errors.New("connection reset")},
					report(StatusSuccess, ""),
				)
			})

			It("should keep polling until a report arrives", func() {
				advanceTicks(2)
				Expect(state()).To(Equal(StateScanning))
				advanceTicks(1)
				Eventually(state).Should(Equal(StateSuccess))
			})
		})

		When("the image cannot be loaded", func() {
			BeforeEach(func() {
				device.script(report(StatusSuccess, ""))
				device.imageErr = errors.New("404 No image available")
			})

			It("should end in an image load error", func() {
				advanceTicks(1)
				Eventually(func() ErrorKind { return session.Snapshot().ErrorKind }).Should(Equal(ErrorImageLoad))
				snap := session.Snapshot()
				Expect(snap.State).To(Equal(StateError))
				Expect(snap.Title).To(Equal("Image Load Failed"))
				Expect(snap.Message).To(Equal("Could not load captured fingerprint"))
				Expect(snap.Image).To(BeNil())
			})
		})

		When("the image is empty", func() {
			BeforeEach(func() {
				device.script(report(StatusSuccess, ""))
				device.imageData = nil
			})

			It("should end in an image load error", func() {
				advanceTicks(1)
				Eventually(func() ErrorKind { return session.Snapshot().ErrorKind }).Should(Equal(ErrorImageLoad))
			})
		})
	})

	Describe("timeout", func() {
		JustBeforeEach(func() {
			Expect(session.Start(ctx)).To(Succeed())
		})

		When("every status fetch fails", func() {
			BeforeEach(func() {
				device.script(statusResult{err: errors.New("connection refused")})
			})

			It("should time out at the scan timeout", func() {
				advanceTicks(29)
				Expect(state()).To(Equal(StateScanning))

				// 15000ms: the timeout and the thirtieth tick expire together
				clock.Advance(tick)
				Eventually(state).Should(Equal(StateError))
				snap := session.Snapshot()
				Expect(snap.ErrorKind).To(Equal(ErrorTimeout))
				Expect(snap.Title).To(Equal("Scan Timeout"))
				Expect(snap.Message).To(Equal("No fingerprint detected. Please try again."))

				// 15500ms: the thirty-first tick never polls
				clock.Advance(tick)
				Consistently(device.StatusCalls, 100*time.Millisecond).Should(BeNumerically("<=", 30))
				Expect(session.Snapshot().Seq).To(Equal(snap.Seq))
			})

			It("should disarm the poll timer", func() {
				clock.Advance(15 * time.Second)
				Eventually(state).Should(Equal(StateError))
				poll, timeout := session.timersArmed()
				Expect(poll).To(BeFalse())
				Expect(timeout).To(BeFalse())
			})
		})

		When("a success report is still in flight when the timeout fires", func() {
			BeforeEach(func() {
				device.gate = make(chan struct{})
				device.script(report(StatusSuccess, ""))
			})

			It("should keep the timeout result", func() {
				clock.Advance(tick)
				Eventually(device.StatusCalls).Should(Equal(1))

				clock.Advance(15*time.Second - tick)
				Eventually(state).Should(Equal(StateError))
				Expect(session.Snapshot().ErrorKind).To(Equal(ErrorTimeout))
				seq := session.Snapshot().Seq

				close(device.gate)
				Consistently(state, 100*time.Millisecond).Should(Equal(StateError))
				Expect(session.Snapshot().Seq).To(Equal(seq))
				Expect(device.ImageCalls()).To(BeZero())
			})
		})

		When("the success report is processed before the timeout", func() {
			BeforeEach(func() {
				device.script(report(StatusSuccess, ""))
			})

			It("should keep the success result", func() {
				advanceTicks(1)
				Eventually(func() *CapturedImage { return session.Snapshot().Image }).ShouldNot(BeNil())
				seq := session.Snapshot().Seq

				clock.Advance(20 * time.Second)
				Consistently(state, 100*time.Millisecond).Should(Equal(StateSuccess))
				Expect(session.Snapshot().Seq).To(Equal(seq))
			})
		})
	})

	Describe("Cancel", func() {
		When("a scan is in progress", func() {
			JustBeforeEach(func() {
				Expect(session.Start(ctx)).To(Succeed())
				session.Cancel()
			})

			It("should return to ready", func() {
				snap := session.Snapshot()
				Expect(snap.State).To(Equal(StateReady))
				Expect(snap.Title).To(Equal("Scan Cancelled"))
				Expect(snap.Message).To(Equal(`Click "Start Scan" to try again`))
			})

			It("should disarm both timers", func() {
				poll, timeout := session.timersArmed()
				Expect(poll).To(BeFalse())
				Expect(timeout).To(BeFalse())
				clock.Advance(20 * time.Second)
				Consistently(device.StatusCalls, 100*time.Millisecond).Should(BeZero())
				Expect(state()).To(Equal(StateReady))
			})
		})

		When("a success report arrives after cancelling", func() {
			BeforeEach(func() {
				device.gate = make(chan struct{})
				device.script(report(StatusSuccess, ""))
			})

			It("should ignore the late report", func() {
				Expect(session.Start(ctx)).To(Succeed())
				clock.Advance(tick)
				Eventually(device.StatusCalls).Should(Equal(1))

				session.Cancel()
				close(device.gate)

				Consistently(state, 100*time.Millisecond).Should(Equal(StateReady))
				Expect(device.ImageCalls()).To(BeZero())
			})
		})

		When("no scan is in progress", func() {
			It("should do nothing", func() {
				before := session.Snapshot()
				session.Cancel()
				Expect(session.Snapshot()).To(Equal(before))
			})
		})
	})

	Describe("Retake", func() {
		BeforeEach(func() {
			device.script(report(StatusSuccess, ""))
		})

		It("should discard the image and start a new attempt", func() {
			Expect(session.Start(ctx)).To(Succeed())
			advanceTicks(1)
			Eventually(func() *CapturedImage { return session.Snapshot().Image }).ShouldNot(BeNil())

			Expect(session.Retake(ctx)).To(Succeed())
			snap := session.Snapshot()
			Expect(snap.State).To(Equal(StateScanning))
			Expect(snap.Image).To(BeNil())
			Expect(snap.Attempt).To(Equal(uint64(2)))
			Expect(device.TriggerCalls()).To(Equal(2))
		})

		It("should publish only the new scanning state", func() {
			Expect(session.Start(ctx)).To(Succeed())
			advanceTicks(1)
			Eventually(func() *CapturedImage { return session.Snapshot().Image }).ShouldNot(BeNil())

			var published []Snapshot
			session.Subscribe(func(snap Snapshot) {
				published = append(published, snap)
			})
			Expect(session.Retake(ctx)).To(Succeed())

			Expect(published).To(HaveLen(1))
			Expect(published[0].State).To(Equal(StateScanning))
			Expect(published[0].Image).To(BeNil())
		})
	})

	Describe("Close", func() {
		When("a scan is in progress", func() {
			JustBeforeEach(func() {
				Expect(session.Start(ctx)).To(Succeed())
			})

			It("should disarm both timers without a transition", func() {
				before := session.Snapshot()
				session.Close()

				poll, timeout := session.timersArmed()
				Expect(poll).To(BeFalse())
				Expect(timeout).To(BeFalse())

				snap := session.Snapshot()
				Expect(snap.State).To(Equal(StateScanning))
				Expect(snap.Seq).To(Equal(before.Seq))
			})

			It("should never time out afterwards", func() {
				session.Close()
				clock.Advance(20 * time.Second)
				Consistently(state, 100*time.Millisecond).Should(Equal(StateScanning))
				Expect(device.StatusCalls()).To(BeZero())
			})
		})

		When("a success report is in flight", func() {
			BeforeEach(func() {
				device.gate = make(chan struct{})
				device.script(report(StatusSuccess, ""))
			})

			JustBeforeEach(func() {
				Expect(session.Start(ctx)).To(Succeed())
			})

			It("should ignore the report once it arrives", func() {
				clock.Advance(tick)
				Eventually(device.StatusCalls).Should(Equal(1))

				session.Close()
				seq := session.Snapshot().Seq

				close(device.gate)
				Consistently(state, 100*time.Millisecond).Should(Equal(StateScanning))
				Expect(session.Snapshot().Seq).To(Equal(seq))
				Expect(device.ImageCalls()).To(BeZero())
			})
		})

		It("should be safe to call twice", func() {
			session.Close()
			session.Close()
			Expect(state()).To(Equal(StateReady))
		})
	})

	Describe("image options", func() {
		JustBeforeEach(func() {
			device.script(report(StatusSuccess, ""))
			Expect(session.Start(ctx)).To(Succeed())
			advanceTicks(1)
			Eventually(func() *CapturedImage { return session.Snapshot().Image }).ShouldNot(BeNil())
		})

		When("base64 caching is enabled", func() {
			BeforeEach(func() {
				cfg.CacheBase64 = true
			})

			It("should store the encoding on the image", func() {
				Expect(session.Snapshot().Image.Base64).To(Equal(base64.StdEncoding.EncodeToString([]byte("BM fake bitmap"))))
			})
		})

		When("base64 caching is disabled", func() {
			It("should encode on demand", func() {
				image := session.Snapshot().Image
				Expect(image.Base64).To(BeEmpty())
				Expect(image.EncodeBase64()).To(Equal(base64.StdEncoding.EncodeToString([]byte("BM fake bitmap"))))
			})
		})
	})

	Describe("WithDescriber", func() {
		It("should record image dimensions", func() {
			device.script(report(StatusSuccess, ""))
			session.Close()
			session = New(device, cfg, WithClock(clock), WithDescriber(func([]byte, string) (int, int) {
				return 256, 288
			}))
			Expect(session.Start(ctx)).To(Succeed())
			advanceTicks(1)
			Eventually(func() *CapturedImage { return session.Snapshot().Image }).ShouldNot(BeNil())
			Expect(session.Snapshot().Image.Width).To(Equal(256))
			Expect(session.Snapshot().Image.Height).To(Equal(288))
		})
	})

	Describe("Subscribe", func() {
		var (
			mu     sync.Mutex
			states []State
		)

		observed := func() []State {
			mu.Lock()
			defer mu.Unlock()
			return append([]State(nil), states...)
		}

		JustBeforeEach(func() {
			states = nil
			session.Subscribe(func(snap Snapshot) {
				mu.Lock()
				states = append(states, snap.State)
				mu.Unlock()
			})
		})

		It("should deliver transitions in order", func() {
			device.script(report(StatusSuccess, ""))
			Expect(session.Start(ctx)).To(Succeed())
			advanceTicks(1)
			Eventually(observed).Should(Equal([]State{StateScanning, StateSuccess, StateSuccess}))
		})

		It("should stop delivering after unsubscribe", func() {
			var count int
			unsubscribe := session.Subscribe(func(Snapshot) { count++ })
			unsubscribe()
			Expect(session.Start(ctx)).To(Succeed())
			Expect(count).To(BeZero())
			Expect(observed()).To(Equal([]State{StateScanning}))
		})
	})
})
