package integration_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/mcprepl-proxy/pkg/registry"
)

// S2 — outage and recovery (spec §8). The backend is "SIGSTOPped" by
// simply never answering; this harness drives the same state transitions
// a stalled HeartbeatMonitor/Reconnector pair would, since this suite
// exercises TransportFront/Router end to end rather than timing the real
// 30s/60s windows.
var _ = Describe("Outage and recovery", Label("integration", "s2"), func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	AfterEach(func() {
		h.Close()
	})

	It("buffers a request through a disconnected window and flushes it on recovery", func() {
		backend := newBackendWithResult(`{"jsonrpc":"2.0","id":7,"result":{"content":[{"type":"text","text":"recovered"}]}}`)
		defer backend.Close()

		Expect(h.reg.Register("B", backend.port, 222, nil)).To(Succeed())
		h.reg.SetStatus("B", registry.StatusDisconnected, "heartbeat timeout")
		h.bus.PublishBackendEvent("B", "ERROR", map[string]any{"reason": "heartbeat timeout"})

		var (
			wg       sync.WaitGroup
			respBody []byte
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := map[string]any{
				"jsonrpc": "2.0", "id": 7, "method": "eval/run",
				"params": map[string]any{"code": "1+1"},
			}
			_, body := postJSON(h.server.URL, req, map[string]string{"X-MCPRepl-Target": "B"})
			respBody = body
		}()

		// Give the request time to land in the pending queue before
		// recovering the backend.
		Eventually(func() int {
			snap, _ := h.reg.Get("B")
			return snap.PendingCount
		}, 2*time.Second, 10*time.Millisecond).Should(Equal(1))

		Expect(h.reg.Register("B", backend.port, 222, nil)).To(Succeed())

		wg.Wait()
		Expect(string(respBody)).To(ContainSubstring("recovered"))

		snap, ok := h.reg.Get("B")
		Expect(ok).To(BeTrue())
		Expect(snap.Status).To(Equal(registry.StatusReady))
		Expect(snap.PendingCount).To(Equal(0))
	})
})
