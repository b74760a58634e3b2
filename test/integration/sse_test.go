package integration_test

import (
	"bufio"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S5 — SSE correctness (spec §8).
var _ = Describe("Dashboard event stream", Label("integration", "s5"), func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	AfterEach(func() {
		h.Close()
	})

	It("sends a connected frame first, then only update frames for the requested backend", func() {
		req, err := http.NewRequest(http.MethodGet, h.server.URL+"/dashboard/api/events/stream?id=B", nil)
		Expect(err).NotTo(HaveOccurred())

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		reader := bufio.NewReader(resp.Body)
		connected := readSSEFrame(reader)
		Expect(connected).To(ContainSubstring("event: connected"))

		h.bus.PublishBackendEvent("B", "TOOL_CALL", map[string]any{"n": 1})
		h.bus.PublishBackendEvent("C", "TOOL_CALL", map[string]any{"n": 99})
		h.bus.PublishBackendEvent("B", "OUTPUT", map[string]any{"n": 2})
		h.bus.PublishBackendEvent("B", "TOOL_CALL", map[string]any{"n": 3})

		var updates []string
		Eventually(func() int {
			frame := readSSEFrame(reader)
			if frame == "" {
				return len(updates)
			}
			if strings.Contains(frame, "event: update") {
				updates = append(updates, frame)
			}
			return len(updates)
		}, 3*time.Second, 10*time.Millisecond).Should(Equal(3))

		for _, frame := range updates {
			Expect(frame).To(ContainSubstring(`"BackendID":"B"`))
		}
		Expect(updates[0]).To(ContainSubstring(`"n":1`))
		Expect(updates[1]).To(ContainSubstring(`"n":2`))
		Expect(updates[2]).To(ContainSubstring(`"n":3`))
	})
})

// readSSEFrame reads lines up to and including the blank line terminating
// one SSE frame, returning the frame's raw text (sans trailing blank).
func readSSEFrame(r *bufio.Reader) string {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return b.String()
		}
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}
