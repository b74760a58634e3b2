package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
)

// S1 — happy path tool call (spec §8).
var _ = Describe("Happy path tool call", Label("integration", "s1"), func() {
	var (
		h       *harness
		backend *httptestServerHandle
	)

	BeforeEach(func() {
		h = newHarness()
		backend = newBackendWithResult(`{"jsonrpc":"2.0","id":2,"result":{"content":[{"type":"text","text":"ok"}]}}`)
		Expect(h.reg.Register("A", backend.port, 111, nil)).To(Succeed())
	})

	AfterEach(func() {
		backend.Close()
		h.Close()
	})

	It("initializes a session then forwards a tool call, logging TOOL_CALL and OUTPUT", func() {
		sub, unsub := h.bus.Subscribe(16)
		defer unsub()

		initReq := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{}}
		resp, body := postJSON(h.server.URL, initReq, map[string]string{"X-MCPRepl-Target": "A"})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		sid := resp.Header.Get("Mcp-Session-Id")
		Expect(sid).NotTo(BeEmpty())

		var initResult struct {
			Result struct {
				Capabilities map[string]any `json:"capabilities"`
			} `json:"result"`
		}
		Expect(json.Unmarshal(body, &initResult)).To(Succeed())
		Expect(initResult.Result.Capabilities).NotTo(BeNil())

		callReq := map[string]any{
			"jsonrpc": "2.0", "id": 2, "method": "tools/call",
			"params": map[string]any{"name": "noop", "arguments": map[string]any{}},
		}
		resp2, body2 := postJSON(h.server.URL, callReq, map[string]string{"Mcp-Session-Id": sid})
		Expect(resp2.StatusCode).To(Equal(http.StatusOK))
		Expect(string(body2)).To(ContainSubstring(`"text":"ok"`))

		var seen []events.Type
		Eventually(func() []events.Type {
			for {
				select {
				case ev := <-sub:
					seen = append(seen, ev.Type)
				default:
					return seen
				}
			}
		}, 2*time.Second).Should(ContainElements(events.TypeToolCall, events.TypeOutput))

		// Exactly one TOOL_CALL/OUTPUT pair, not a duplicate from both the
		// transport and router publishing for the same forwarded call.
		counts := map[events.Type]int{}
		for _, t := range seen {
			counts[t]++
		}
		Expect(counts[events.TypeToolCall]).To(Equal(1))
		Expect(counts[events.TypeOutput]).To(Equal(1))
	})
})

// httptestServerHandle is a thin wrapper letting scenario files start a
// fake backend without re-importing httptest directly in every file.
type httptestServerHandle struct {
	port  int
	close func()
}

func (h *httptestServerHandle) Close() { h.close() }

func newBackendWithResult(body string) *httptestServerHandle {
	s := newFakeBackend(body)
	return &httptestServerHandle{port: serverPort(s.URL), close: s.Close}
}

func postJSON(baseURL string, payload map[string]any, headers map[string]string) (*http.Response, []byte) {
	raw, err := json.Marshal(payload)
	Expect(err).NotTo(HaveOccurred())

	req, err := http.NewRequest(http.MethodPost, baseURL+"/", bytes.NewReader(raw))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp, buf.Bytes()
}
