package integration_test

import (
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S3 — duplicate registration (spec §8).
var _ = Describe("Duplicate registration", Label("integration", "s3"), func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	AfterEach(func() {
		h.Close()
	})

	It("rejects a second register call for the same id with a different pid", func() {
		first := map[string]any{
			"jsonrpc": "2.0", "id": 1, "method": "proxy/register",
			"params": map[string]any{"id": "X", "port": 4001, "pid": 111},
		}
		resp1, body1 := postJSON(h.server.URL, first, nil)
		Expect(resp1.StatusCode).To(Equal(http.StatusOK))
		Expect(string(body1)).To(ContainSubstring(`"status":"registered"`))

		second := map[string]any{
			"jsonrpc": "2.0", "id": 2, "method": "proxy/register",
			"params": map[string]any{"id": "X", "port": 4002, "pid": 222},
		}
		resp2, body2 := postJSON(h.server.URL, second, nil)
		Expect(resp2.StatusCode).To(Equal(http.StatusConflict))

		var rpcErr struct {
			Error struct {
				Code int `json:"code"`
				Data struct {
					ExistingPID int `json:"existing_pid"`
				} `json:"data"`
			} `json:"error"`
		}
		Expect(json.Unmarshal(body2, &rpcErr)).To(Succeed())
		Expect(rpcErr.Error.Code).To(Equal(-32000))
		Expect(rpcErr.Error.Data.ExistingPID).To(Equal(111))

		snap, ok := h.reg.Get("X")
		Expect(ok).To(BeTrue())
		Expect(snap.PID).To(Equal(111))
		Expect(snap.Port).To(Equal(4001))
	})
})
