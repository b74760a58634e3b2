package integration_test

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// S6 — dashboard directories (spec §8).
var _ = Describe("Dashboard directories", Label("integration", "s6"), func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness()
	})

	AfterEach(func() {
		h.Close()
	})

	It("flags a Julia project and lists its subdirectories sorted and truncated", func() {
		root := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(root, "Project.toml"), []byte("name = \"demo\"\n"), 0o644)).To(Succeed())

		names := []string{"zeta", "alpha", "mid", ".hidden"}
		for _, n := range names {
			Expect(os.Mkdir(filepath.Join(root, n), 0o755)).To(Succeed())
		}
		for i := 0; i < 25; i++ {
			Expect(os.Mkdir(filepath.Join(root, "bulk"+strconv.Itoa(i)), 0o755)).To(Succeed())
		}

		resp, err := http.Get(h.server.URL + "/dashboard/api/directories?path=" + url.QueryEscape(root))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var out struct {
			IsJuliaProject bool `json:"is_julia_project"`
			Truncated      bool `json:"truncated"`
			Directories    []struct {
				Name string `json:"name"`
			} `json:"directories"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())

		Expect(out.IsJuliaProject).To(BeTrue())
		Expect(out.Truncated).To(BeTrue())
		Expect(out.Directories).To(HaveLen(20))
		for _, d := range out.Directories {
			Expect(d.Name).NotTo(HavePrefix("."))
		}
		Expect(sortedAscending(out.Directories)).To(BeTrue())
	})
})

func sortedAscending(dirs []struct {
	Name string `json:"name"`
}) bool {
	for i := 1; i < len(dirs); i++ {
		if dirs[i-1].Name > dirs[i].Name {
			return false
		}
	}
	return true
}
