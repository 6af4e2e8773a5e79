package httpapi_test

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mailarchive/mailjobs"
	"github.com/mailarchive/mailjobs/httpapi"
	"github.com/mailarchive/mailjobs/memarchive"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("API", func() {
	var (
		archive *memarchive.Archive
		router  *gin.Engine
	)

	do := func(method, path, user string, body any) *httptest.ResponseRecorder {
		var reader *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		if user != "" {
			req.Header.Set(httpapi.HeaderUserID, user)
		}
		if user == "root" {
			req.Header.Set(httpapi.HeaderUserRole, "admin")
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, into any) {
		Expect(json.Unmarshal(rec.Body.Bytes(), into)).To(Succeed())
	}

	waitDone := func(path, user string) map[string]any {
		var view map[string]any
		Eventually(func(g Gomega) {
			rec := do(http.MethodGet, path, user, nil)
			g.Expect(rec.Code).To(Equal(http.StatusOK))
			view = map[string]any{}
			g.Expect(json.Unmarshal(rec.Body.Bytes(), &view)).To(Succeed())
			g.Expect(view["status"]).To(BeElementOf("completed", "failed", "cancelled"))
		}, 10*time.Second, 10*time.Millisecond).Should(Succeed())
		return view
	}

	BeforeEach(func() {
		archive = memarchive.NewArchive()
		archive.AddAccount("acc-a", "alice", "alice@example.com")
		archive.AddAccount("acc-b", "bob", "bob@example.com")

		cfg := mailjobs.DefaultConfig()
		cfg.ArtifactDir = GinkgoT().TempDir()
		cfg.HousekeepingSpec = ""
		cfg.Workers = 2

		engine, err := mailjobs.NewEngine(cfg, mailjobs.Deps{Messages: archive, Clients: memarchive.NewProvider()}, testLogger())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(engine.Close)
		router = httpapi.New(engine, testLogger()).Router()
	})

	It("should answer health checks without identity", func() {
		Expect(do(http.MethodGet, "/health", "", nil).Code).To(Equal(http.StatusNoContent))
	})

	It("should require the user header", func() {
		rec := do(http.MethodGet, "/jobs/restore", "", nil)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("should run small restores inline", func() {
		ids := archive.Seed("acc-a", "INBOX", 3)
		rec := do(http.MethodPost, "/jobs/restore", "alice", mailjobs.RestorePayload{AccountID: "acc-a", Folder: "R", MessageIDs: ids})
		Expect(rec.Code).To(Equal(http.StatusOK))

		var outcome mailjobs.Outcome
		decode(rec, &outcome)
		Expect(outcome.Decision).To(Equal(mailjobs.DecisionRunInline))
		Expect(outcome.Result.Succeeded).To(Equal(3))
	})

	It("should queue large restores and expose their status", func() {
		ids := archive.Seed("acc-a", "INBOX", 700)
		rec := do(http.MethodPost, "/jobs/restore", "alice", mailjobs.RestorePayload{AccountID: "acc-a", Folder: "R", MessageIDs: ids})
		Expect(rec.Code).To(Equal(http.StatusAccepted))

		var outcome mailjobs.Outcome
		decode(rec, &outcome)
		location := rec.Header().Get("Location")
		Expect(location).To(Equal("/jobs/restore/" + outcome.JobID))

		view := waitDone(location, "alice")
		Expect(view["status"]).To(Equal("completed"))
		Expect(view["succeeded"]).To(BeEquivalentTo(700))
		Expect(view["progress_percent"]).To(BeEquivalentTo(100))

		Expect(do(http.MethodGet, location, "bob", nil).Code).To(Equal(http.StatusForbidden))
		Expect(do(http.MethodGet, location, "root", nil).Code).To(Equal(http.StatusOK))

		rec = do(http.MethodGet, "/jobs/restore?limit=5", "alice", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var list struct {
			Jobs []map[string]any `json:"jobs"`
		}
		decode(rec, &list)
		Expect(list.Jobs).To(HaveLen(1))

		rec = do(http.MethodPost, location+"/cancel", "alice", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`{"cancelled": false}`))
	})

	It("should stream an export once", func() {
		archive.Seed("acc-a", "INBOX", 4)
		rec := do(http.MethodPost, "/jobs/export", "alice", mailjobs.ExportPayload{AccountID: "acc-a"})
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		location := rec.Header().Get("Location")

		view := waitDone(location, "alice")
		artifact := view["artifact"].(map[string]any)
		Expect(artifact["available"]).To(BeTrue())

		rec = do(http.MethodGet, location+"/download", "alice", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/zip"))
		Expect(rec.Header().Get("Content-Disposition")).To(HavePrefix("attachment; filename="))
		zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
		Expect(err).NotTo(HaveOccurred())
		Expect(zr.File).To(HaveLen(4))

		Expect(do(http.MethodGet, location+"/download", "alice", nil).Code).To(Equal(http.StatusGone))
	})

	It("should stage ids and submit them with the token", func() {
		ids := archive.Seed("acc-a", "INBOX", 5)
		rec := do(http.MethodPost, "/staged/restore", "alice", mailjobs.RestorePayload{AccountID: "acc-a", Folder: "R", MessageIDs: ids})
		Expect(rec.Code).To(Equal(http.StatusCreated))
		var staged mailjobs.Staged
		decode(rec, &staged)
		Expect(staged.Token).NotTo(BeEmpty())

		rec = do(http.MethodPost, "/staged/restore/"+staged.Token, "bob", mailjobs.RestorePayload{AccountID: "acc-a", Folder: "R"})
		Expect(rec.Code).To(Equal(http.StatusGone))

		rec = do(http.MethodPost, "/staged/restore/"+staged.Token, "alice", mailjobs.RestorePayload{AccountID: "acc-a", Folder: "R"})
		Expect(rec.Code).To(Equal(http.StatusOK))
		var outcome mailjobs.Outcome
		decode(rec, &outcome)
		Expect(outcome.Result.Succeeded).To(Equal(5))
	})

	DescribeTable("error mapping",
		func(method, path, user, body string, code int) {
			req := httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(httpapi.HeaderUserID, user)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(code))
			Expect(rec.Body.String()).To(ContainSubstring(`"error"`))
		},
		Entry("unknown kind", http.MethodPost, "/jobs/bogus", "alice", `{}`, http.StatusBadRequest),
		Entry("malformed body", http.MethodPost, "/jobs/restore", "alice", `{`, http.StatusBadRequest),
		Entry("empty selection", http.MethodPost, "/jobs/restore", "alice", `{"account_id":"acc-a","folder":"R","message_ids":[]}`, http.StatusBadRequest),
		Entry("foreign account", http.MethodPost, "/jobs/export", "bob", `{"account_id":"acc-a"}`, http.StatusForbidden),
		Entry("unknown job", http.MethodGet, "/jobs/restore/nope", "alice", ``, http.StatusNotFound),
		Entry("unknown token", http.MethodPost, "/staged/restore/nope", "alice", `{"account_id":"acc-a","folder":"R"}`, http.StatusGone),
		Entry("bad limit", http.MethodGet, "/jobs/restore?limit=x", "alice", ``, http.StatusBadRequest),
	)
})
