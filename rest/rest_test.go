package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/pipeworks-io/pipeworks/api"
	"github.com/pipeworks-io/pipeworks/authz"
	"github.com/pipeworks-io/pipeworks/broker"
	"github.com/pipeworks-io/pipeworks/engine"
	"github.com/pipeworks-io/pipeworks/logbus"
	"github.com/pipeworks-io/pipeworks/logger"
	"github.com/pipeworks-io/pipeworks/monitor"
	"github.com/pipeworks-io/pipeworks/pipeline"
	"github.com/pipeworks-io/pipeworks/rest"
	"github.com/pipeworks-io/pipeworks/sanitize"
	"github.com/pipeworks-io/pipeworks/server/middleware"
	"github.com/pipeworks-io/pipeworks/signedurl"
	"github.com/pipeworks-io/pipeworks/store"
)

type nullQueue struct{}

func (nullQueue) WriteMessages(context.Context, ...kafkago.Message) error { return nil }
func (nullQueue) Close() error                                           { return nil }

type testServer struct {
	engine *gin.Engine
	root   string
}

func newTestServer(t *testing.T, policy authz.Policy, ingress map[string]api.EventRule) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewDefault("rest-test")
	mr := miniredis.RunT(t)
	root := t.TempDir()

	st, err := store.New(store.Config{Path: ":memory:"}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b, err := broker.NewWithClients(broker.Config{}, log, nullQueue{}, rdb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })

	bus, err := logbus.New(logbus.Config{Addr: mr.Addr()}, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	eng := engine.New()
	if err := engine.RegisterExamples(eng); err != nil {
		t.Fatal(err)
	}

	provider, err := signedurl.NewLocal(signedurl.Config{
		Provider:      signedurl.ProviderLocal,
		BaseURL:       "http://localhost:5000",
		Secret:        "test-secret",
		Algorithm:     "HS256",
		DownloadRoots: []string{root},
		UploadRoots:   []string{root},
	})
	if err != nil {
		t.Fatal(err)
	}

	san := sanitize.New([]sanitize.Mask{{Prefix: root, Masked: "/data"}}, nil)
	mon := monitor.New(b, bus, log, 50*time.Millisecond)

	svc := api.New(eng, st, b, mon, provider, san, policy, log, api.Options{
		PollInterval:  10 * time.Millisecond,
		IngressEvents: ingress,
	})

	r := gin.New()
	r.Use(middleware.ForwardedIdentity())
	rest.NewHandler(svc, provider, log, nil).Register(r)
	return &testServer{engine: r, root: root}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.engine.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("bad envelope: %v\n%s", err, rr.Body.String())
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("bad data: %v\n%s", err, rr.Body.String())
	}
}

func pipelineBody(state string) map[string]any {
	cfg := func(path string) map[string]any {
		return map[string]any{"type": "text.TextDataset", "filepath": path}
	}
	body := map[string]any{
		"name": "example00",
		"data_catalog": []map[string]any{
			{"name": "text_in", "config": cfg("/data/in.txt")},
			{"name": "timestamped", "config": cfg("/data/out.txt")},
		},
	}
	if state != "" {
		body["state"] = state
	}
	return body
}

func TestCreateAndGetPipeline(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, "POST", "/pipelines", pipelineBody("STAGED"), nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rr.Code, rr.Body.String())
	}
	var created pipeline.Pipeline
	decodeData(t, rr, &created)
	if created.ID == "" {
		t.Fatal("no id assigned")
	}

	rr = ts.do(t, "GET", "/pipelines/"+created.ID, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var got pipeline.Pipeline
	decodeData(t, rr, &got)
	if got.ID != created.ID || got.Name != "example00" {
		t.Fatalf("got %s/%s", got.ID, got.Name)
	}
}

func TestListPipelinesPagination(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	for i := 0; i < 3; i++ {
		if rr := ts.do(t, "POST", "/pipelines", pipelineBody("STAGED"), nil); rr.Code != http.StatusCreated {
			t.Fatalf("seed %d: %d", i, rr.Code)
		}
	}

	rr := ts.do(t, "GET", "/pipelines?limit=2", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var envelope struct {
		Data []pipeline.Pipeline `json:"data"`
		Meta struct {
			Count      int    `json:"count"`
			NextCursor string `json:"nextCursor"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Meta.Count != 2 || len(envelope.Data) != 2 {
		t.Fatalf("count = %d, records = %d", envelope.Meta.Count, len(envelope.Data))
	}
	if envelope.Meta.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	rr = ts.do(t, "GET", "/pipelines?limit=2&cursor="+url.QueryEscape(envelope.Meta.NextCursor), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("second page status = %d", rr.Code)
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, "GET", "/pipelines/nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "NOT_FOUND" {
		t.Fatalf("code = %q", body.Error.Code)
	}
}

func TestForbiddenWithoutIdentity(t *testing.T) {
	ts := newTestServer(t, authz.RequireEmail(), nil)

	if rr := ts.do(t, "POST", "/pipelines", pipelineBody("STAGED"), nil); rr.Code != http.StatusForbidden {
		t.Fatalf("anonymous status = %d", rr.Code)
	}

	rr := ts.do(t, "POST", "/pipelines", pipelineBody("STAGED"), map[string]string{
		"X-Forwarded-Email": "ops@example.com",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("identified status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	if err := os.WriteFile(filepath.Join(ts.root, "in.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	rr := ts.do(t, "POST", "/pipelines", pipelineBody("STAGED"), nil)
	var created pipeline.Pipeline
	decodeData(t, rr, &created)

	rr = ts.do(t, "POST", "/pipelines/"+created.ID+"/datasets/read", map[string]any{
		"datasets": []map[string]any{{"name": "text_in"}},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("read datasets status = %d: %s", rr.Code, rr.Body.String())
	}
	var urls []struct {
		Name string   `json:"name"`
		URLs []string `json:"urls"`
	}
	decodeData(t, rr, &urls)
	if len(urls) != 1 || len(urls[0].URLs) != 1 {
		t.Fatalf("urls = %+v", urls)
	}

	u, err := url.Parse(urls[0].URLs[0])
	if err != nil {
		t.Fatal(err)
	}
	rr = ts.do(t, "GET", "/download?token="+url.QueryEscape(u.Query().Get("token")), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("download status = %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "hello" {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestUploadRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, "POST", "/pipelines", pipelineBody("STAGED"), nil)
	var created pipeline.Pipeline
	decodeData(t, rr, &created)

	rr = ts.do(t, "POST", "/pipelines/"+created.ID+"/datasets/create", map[string]any{
		"datasets": []map[string]any{{"name": "text_in"}},
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create datasets status = %d: %s", rr.Code, rr.Body.String())
	}
	var uploads []struct {
		Name    string `json:"name"`
		Uploads []struct {
			URL    string            `json:"url"`
			Fields map[string]string `json:"fields"`
		} `json:"uploads"`
	}
	decodeData(t, rr, &uploads)
	if len(uploads) != 1 || len(uploads[0].Uploads) != 1 {
		t.Fatalf("uploads = %+v", uploads)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("token", uploads[0].Uploads[0].Fields["token"]); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "in.txt")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, "uploaded")
	_ = mw.Close()

	req := httptest.NewRequest("POST", "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res := httptest.NewRecorder()
	ts.engine.ServeHTTP(res, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", res.Code, res.Body.String())
	}

	data, err := os.ReadFile(filepath.Join(ts.root, "in.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "uploaded" {
		t.Fatalf("file = %q", data)
	}
}

func TestDownloadRejectsForgedToken(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, "GET", "/download?token=forged.token.value", nil, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCloudEventBinaryMode(t *testing.T) {
	ts := newTestServer(t, nil, map[string]api.EventRule{
		"example00": {Source: "scanner", Type: "file.dropped"},
	})

	rr := ts.do(t, "POST", "/events", pipelineBody(""), map[string]string{
		"ce-id":     "evt-7",
		"ce-source": "scanner",
		"ce-type":   "file.dropped",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var created []pipeline.Pipeline
	decodeData(t, rr, &created)
	if len(created) != 1 || created[0].Parent != "evt-7" {
		t.Fatalf("created = %+v", created)
	}

	rr = ts.do(t, "POST", "/events", pipelineBody(""), map[string]string{
		"ce-id":     "evt-8",
		"ce-source": "scanner",
		"ce-type":   "unrelated",
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unmatched status = %d", rr.Code)
	}
}

func TestCloudEventStructuredMode(t *testing.T) {
	ts := newTestServer(t, nil, map[string]api.EventRule{
		"example00": {Source: "scanner", Type: "file.dropped"},
	})

	data, _ := json.Marshal(pipelineBody(""))
	event := map[string]any{
		"id":     "evt-9",
		"source": "scanner",
		"type":   "file.dropped",
		"data":   json.RawMessage(data),
	}
	body, _ := json.Marshal(event)
	req := httptest.NewRequest("POST", "/events", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/cloudevents+json")
	rr := httptest.NewRecorder()
	ts.engine.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestTemplates(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, "GET", "/templates", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var templates []engine.Template
	decodeData(t, rr, &templates)
	if len(templates) == 0 {
		t.Fatal("no templates registered")
	}

	rr = ts.do(t, "GET", "/templates/example00", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	if rr = ts.do(t, "GET", "/templates/ghost", nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing template status = %d", rr.Code)
	}
}
