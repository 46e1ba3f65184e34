package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pdfcompare/api/internal/client"
	"github.com/pdfcompare/api/internal/config"
	"github.com/pdfcompare/api/internal/handler"
	"github.com/pdfcompare/api/internal/middleware"
	"github.com/pdfcompare/api/internal/model"
	"github.com/pdfcompare/api/internal/service"
)

const (
	testJWTSecret  = "test-secret-for-e2e"
	testUploadMax  = 1024 * 1024
	testPoll       = 5 * time.Millisecond
	waitFor        = 2 * time.Second
	pollEvery      = 10 * time.Millisecond
	matchedFixture = `{
		"paragraphs": [[], [{"uid": "p-b-1", "page": 0, "bbox": [10, 10, 200, 40], "text": "Hello"}], [{"uid": "p-a-4", "page": 1, "bbox": [10, 50, 200, 80], "text": "Bye"}]],
		"images": [[], [], []],
		"tables": [[], [], []]
	}`
	diffFixture = `{
		"paragraphs": [],
		"images": [{"uid_a": "img-a", "uid_b": "img-b", "page": 2, "bbox": [0, 0, 50, 50], "phash_a": "ff00", "phash_b": "ff0f"}],
		"tables": []
	}`
)

// fakeEngine serves the comparison engine API from memory
type fakeEngine struct {
	srv *httptest.Server

	mu       sync.Mutex
	jobs     int
	polls    map[string]int
	failWith string
	params   []map[string]string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{polls: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/compare", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		e.jobs++
		id := fmt.Sprintf("job%d", e.jobs)
		e.params = append(e.params, map[string]string{
			"text_threshold":  r.FormValue("text_threshold"),
			"image_threshold": r.FormValue("image_threshold"),
		})
		e.mu.Unlock()
		writeJSON(w, model.CompareResponse{JobID: id, State: model.StateQueued})
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/status/")
		e.mu.Lock()
		e.polls[id]++
		n := e.polls[id]
		fail := e.failWith
		e.mu.Unlock()

		status := model.StatusResponse{JobID: id, State: model.StateRunning, Progress: []model.ProgressEvent{
			{Step: "extract", Status: model.StepDone, Message: "extracted", TS: "2024-01-01T00:00:00Z"},
		}}
		switch {
		case n == 1:
			status.State = model.StateQueued
			status.Progress = []model.ProgressEvent{}
		case n >= 3 && fail != "":
			status.State = model.StateError
			status.Error = &fail
		case n >= 3:
			status.State = model.StateDone
		}
		writeJSON(w, status)
	})
	mux.HandleFunc("/result/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/result/")
		base := "/files/" + id + "/"
		writeJSON(w, model.ResultDescriptor{
			JobID: id,
			State: model.StateDone,
			Files: model.InputFiles{
				FileA: model.FileMeta{Name: "a.pdf", DownloadURL: base + "a.pdf"},
				FileB: model.FileMeta{Name: "b.pdf", DownloadURL: base + "b.pdf"},
			},
			Outputs: model.Outputs{
				AnnotatedAPDF:  base + "annotated_a.pdf",
				AnnotatedBPDF:  base + "annotated_b.pdf",
				ExtractedAJSON: base + "extracted_a.json",
				ExtractedBJSON: base + "extracted_b.json",
				MatchedJSON:    base + "matched.json",
				DiffJSON:       base + "diff.json",
				SummaryMD:      base + "summary.md",
				DetailedJSON:   base + "detailed.json",
			},
		})
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/matched.json"):
			_, _ = w.Write([]byte(matchedFixture))
		case strings.HasSuffix(r.URL.Path, "/diff.json"):
			_, _ = w.Write([]byte(diffFixture))
		default:
			http.NotFound(w, r)
		}
	})

	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *fakeEngine) submittedParams() []map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]map[string]string{}, e.params...)
}

func (e *fakeEngine) failJobs(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failWith = msg
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	engine   *fakeEngine
	sessions *service.SessionService
}

// setupApp creates a Fiber app wired like main.go against a fake engine and
// an in-memory snapshot store.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	engine := newFakeEngine(t)
	validate := validator.New()

	compareClient := client.NewCompareClient(&config.RemoteConfig{BaseURL: engine.srv.URL, Timeout: 5})
	resolver := service.NewResolver(compareClient, compareClient.BaseURL())
	aggregator := service.NewAggregator(compareClient, service.DefaultLabelMax)
	sessions := service.NewSessionService(compareClient, resolver, aggregator, service.NewMemoryStore(), nil, service.SessionOptions{
		PollInterval: testPoll,
	})
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })

	sessionHandler := handler.NewSessionHandler(sessions, validate, testUploadMax)
	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(nil)

	app := fiber.New(fiber.Config{
		BodyLimit: 4 * testUploadMax,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := compareClient.HealthCheck(c.Context()); err != nil {
			return c.JSON(fiber.Map{"status": "degraded", "engine": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok", "engine": "ok"})
	})

	api := app.Group("/api", authMiddleware.Authenticate())
	s := api.Group("/sessions")
	s.Post("/", sessionHandler.Create)
	s.Post("/:sessionId/compare", rateLimiter.CompareLimit(10000), sessionHandler.Compare)
	s.Get("/:sessionId", sessionHandler.Get)
	s.Get("/:sessionId/changes", sessionHandler.Changes)
	s.Post("/:sessionId/select/:changeId", sessionHandler.Select)
	s.Delete("/:sessionId", sessionHandler.Delete)

	return &testApp{app: app, engine: engine, sessions: sessions}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := middleware.UserClaims{
		UserID: "test-user-123",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "pdfcompare-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request without a body.
func doAuthRequest(t *testing.T, app *fiber.App, method, path string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, nil, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
}

// upload describes one file part of a compare request
type upload struct {
	field       string
	name        string
	contentType string
	body        string
}

func pdfUpload(field, name string) upload {
	return upload{field: field, name: name, contentType: "application/pdf", body: "%PDF-1.7\n" + name}
}

// doCompare posts a multipart compare request.
func doCompare(t *testing.T, app *fiber.App, sessionID string, files []upload, fields map[string]string) *http.Response {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, f.field, f.name))
		header.Set("Content-Type", f.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create part: %v", err)
		}
		_, _ = part.Write([]byte(f.body))
	}
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart body: %v", err)
	}

	resp, err := doRequest(app, http.MethodPost, "/api/sessions/"+sessionID+"/compare", &body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
		"Content-Type":  writer.FormDataContentType(),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// createSession opens a session and returns its id.
func createSession(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp, err := doAuthRequest(t, app, http.MethodPost, "/api/sessions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	result := parseJSON(t, resp)
	id, _ := result["sessionId"].(string)
	if id == "" {
		t.Fatalf("expected sessionId in response, got %v", result)
	}
	return id
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
