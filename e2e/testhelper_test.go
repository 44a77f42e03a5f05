package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/manimstudio/api/internal/auth"
	"github.com/manimstudio/api/internal/client"
	"github.com/manimstudio/api/internal/config"
	"github.com/manimstudio/api/internal/events"
	"github.com/manimstudio/api/internal/handler"
	"github.com/manimstudio/api/internal/middleware"
	"github.com/manimstudio/api/internal/model"
	"github.com/manimstudio/api/internal/queue"
	"github.com/manimstudio/api/internal/service"
	"github.com/manimstudio/api/internal/store"
	"github.com/manimstudio/api/internal/worker"
	ws "github.com/manimstudio/api/internal/websocket"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUserID    = "test-user-123"

	sceneSource = "from manim import *\n\nclass PromptAnimation(Scene):\n    def construct(self):\n        self.play(Create(Circle()))\n        self.wait()"
)

// stubServer is an upstream whose next reply can be changed mid-test
type stubServer struct {
	mu     sync.Mutex
	status int
	body   string
	calls  int
	srv    *httptest.Server
}

func newStubServer(t *testing.T, status int, body string) *stubServer {
	t.Helper()
	s := &stubServer{status: status, body: body}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status, body := s.status, s.body
		s.calls++
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubServer) reply(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.body = status, body
}

func (s *stubServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// chatReply encodes an OpenAI-style chat completion carrying content
func chatReply(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

// taskRecorder stands in for the asynq client and keeps what was enqueued
type taskRecorder struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (r *taskRecorder) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(r.tasks)), Queue: "render"}, nil
}

func (r *taskRecorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *taskRecorder) take() []*asynq.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.tasks
	r.tasks = nil
	return tasks
}

type fixedStats struct{}

func (fixedStats) Stats(context.Context) (*model.QueueStatsResponse, error) {
	return &model.QueueStatsResponse{Queue: "render", Pending: 2, Completed: 5}, nil
}

// testApp holds all components needed for testing
type testApp struct {
	app       *fiber.App
	store     store.ProjectStore
	tasks     *taskRecorder
	worker    *worker.RenderWorker
	policy    queue.Policy
	generator *stubServer
	renderer  *stubServer
	redis     *redis.Client
}

// setupApp wires the same components as cmd/server against miniredis and
// stub generator and render services.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	generatorStub := newStubServer(t, http.StatusOK, chatReply("```python\n"+sceneSource+"\n```"))
	rendererStub := newStubServer(t, http.StatusOK, `{"video_url":"https://renders.example.com/out.mp4"}`)

	generatorClient := client.NewGeneratorClient(&config.GeneratorConfig{
		APIKey:  "test-key",
		BaseURL: generatorStub.srv.URL,
		Model:   "test-model",
		Timeout: 2 * time.Second,
	})
	rendererClient := client.NewRendererClient(&config.RendererConfig{
		URL:     rendererStub.srv.URL,
		Timeout: 2 * time.Second,
	})

	policy := queue.DefaultPolicy()
	policy.BaseDelay = time.Millisecond

	projects := store.NewRedisStore(redisClient)
	publisher := events.NewPublisher(redisClient, logger)
	recorder := &taskRecorder{}
	renderQueue := queue.NewQueue(recorder, policy)

	projectService := service.NewProjectService(projects, generatorClient, renderQueue, publisher, logger)
	renderWorker := worker.NewRenderWorker(projects, rendererClient, nil, publisher, policy, logger)

	validate, err := handler.NewValidator()
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	hub := ws.NewHub(logger)
	go hub.Run()

	authenticator := auth.NewAuthenticator(nil, testJWTSecret)

	app := fiber.New(fiber.Config{BodyLimit: 1024 * 1024})
	handler.Register(app, handler.Routes{
		Projects:    handler.NewProjectHandler(projectService, validate, hub),
		Queue:       handler.NewQueueHandler(fixedStats{}),
		Auth:        handler.NewAuthHandler(authenticator),
		APIAuth:     middleware.NewAuthMiddleware(authenticator).Authenticate(),
		RateLimiter: middleware.NewRateLimiter(redisClient, logger),
		// very high limits so tests don't get blocked
		RateLimit: config.RateLimitConfig{GeneratePerMin: 10000, RenderPerHour: 10000},
		Services: fiber.Map{
			"generator": true,
			"renderer":  true,
			"r2":        false,
			"auth":      true,
			"store":     "redis",
		},
	})

	return &testApp{
		app:       app,
		store:     projects,
		tasks:     recorder,
		worker:    renderWorker,
		policy:    policy,
		generator: generatorStub,
		renderer:  rendererStub,
		redis:     redisClient,
	}
}

// drain runs every enqueued job through the worker the way the asynq server
// would, redelivering while the worker asks for a retry.
func (ta *testApp) drain(t *testing.T) []worker.Result {
	t.Helper()
	var results []worker.Result
	for _, task := range ta.tasks.take() {
		job, err := queue.DecodeRenderTask(task)
		if err != nil {
			t.Fatalf("failed to decode task: %v", err)
		}
		for attempt := 1; attempt <= ta.policy.MaxAttempts; attempt++ {
			res := ta.worker.Process(context.Background(), job, attempt)
			results = append(results, res)
			if res.Outcome != worker.OutcomeRetry {
				break
			}
		}
	}
	return results
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(userID, userID+"@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as the default test user.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	return doAuthRequestAs(t, app, testUserID, method, path, body)
}

// doAuthRequestAs performs a request as userID.
func doAuthRequestAs(t *testing.T, app *fiber.App, userID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, userID),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
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

// parseProject decodes a project response body.
func parseProject(t *testing.T, resp *http.Response) *model.Project {
	t.Helper()
	body := readBody(t, resp)
	var p model.Project
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("failed to parse project: %v\nbody: %s", err, body)
	}
	return &p
}

// errorCode returns error.code from an error response.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object in response, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// createProject creates a project and returns it.
func createProject(t *testing.T, ta *testApp, prompt string) *model.Project {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	resp := doAuthRequest(t, ta.app, http.MethodPost, "/api/projects", string(body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: expected 201, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	return parseProject(t, resp)
}
