// Package modelmanager is the single point of contact with the inference
// backend: it owns the HTTP client, the process-wide model lock, per-model
// health tracking, preload/unload discipline, and fallback selection.
package modelmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pasturehq/pasture/pkg/cache"
	"github.com/pasturehq/pasture/pkg/config"
	"github.com/pasturehq/pasture/pkg/jsonproc"
)

// Status tracks the health of a single model, one per model name.
type Status struct {
	Name         string
	Loaded       bool
	Healthy      bool
	FailureCount int
	LastChecked  *time.Time
	LastUsed     *time.Time
}

// Manager is the Model Manager: the HTTP client to the backend, the model
// lock, and the in-memory health/residency state.
type Manager struct {
	cfg        config.Config
	cache      *cache.Cache
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	nowFn      func() time.Time
	sleepFn    func(context.Context, time.Duration) bool

	// modelLock serializes generate/chat/preload/unload against the
	// backend — the single sequencing lock described in §5.
	modelLock   sync.Mutex
	activeModel string

	statusMu     sync.Mutex
	loadedModels map[string]bool
	statuses     map[string]*Status
}

// New constructs a Manager. cfg.APIBase (or http://localhost:11434 if
// empty) is the backend base URL; c is the response cache.
func New(cfg config.Config, c *cache.Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.APIBase
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := time.Duration(cfg.RequestTimeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	m := &Manager{
		cfg:          cfg,
		cache:        c,
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		logger:       logger,
		nowFn:        time.Now,
		loadedModels: make(map[string]bool),
		statuses:     make(map[string]*Status),
	}
	m.sleepFn = m.defaultSleep
	return m
}

// Close releases the HTTP client's idle connections. Must be called
// exactly once at the end of a session; operations after Close are
// undefined.
func (m *Manager) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}

func (m *Manager) defaultSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ─── HTTP transport ────────────────────────────────────────────────────────

// transportRetryWaits is the chained wait described in the HTTP contract:
// two fixed 1-second waits, then an exponential 2s step, for up to 3
// retries after the initial attempt.
var transportRetryWaits = []time.Duration{time.Second, time.Second, 2 * time.Second}

func (m *Manager) doRequest(ctx context.Context, endpoint, method string, payload map[string]any) (map[string]any, error) {
	url := fmt.Sprintf("%s/api/%s", m.baseURL, endpoint)

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("modelmanager: marshal request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("modelmanager: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return map[string]any{"error": "timeout", "details": err.Error()}, nil
		}
		return map[string]any{"error": "connection_error", "details": err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return map[string]any{"error": fmt.Sprintf("HTTP %d", resp.StatusCode), "details": string(raw)}, nil
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"error": "decode_error", "details": err.Error()}, nil
	}
	return out, nil
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// request wraps doRequest in the transport-level retry chain: connection
// errors and timeouts are retried; non-200 responses and decode failures
// are application-level and returned as-is.
func (m *Manager) request(ctx context.Context, endpoint, method string, payload map[string]any) (map[string]any, error) {
	var result map[string]any
	var err error
	for attempt := 0; ; attempt++ {
		result, err = m.doRequest(ctx, endpoint, method, payload)
		if err != nil {
			return nil, err
		}
		kind, _ := result["error"].(string)
		if kind != "timeout" && kind != "connection_error" {
			return result, nil
		}
		if attempt >= len(transportRetryWaits) {
			return result, nil
		}
		delay := transportRetryWaits[attempt]
		m.logger.Warn("transport error, retrying", "endpoint", endpoint, "attempt", attempt+1, "delay", delay, "kind", kind)
		if !m.sleepFn(ctx, delay) {
			return result, nil
		}
	}
}

func hasError(m map[string]any) bool {
	_, ok := m["error"]
	return ok
}

// ─── Status tracking ───────────────────────────────────────────────────────

func (m *Manager) statusLocked(name string) *Status {
	s, ok := m.statuses[name]
	if !ok {
		s = &Status{Name: name, Healthy: true}
		m.statuses[name] = s
	}
	return s
}

// Status returns a snapshot of the named model's tracked status.
func (m *Manager) Status(name string) Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return *m.statusLocked(name)
}

func (m *Manager) recordFailure(name string) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	s := m.statusLocked(name)
	s.FailureCount++
	if s.FailureCount >= m.cfg.FallbackThreshold && s.Healthy {
		s.Healthy = false
		m.logger.Warn("model marked unhealthy", "model", name, "failures", s.FailureCount)
	}
}

func (m *Manager) touchLastUsed(name string) {
	now := m.nowFn()
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.statusLocked(name).LastUsed = &now
}

// CheckModelHealth pings the model with a one-word "Hello" prompt. It
// returns false without a network call if the model is already marked
// unhealthy. A successful check resets the failure count.
func (m *Manager) CheckModelHealth(ctx context.Context, name string) bool {
	if m.cfg.SimulationMode {
		return true
	}

	m.statusMu.Lock()
	alreadyUnhealthy := !m.statusLocked(name).Healthy
	m.statusMu.Unlock()
	if alreadyUnhealthy {
		m.logger.Warn("model already marked unhealthy", "model", name)
		return false
	}

	m.logger.Info("checking model health", "model", name)
	result, err := m.request(ctx, "generate", http.MethodPost, map[string]any{
		"model": name, "prompt": "Hello", "stream": false,
	})

	now := m.nowFn()
	m.statusMu.Lock()
	m.statusLocked(name).LastChecked = &now
	m.statusMu.Unlock()

	if err != nil || hasError(result) {
		m.logger.Warn("health check failed", "model", name)
		m.recordFailure(name)
		return false
	}

	m.statusMu.Lock()
	st := m.statusLocked(name)
	if st.FailureCount > 0 {
		m.logger.Info("health check passed, resetting failure count", "model", name)
	}
	st.FailureCount = 0
	st.Healthy = true
	m.statusMu.Unlock()
	return true
}

// ─── Preload / unload (caller must hold modelLock) ────────────────────────

func (m *Manager) preloadModelLocked(ctx context.Context, name string) bool {
	if m.cfg.SimulationMode {
		return true
	}
	m.statusMu.Lock()
	already := m.loadedModels[name]
	m.statusMu.Unlock()
	if already {
		return true
	}

	m.logger.Info("preloading model", "model", name)
	result, err := m.request(ctx, "generate", http.MethodPost, map[string]any{"model": name, "prompt": ""})
	if err != nil || hasError(result) {
		m.logger.Error("failed to preload model", "model", name)
		m.recordFailure(name)
		return false
	}

	m.statusMu.Lock()
	m.loadedModels[name] = true
	m.statusLocked(name).Loaded = true
	m.statusMu.Unlock()
	return true
}

func (m *Manager) unloadModelLocked(ctx context.Context, name string) bool {
	if m.cfg.SimulationMode {
		return true
	}
	m.logger.Info("unloading model", "model", name)
	result, err := m.request(ctx, "generate", http.MethodPost, map[string]any{
		"model": name, "prompt": "", "keep_alive": 0,
	})
	if err != nil || hasError(result) {
		m.logger.Error("failed to unload model", "model", name)
		return false
	}

	m.statusMu.Lock()
	delete(m.loadedModels, name)
	m.statusLocked(name).Loaded = false
	m.statusMu.Unlock()
	return true
}

// preloadDiscipline runs inside modelLock: if the backend's active
// resident model differs from name, unload it and preload name. Returns
// false (with an error-shaped caller response expected) on preload failure.
func (m *Manager) preloadDiscipline(ctx context.Context, name string) bool {
	if !m.cfg.PreloadModels || m.activeModel == name {
		return true
	}
	if m.activeModel != "" {
		m.unloadModelLocked(ctx, m.activeModel)
	}
	if !m.preloadModelLocked(ctx, name) {
		return false
	}
	m.activeModel = name
	return true
}

// ─── Application-level retry (Config.Retry) ────────────────────────────────

// retryDelay computes the wait before the given 1-indexed retry attempt,
// per the configured strategy. Mirrors the shape of a classic
// exponential-backoff-with-jitter helper, generalized across the four
// configurable strategies.
func retryDelay(policy config.RetryPolicy, attempt int) time.Duration {
	minWait, maxWait := policy.MinWait, policy.MaxWait
	if maxWait < minWait {
		maxWait = minWait
	}
	var seconds float64
	switch policy.Strategy {
	case config.RetryFixed:
		seconds = minWait
	case config.RetryRandomExponent:
		base := minWait * math.Pow(2, float64(attempt-1))
		if base > maxWait {
			base = maxWait
		}
		seconds = base * (0.5 + rand.Float64())
	case config.RetryExponential, "":
		seconds = minWait * math.Pow(2, float64(attempt-1))
	default:
		seconds = minWait
	}
	if seconds > maxWait {
		seconds = maxWait
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func maxAttempts(policy config.RetryPolicy) int {
	if policy.Strategy == config.RetryNone {
		return 1
	}
	if policy.MaxAttempts <= 0 {
		return 1
	}
	return policy.MaxAttempts + 1
}

// ─── Generate / chat ────────────────────────────────────────────────────────

// GenerateWithModel generates a completion from model for prompt, applying
// caching, simulation mode, preload discipline, and the configured
// application-level retry policy. Never returns a Go error for
// model/backend failures — those are represented as an "error" key in the
// returned object, matching the rest of this system's JSON-object
// contract.
func (m *Manager) GenerateWithModel(ctx context.Context, model, prompt string, options map[string]any) map[string]any {
	key := cache.BuildKey(model, prompt, options)
	if cached, ok := m.cache.Get(key); ok {
		m.logger.Info("using cached response", "model", model)
		if obj, ok := cached.(map[string]any); ok {
			return obj
		}
	}

	if m.cfg.SimulationMode {
		return m.simulateGenerate(key, model, prompt)
	}

	m.modelLock.Lock()
	defer m.modelLock.Unlock()

	m.touchLastUsed(model)
	if !m.preloadDiscipline(ctx, model) {
		return map[string]any{"error": "model_load_failed", "response": fmt.Sprintf("failed to load model %s", model)}
	}

	policy := m.cfg.Retry
	attempts := maxAttempts(policy)
	var lastResult map[string]any
	var lastExecTime float64

	for attempt := 1; attempt <= attempts; attempt++ {
		m.logger.Info("generating", "model", model, "attempt", attempt, "of", attempts)

		payload := map[string]any{"model": model, "prompt": prompt, "stream": false}
		if options != nil {
			payload["options"] = options
		}

		start := m.nowFn()
		result, err := m.request(ctx, "generate", http.MethodPost, payload)
		execTime := m.nowFn().Sub(start).Seconds()
		lastExecTime = execTime

		if err != nil {
			lastResult = map[string]any{"error": "request_failed", "details": err.Error(), "execution_time": execTime}
			m.recordFailure(model)
		} else if hasError(result) {
			m.recordFailure(model)
			lastResult = map[string]any{"error": result["error"], "response": fmt.Sprintf("error from backend: %v", result["details"]), "execution_time": execTime}
		} else {
			lastResult = m.processGenerateSuccess(result, execTime)
			if lastResult["error"] == "response_too_short" {
				m.recordFailure(model)
			} else {
				m.cache.Set(key, lastResult, time.Hour)
				return lastResult
			}
		}

		if attempt < attempts {
			m.sleepFn(ctx, retryDelay(policy, attempt))
		}
	}

	if lastResult == nil {
		lastResult = map[string]any{"error": "request_failed", "execution_time": lastExecTime}
	}
	return lastResult
}

func (m *Manager) processGenerateSuccess(result map[string]any, execTime float64) map[string]any {
	text, _ := result["response"].(string)
	if len(strings.TrimSpace(text)) < m.cfg.MinResponseLength {
		return map[string]any{"error": "response_too_short", "response": text, "execution_time": execTime}
	}

	var output map[string]any
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		output = jsonproc.Parse(text)
	} else {
		output = map[string]any{"response": text}
	}

	output["execution_time"] = execTime
	for _, k := range []string{"eval_count", "eval_duration", "total_duration", "load_duration"} {
		if v, ok := result[k]; ok {
			output[k] = v
		}
	}
	return output
}

func (m *Manager) simulateGenerate(key, model, prompt string) map[string]any {
	var response string
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "economic"):
		response = fmt.Sprintf("Simulated economic analysis from %s.", model)
	case strings.Contains(lower, "social"):
		response = fmt.Sprintf("Simulated social analysis from %s.", model)
	case strings.Contains(lower, "ethical"):
		response = fmt.Sprintf("Simulated ethical analysis from %s.", model)
	case strings.Contains(lower, "combine"), strings.Contains(lower, "integrat"):
		response = fmt.Sprintf("Simulated integrated summary from %s.", model)
	default:
		preview := prompt
		if len(preview) > 50 {
			preview = preview[:50]
		}
		response = fmt.Sprintf("Simulated response from %s to: %s...", model, preview)
	}
	out := map[string]any{"response": response, "execution_time": 0.5}
	m.cache.Set(key, out, time.Hour)
	return out
}

// GenerateWithChat generates a chat completion using the backend's chat
// endpoint. format, if non-nil, is passed through as the backend's
// structured-output "format" field (a JSON-Schema document).
func (m *Manager) GenerateWithChat(ctx context.Context, model string, messages []map[string]any, options map[string]any, format any) map[string]any {
	key := cache.BuildChatKey(model, messages, options, format)
	if cached, ok := m.cache.Get(key); ok {
		m.logger.Info("using cached chat response", "model", model)
		if obj, ok := cached.(map[string]any); ok {
			return obj
		}
	}

	if m.cfg.SimulationMode {
		return m.simulateChat(key, model, messages)
	}

	m.modelLock.Lock()
	defer m.modelLock.Unlock()

	m.touchLastUsed(model)
	if !m.preloadDiscipline(ctx, model) {
		return map[string]any{"error": "model_load_failed", "message": map[string]any{"content": fmt.Sprintf("failed to load model %s", model)}}
	}

	policy := m.cfg.Retry
	attempts := maxAttempts(policy)
	var lastResult map[string]any

	for attempt := 1; attempt <= attempts; attempt++ {
		m.logger.Info("generating chat response", "model", model, "attempt", attempt, "of", attempts)

		payload := map[string]any{"model": model, "messages": messages, "stream": false}
		if options != nil {
			payload["options"] = options
		}
		if format != nil {
			payload["format"] = format
		}

		start := m.nowFn()
		result, err := m.request(ctx, "chat", http.MethodPost, payload)
		execTime := m.nowFn().Sub(start).Seconds()

		if err != nil {
			lastResult = map[string]any{"error": "request_failed", "details": err.Error(), "execution_time": execTime}
			m.recordFailure(model)
		} else if hasError(result) {
			m.recordFailure(model)
			lastResult = map[string]any{"error": result["error"], "message": map[string]any{"content": fmt.Sprintf("error from backend: %v", result["details"])}, "execution_time": execTime}
		} else {
			lastResult = m.processChatSuccess(result, execTime)
			if !hasError(lastResult) {
				m.cache.Set(key, lastResult, time.Hour)
				return lastResult
			}
			m.recordFailure(model)
		}

		if attempt < attempts {
			m.sleepFn(ctx, retryDelay(policy, attempt))
		}
	}

	if lastResult == nil {
		lastResult = map[string]any{"error": "request_failed"}
	}
	return lastResult
}

func (m *Manager) processChatSuccess(result map[string]any, execTime float64) map[string]any {
	msg, _ := result["message"].(map[string]any)
	content, _ := msg["content"].(string)
	if len(strings.TrimSpace(content)) < m.cfg.MinResponseLength {
		return map[string]any{"error": "response_too_short", "message": map[string]any{"content": content}, "execution_time": execTime}
	}
	result["execution_time"] = execTime
	result["response"] = content
	return result
}

func (m *Manager) simulateChat(key, model string, messages []map[string]any) map[string]any {
	var content string
	for i := len(messages) - 1; i >= 0; i-- {
		if role, _ := messages[i]["role"].(string); role == "user" {
			content, _ = messages[i]["content"].(string)
			break
		}
	}
	preview := content
	if len(preview) > 50 {
		preview = preview[:50]
	}
	reply := fmt.Sprintf("Simulated chat response from %s to: %s...", model, preview)
	out := map[string]any{
		"message":        map[string]any{"role": "assistant", "content": reply},
		"execution_time": 0.5,
		"response":       reply,
	}
	m.cache.Set(key, out, time.Hour)
	return out
}

// GenerateText implements jsonproc.ModelCaller: a minimal text-in/text-out
// surface used by the JSON patch loop. It never returns an error object;
// the object's "error" key (if any) is surfaced as a Go error instead,
// since PatchWithModel needs a clean success/failure split.
func (m *Manager) GenerateText(model, prompt string, options map[string]any) (string, error) {
	result := m.GenerateWithModel(context.Background(), model, prompt, options)
	if hasError(result) {
		return "", fmt.Errorf("modelmanager: generate failed: %v", result["error"])
	}
	text, _ := result["response"].(string)
	return text, nil
}

// ─── Available models / fallback selection ─────────────────────────────────

var excludeSubstrings = []string{"embed", "whisper", "70b", "large"}

var sizeSuffix = regexp.MustCompile(`(\d+(?:\.\d+)?)b`)

func isExcludedModel(name string) bool {
	lower := strings.ToLower(name)
	for _, term := range excludeSubstrings {
		if strings.Contains(lower, term) {
			return true
		}
	}
	if m := sizeSuffix.FindStringSubmatch(lower); m != nil {
		if size, err := strconv.ParseFloat(m[1], 64); err == nil && size >= 32 {
			return true
		}
	}
	return false
}

// GetAvailableModels returns the backend's model list, filtered to exclude
// embedding/transcription models and oversized variants.
func (m *Manager) GetAvailableModels(ctx context.Context) []string {
	if m.cfg.SimulationMode {
		m.logger.Info("simulation mode enabled, using synthetic model list")
		return []string{"llama3", "mistral", "phi3", "gemma"}
	}

	result, err := m.request(ctx, "tags", http.MethodGet, nil)
	if err != nil || hasError(result) {
		m.logger.Error("failed to get available models")
		return nil
	}

	raw, ok := result["models"].([]any)
	if !ok {
		m.logger.Error("unexpected response format from backend")
		return nil
	}

	var out []string
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" || isExcludedModel(name) {
			continue
		}
		out = append(out, name)
	}
	m.logger.Info("found compatible models", "count", len(out))
	return out
}

var fallbackHints = []struct {
	substr string
	score  int
}{
	{"tiny", 50},
	{"mini", 40},
	{"small", 30},
	{"2b", 25},
	{"7b", 20},
	{"base", 10},
}

func fallbackScore(name string) int {
	lower := strings.ToLower(name)
	for _, hint := range fallbackHints {
		if strings.Contains(lower, hint.substr) {
			return hint.score
		}
	}
	return 0
}

// GetFallbackModel picks the highest-scoring healthy candidate other than
// failedModel, or "" if none are healthy.
func (m *Manager) GetFallbackModel(ctx context.Context, failedModel string, candidates []string) string {
	type scored struct {
		name  string
		score int
	}
	var healthy []scored
	for _, name := range candidates {
		if name == failedModel {
			continue
		}
		if m.CheckModelHealth(ctx, name) {
			healthy = append(healthy, scored{name, fallbackScore(name)})
		}
	}
	if len(healthy) == 0 {
		m.logger.Warn("no healthy fallback models available")
		return ""
	}
	sort.SliceStable(healthy, func(i, j int) bool { return healthy[i].score > healthy[j].score })
	m.logger.Info("selected fallback model", "model", healthy[0].name)
	return healthy[0].name
}
