package step

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pasturehq/pasture/pkg/template"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPStep makes an HTTP request and stores the response body and status
// code under configurable keys in the step's output.
type HTTPStep struct {
	URL           *template.Template
	Method        string
	Body          *template.Template
	Headers       *template.Template // semicolon-separated Key:Value pairs
	Timeout       time.Duration
	ResponseKey   string
	StatusKey     string
	FailNon2xx    bool
	Name          string
	Client        *http.Client
}

// Execute implements Step.
func (s *HTTPStep) Execute(ctx context.Context, data map[string]any) Result {
	start := time.Now()

	urlStr, err := template.Render(s.URL, data)
	if err != nil && urlStr == "" {
		return errorResult(s.Name, start, fmt.Errorf("http step %q: url template: %w", s.Name, err))
	}

	method := s.Method
	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)

	var bodyReader io.Reader
	if s.Body != nil {
		bodyStr, _ := template.Render(s.Body, data)
		bodyReader = strings.NewReader(bodyStr)
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, urlStr, bodyReader)
	if err != nil {
		return errorResult(s.Name, start, fmt.Errorf("http step %q: build request: %w", s.Name, err))
	}

	if s.Headers != nil {
		headersStr, _ := template.Render(s.Headers, data)
		for _, pair := range strings.Split(headersStr, ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			idx := strings.IndexByte(pair, ':')
			if idx < 0 {
				return errorResult(s.Name, start, fmt.Errorf("http step %q: header %q missing ':' separator", s.Name, pair))
			}
			req.Header.Set(strings.TrimSpace(pair[:idx]), strings.TrimSpace(pair[idx+1:]))
		}
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errorResult(s.Name, start, fmt.Errorf("http step %q: request failed: %w", s.Name, err))
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResult(s.Name, start, fmt.Errorf("http step %q: read response body: %w", s.Name, err))
	}

	responseKey := s.ResponseKey
	if responseKey == "" {
		responseKey = "response"
	}
	statusKey := s.StatusKey
	if statusKey == "" {
		statusKey = "status_code"
	}

	output := map[string]any{
		responseKey: string(bodyBytes),
		statusKey:   resp.StatusCode,
	}

	if s.FailNon2xx && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		output["error"] = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return Result{Output: output, Time: time.Since(start).Seconds(), Status: "error"}
	}

	return Result{Output: output, Time: time.Since(start).Seconds(), Status: "success"}
}

func errorResult(name string, start time.Time, err error) Result {
	return Result{
		Output: map[string]any{"response": err.Error(), "error": "step_failed"},
		Time:   time.Since(start).Seconds(),
		Status: "error",
	}
}
