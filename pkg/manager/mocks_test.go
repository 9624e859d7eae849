package manager

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// mockHTTPClient implements common.HTTPClientInterface for testing
type mockHTTPClient struct {
	responses []*http.Response
	errors    []error
	requests  []*http.Request
	callCount int
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)

	if m.callCount >= len(m.responses) {
		return nil, fmt.Errorf("unexpected request: %s %s", req.Method, req.URL.String())
	}

	response := m.responses[m.callCount]
	var err error
	if m.callCount < len(m.errors) {
		err = m.errors[m.callCount]
	}

	m.callCount++
	return response, err
}

// mockLogger implements common.LoggerInterface for testing
type mockLogger struct {
	debugMessages []string
	infoMessages  []string
	warnMessages  []string
	errorMessages []string
}

func (m *mockLogger) Debug(msg string, args ...interface{}) {
	m.debugMessages = append(m.debugMessages, fmt.Sprint(append([]interface{}{msg}, args...)...))
}
func (m *mockLogger) Info(msg string, args ...interface{}) {
	m.infoMessages = append(m.infoMessages, fmt.Sprint(append([]interface{}{msg}, args...)...))
}
func (m *mockLogger) Warn(msg string, args ...interface{}) {
	m.warnMessages = append(m.warnMessages, fmt.Sprint(append([]interface{}{msg}, args...)...))
}
func (m *mockLogger) Error(msg string, args ...interface{}) {
	m.errorMessages = append(m.errorMessages, fmt.Sprint(append([]interface{}{msg}, args...)...))
}
func (m *mockLogger) Debugf(format string, args ...interface{}) {
	m.debugMessages = append(m.debugMessages, fmt.Sprintf(format, args...))
}
func (m *mockLogger) Infof(format string, args ...interface{}) {
	m.infoMessages = append(m.infoMessages, fmt.Sprintf(format, args...))
}
func (m *mockLogger) Warnf(format string, args ...interface{}) {
	m.warnMessages = append(m.warnMessages, fmt.Sprintf(format, args...))
}
func (m *mockLogger) Errorf(format string, args ...interface{}) {
	m.errorMessages = append(m.errorMessages, fmt.Sprintf(format, args...))
}
func (m *mockLogger) Importantf(format string, args ...interface{}) {
	m.infoMessages = append(m.infoMessages, fmt.Sprintf(format, args...))
}

func (m *mockLogger) contains(messages []string, substr string) bool {
	for _, msg := range messages {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func createMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}
