package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// WebhookResult is the outcome of one webhook call.
type WebhookResult struct {
	Success    bool
	StatusCode int
}

// WebhookSender fires the webhook configured on a managed certificate.
type WebhookSender struct {
	HTTPClient common.HTTPClientInterface
}

// Send calls the item's webhook. $domain, $subject, $status and $certpath are replaced in
// the URL and body. Without a configured body, POST and PUT send a JSON summary.
func (s *WebhookSender) Send(ctx context.Context, item *common.ManagedCertificate, success bool) (*WebhookResult, error) {
	cfg := item.RequestConfig
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, common.NewWebhookError("send", "no webhook URL configured")
	}

	status := "success"
	if !success {
		status = "error"
	}
	replacer := strings.NewReplacer(
		"$domain", cfg.PrimaryDomain,
		"$subject", item.Name,
		"$status", status,
		"$certpath", item.CertificatePath,
	)

	method := strings.ToUpper(strings.TrimSpace(cfg.WebhookMethod))
	if method == "" {
		method = http.MethodPost
	}
	contentType := cfg.WebhookContentType
	if contentType == "" {
		contentType = "application/json"
	}

	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut {
		payload := replacer.Replace(cfg.WebhookContentBody)
		if strings.TrimSpace(cfg.WebhookContentBody) == "" {
			data, err := json.Marshal(map[string]interface{}{
				"Success":       success,
				"Domain":        cfg.PrimaryDomain,
				"Subject":       item.Name,
				"ManagedItemId": item.ID,
			})
			if err != nil {
				return nil, common.WrapError(err, common.ErrorTypeWebhook, "send", "encoding webhook body")
			}
			payload = string(data)
		}
		body = strings.NewReader(payload)
	}

	url := replacer.Replace(cfg.WebhookURL)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, common.WrapError(err, common.ErrorTypeWebhook, "send", "creating webhook request").
			AddContext("url", url)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "go-acme-cert-manager")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		appErr := common.NewWebhookError("send", fmt.Sprintf("calling %s", url))
		appErr.Underlying = err
		return nil, appErr
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return &WebhookResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}, nil
}
