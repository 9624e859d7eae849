package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const statusReportAttempts = 3

// StatusReport is the document posted for an item with failure notifications enabled.
type StatusReport struct {
	ManagedItemID       string              `json:"ManagedItemId"`
	Name                string              `json:"Name"`
	PrimaryDomain       string              `json:"PrimaryDomain"`
	Status              common.RequestState `json:"Status"`
	Message             string              `json:"Message,omitempty"`
	RenewalFailureCount int                 `json:"RenewalFailureCount"`
	Health              common.Health       `json:"Health"`
	DateExpiry          *time.Time          `json:"DateExpiry,omitempty"`
	DateLastAttempt     *time.Time          `json:"DateLastRenewalAttempt,omitempty"`
}

// HTTPStatusReporter posts StatusReports to a fixed URL, retrying server errors.
type HTTPStatusReporter struct {
	URL        string
	HTTPClient common.HTTPClientInterface
	RetryDelay time.Duration
}

var _ common.StatusReporter = (*HTTPStatusReporter)(nil)

// ReportStatus posts the item's current status.
func (r *HTTPStatusReporter) ReportStatus(ctx context.Context, item *common.ManagedCertificate) error {
	data, err := json.Marshal(StatusReport{
		ManagedItemID:       item.ID,
		Name:                item.Name,
		PrimaryDomain:       item.RequestConfig.PrimaryDomain,
		Status:              item.LastRenewalStatus,
		Message:             item.RenewalFailureMessage,
		RenewalFailureCount: item.RenewalFailureCount,
		Health:              item.Health(),
		DateExpiry:          item.DateExpiry,
		DateLastAttempt:     item.DateLastRenewalAttempt,
	})
	if err != nil {
		return fmt.Errorf("encoding status report: %w", err)
	}

	delay := r.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), statusReportAttempts-1),
		ctx,
	)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("status report rejected with %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("status report rejected with %d", resp.StatusCode))
		}
		return nil
	}, policy)
}
