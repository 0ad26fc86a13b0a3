// Package relay calls the hosted gateway that performs the actual try-on
// generation. The gateway validates the license, spends a credit, and proxies
// the upstream model; this side only ships images and interprets the reply.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/fault"
)

// Observer receives the latency of each gateway call. Nil disables it.
type Observer interface {
	ObserveRelay(d time.Duration)
}

// Client talks to the relay gateway.
type Client struct {
	http             *resty.Client
	previewEndpoint  string
	validateEndpoint string
	licenseKey       string
	siteURL          string
	observer         Observer
	logger           *logrus.Entry
}

// NewClient builds a gateway client. The timeout must cover the gateway's
// own polling of the upstream model, which can take most of a minute.
func NewClient(cfg config.RelayConfig, observer Observer) *Client {
	return &Client{
		http:             resty.New().SetTimeout(cfg.Timeout),
		previewEndpoint:  cfg.PreviewEndpoint,
		validateEndpoint: cfg.ValidateEndpoint,
		licenseKey:       cfg.LicenseKey,
		siteURL:          cfg.SiteURL,
		observer:         observer,
		logger:           logrus.WithField("module", "relay"),
	}
}

type previewRequest struct {
	ModelImage    string `json:"model_image"`
	GarmentImage  string `json:"garment_image"`
	Category      string `json:"category"`
	LicenseKey    string `json:"license_key"`
	ClientSiteURL string `json:"client_site_url"`
}

type previewResponse struct {
	ImageURL string `json:"image_url"`
	Error    string `json:"error"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// LicenseStatus is the gateway's view of the installed license.
type LicenseStatus struct {
	Status        string `json:"status"`
	Expires       string `json:"expires"`
	Credits       int    `json:"credits"`
	PlanProductID int64  `json:"plan_product_id"`
}

// dataURI wraps JPEG bytes in the inline form the gateway expects.
func dataURI(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}

// GeneratePreview submits both images and returns the URL of the generated
// preview. Both inputs must already be JPEG encoded.
func (c *Client) GeneratePreview(ctx context.Context, modelJPEG, garmentJPEG []byte, category string) (string, error) {
	req := previewRequest{
		ModelImage:    dataURI(modelJPEG),
		GarmentImage:  dataURI(garmentJPEG),
		Category:      category,
		LicenseKey:    c.licenseKey,
		ClientSiteURL: c.siteURL,
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(c.previewEndpoint)
	if c.observer != nil {
		c.observer.ObserveRelay(time.Since(start))
	}
	if err != nil {
		if isTimeout(err) {
			return "", fault.New(fault.UpstreamTimeout, fmt.Errorf("relay gateway timed out: %w", err))
		}
		return "", fault.New(fault.RelayUnreachable, fmt.Errorf("calling relay gateway: %w", err))
	}

	var body previewResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fault.Newf(fault.UnknownRelayError, "unparseable relay response, status %d", resp.StatusCode())
	}

	if resp.StatusCode() == 200 && body.ImageURL != "" {
		return body.ImageURL, nil
	}

	cat, detail := resolveFailure(body, resp.StatusCode())
	c.logger.WithFields(logrus.Fields{
		"status":   resp.StatusCode(),
		"code":     body.Code,
		"category": string(cat),
	}).Warn("Relay gateway rejected preview request")
	return "", fault.Newf(cat, "%s", detail)
}

// isTimeout tells a call that ran out of time apart from one that never
// connected. Connection refusals are not timeouts.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// resolveFailure maps a gateway error reply to a failure category. A
// structured code wins over the bare error string.
func resolveFailure(body previewResponse, status int) (fault.Category, string) {
	if body.Code != "" {
		msg := body.Message
		if msg == "" {
			msg = body.Code
		}
		return categoryForCode(body.Code), msg
	}
	if body.Error != "" {
		return fault.UnknownRelayError, body.Error
	}
	return fault.UnknownRelayError, fmt.Sprintf("relay returned status %d with no error detail", status)
}

func categoryForCode(code string) fault.Category {
	switch code {
	case "no_license_key", "invalid_key", "site_mismatch":
		return fault.LicenseInvalid
	case "license_inactive", "license_expired":
		return fault.LicenseExpired
	case "no_credits":
		return fault.QuotaExhausted
	case "fashnai_run_failed", "fashnai_prediction_failed", "fashnai_run_wp_error",
		"fashnai_status_wp_error", "fashnai_no_output":
		return fault.UpstreamProcessingFailed
	case "fashnai_timeout":
		return fault.UpstreamTimeout
	case "missing_images", "missing_params", "auth_required":
		return fault.RequestMalformed
	default:
		return fault.UnknownRelayError
	}
}

// ValidateLicense asks the gateway whether the configured license is active
// and how many credits remain.
func (c *Client) ValidateLicense(ctx context.Context) (*LicenseStatus, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"license_key": c.licenseKey,
			"site_url":    c.siteURL,
		}).
		Post(c.validateEndpoint)
	if err != nil {
		return nil, fault.New(fault.RelayUnreachable, fmt.Errorf("calling license endpoint: %w", err))
	}

	var body struct {
		LicenseStatus
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fault.Newf(fault.UnknownRelayError, "unparseable license response, status %d", resp.StatusCode())
	}

	if resp.StatusCode() != 200 || body.Code != "" {
		cat, detail := resolveFailure(previewResponse{Code: body.Code, Message: body.Message}, resp.StatusCode())
		return nil, fault.Newf(cat, "%s", detail)
	}
	return &body.LicenseStatus, nil
}
