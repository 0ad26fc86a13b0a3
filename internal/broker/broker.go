// Package broker exchanges the license key for short-lived object storage
// credentials via the relay's two-step token flow.
package broker

import (
	"context"
	"encoding/json"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/fault"
)

// Credentials are the short-lived object storage credentials returned by the
// broker. They are never persisted; each logical operation fetches its own.
type Credentials struct {
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

type tokenRequest struct {
	LicenseKey string `json:"license_key"`
	SiteURL    string `json:"site_url"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Client performs the credential exchange.
type Client struct {
	http                *resty.Client
	tokenEndpoint       string
	credentialsEndpoint string
	licenseKey          string
	siteURL             string
	logger              *logrus.Entry
}

// NewClient creates a broker client for the configured endpoints.
func NewClient(cfg config.BrokerConfig, licenseKey, siteURL string) *Client {
	return &Client{
		http:                resty.New().SetTimeout(cfg.Timeout),
		tokenEndpoint:       cfg.TokenEndpoint,
		credentialsEndpoint: cfg.CredentialsEndpoint,
		licenseKey:          licenseKey,
		siteURL:             siteURL,
		logger:              logrus.WithField("module", "broker"),
	}
}

// Fetch runs the two-step exchange: POST the license key for a short-lived
// token, then GET the secure credentials with it. Every failure maps to
// CredentialUnavailable; callers depending on storage surface
// StorageUnavailable instead of crashing.
func (c *Client) Fetch(ctx context.Context) (Credentials, error) {
	if c.licenseKey == "" {
		return Credentials{}, fault.Newf(fault.CredentialUnavailable, "license key missing, cannot request token")
	}

	var tok tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(tokenRequest{LicenseKey: c.licenseKey, SiteURL: c.siteURL}).
		Post(c.tokenEndpoint)
	if err != nil {
		return Credentials{}, fault.Newf(fault.CredentialUnavailable, "token request: %v", err)
	}
	// Decode explicitly rather than via SetResult so a missing JSON
	// Content-Type on the response does not leave the token empty.
	_ = json.Unmarshal(resp.Body(), &tok)
	if resp.StatusCode() != 200 || tok.Token == "" {
		c.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode(),
		}).Warn("Token not received from broker")
		return Credentials{}, fault.Newf(fault.CredentialUnavailable, "token not received: status %d", resp.StatusCode())
	}

	var creds Credentials
	resp, err = c.http.R().
		SetContext(ctx).
		SetQueryParam("token", tok.Token).
		Get(c.credentialsEndpoint)
	if err != nil {
		return Credentials{}, fault.Newf(fault.CredentialUnavailable, "credential fetch: %v", err)
	}
	if resp.StatusCode() != 200 {
		return Credentials{}, fault.Newf(fault.CredentialUnavailable, "credential fetch: status %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &creds); err != nil {
		return Credentials{}, fault.Newf(fault.CredentialUnavailable, "credential decode: %v", err)
	}
	if creds.Bucket == "" || creds.AccessKey == "" || creds.SecretKey == "" {
		return Credentials{}, fault.Newf(fault.CredentialUnavailable, "incomplete credential response")
	}

	c.logger.WithField("bucket", creds.Bucket).Debug("Received storage credentials from broker")
	return creds, nil
}
