package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// rateLimitCode is returned by the token endpoint when it is called more
// than once per minute.
const rateLimitCode = "EGW00133"

// rateLimitRetryDelay waits out the per-minute window before retrying a
// rate limited token request.
const rateLimitRetryDelay = 65 * time.Second

// CredentialProvider issues and caches the two credentials the upstream
// requires: an approval key for the realtime websocket and an access token
// for REST quotations. Both are cached for the configured TTL so the
// once-per-minute issuance limit is never hit in normal operation.
type CredentialProvider struct {
	cfg    config.KisConfig
	client *http.Client
	log    *logger.Entry

	mu               sync.Mutex
	approvalKey      string
	approvalIssuedAt time.Time
	accessToken      string
	tokenIssuedAt    time.Time
}

func NewCredentialProvider(cfg config.KisConfig) *CredentialProvider {
	return &CredentialProvider{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout.Std(),
		},
		log: logger.GetLogger().WithComponent("kis-oauth"),
	}
}

// ApprovalKey returns a cached approval key, issuing a fresh one when the
// cache is empty or older than the configured TTL.
func (p *CredentialProvider) ApprovalKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.approvalKey != "" && time.Since(p.approvalIssuedAt) < p.cfg.ApprovalTTL.Std() {
		return p.approvalKey, nil
	}
	return p.issueApprovalLocked(ctx)
}

// RefreshApprovalKey discards the cached approval key and issues a new one.
// Used when the upstream rejects a subscribe with a stale-credential error.
func (p *CredentialProvider) RefreshApprovalKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.approvalKey = ""
	return p.issueApprovalLocked(ctx)
}

// AccessToken returns a cached REST access token, issuing a fresh one when
// the cache is empty or older than the configured TTL.
func (p *CredentialProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Since(p.tokenIssuedAt) < p.cfg.ApprovalTTL.Std() {
		return p.accessToken, nil
	}
	return p.issueTokenLocked(ctx)
}

// RefreshAccessToken discards the cached access token and issues a new one.
func (p *CredentialProvider) RefreshAccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.accessToken = ""
	return p.issueTokenLocked(ctx)
}

func (p *CredentialProvider) issueApprovalLocked(ctx context.Context) (string, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     p.cfg.AppKey,
		"secretkey":  p.cfg.AppSecret,
	}

	var resp struct {
		ApprovalKey string `json:"approval_key"`
	}
	if err := p.postJSON(ctx, "/oauth2/Approval", body, &resp); err != nil {
		return "", fmt.Errorf("approval key request failed: %w", err)
	}
	if resp.ApprovalKey == "" {
		return "", fmt.Errorf("approval key response contained no approval_key")
	}

	p.approvalKey = resp.ApprovalKey
	p.approvalIssuedAt = time.Now()
	p.log.WithFields(logger.Fields{
		"issued_at": p.approvalIssuedAt.Format(time.RFC3339),
	}).Info("Issued realtime approval key")
	return p.approvalKey, nil
}

func (p *CredentialProvider) issueTokenLocked(ctx context.Context) (string, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     p.cfg.AppKey,
		"appsecret":  p.cfg.AppSecret,
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ErrorCode   string `json:"error_code"`
		ErrorDesc   string `json:"error_description"`
	}
	err := p.postJSON(ctx, "/oauth2/tokenP", body, &resp)
	if err == nil && resp.ErrorCode == rateLimitCode {
		// Token issuance is limited to once per minute. Wait out the
		// window and retry once rather than surfacing the failure.
		p.log.WithFields(logger.Fields{
			"retry_after": rateLimitRetryDelay.String(),
		}).Warn("Token issuance rate limited, waiting before retry")
		select {
		case <-time.After(rateLimitRetryDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		err = p.postJSON(ctx, "/oauth2/tokenP", body, &resp)
	}
	if err != nil {
		return "", fmt.Errorf("access token request failed: %w", err)
	}
	if resp.AccessToken == "" {
		if resp.ErrorDesc != "" {
			return "", fmt.Errorf("access token rejected: %s (%s)", resp.ErrorDesc, resp.ErrorCode)
		}
		return "", fmt.Errorf("access token response contained no access_token")
	}

	p.accessToken = resp.AccessToken
	p.tokenIssuedAt = time.Now()
	p.log.WithFields(logger.Fields{
		"issued_at": p.tokenIssuedAt.Format(time.RFC3339),
	}).Info("Issued REST access token")
	return p.accessToken, nil
}

func (p *CredentialProvider) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	url := strings.TrimRight(p.cfg.RESTBaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s (status %d): %w", path, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		p.log.WithFields(logger.Fields{
			"path":   path,
			"status": resp.StatusCode,
		}).Warn("Credential endpoint returned non-OK status")
	}
	return nil
}
