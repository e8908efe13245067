package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

const (
	inquirePricePath = "/uapi/domestic-stock/v1/quotations/inquire-price"
	inquirePriceTrID = "FHKST01010100"
	marketDivKOSPI   = "J"
)

// QuoteClient pulls a single quotation over REST. The poller uses it for
// instruments whose realtime feed is degraded.
type QuoteClient struct {
	cfg   config.KisConfig
	creds *CredentialProvider
	http  *http.Client
	log   *logger.Entry
}

func NewQuoteClient(cfg config.KisConfig, creds *CredentialProvider) *QuoteClient {
	return &QuoteClient{
		cfg:   cfg,
		creds: creds,
		http: &http.Client{
			Timeout: cfg.HTTPTimeout.Std(),
		},
		log: logger.GetLogger().WithComponent("kis-rest"),
	}
}

type inquirePriceResponse struct {
	RtCd   string `json:"rt_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		CurrentPrice  string `json:"stck_prpr"`
		PreviousClose string `json:"stck_sdpr"`
		Change        string `json:"prdy_vrss"`
		ChangeRate    string `json:"prdy_ctrt"`
		ChangeSign    string `json:"prdy_vrss_sign"`
		AccVolume     string `json:"acml_vol"`
	} `json:"output"`
}

// FetchPrice pulls the current quotation for one product code and shapes it
// like a realtime price update, tagged with the REST source so consumers
// can tell pulled data from streamed data.
func (c *QuoteClient) FetchPrice(ctx context.Context, productCode string) (models.Update, error) {
	token, err := c.creds.AccessToken(ctx)
	if err != nil {
		return models.Update{}, fmt.Errorf("failed to obtain access token: %w", err)
	}

	query := url.Values{}
	query.Set("fid_cond_mrkt_div_code", marketDivKOSPI)
	query.Set("fid_input_iscd", productCode)
	endpoint := strings.TrimRight(c.cfg.RESTBaseURL, "/") + inquirePricePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Update{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	req.Header.Set("tr_id", inquirePriceTrID)

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Update{}, fmt.Errorf("quotation request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.Update{}, fmt.Errorf("failed to read quotation response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Token likely expired mid-cache. Refresh once and let the next
		// poll cycle retry.
		if _, refreshErr := c.creds.RefreshAccessToken(ctx); refreshErr != nil {
			c.log.WithError(refreshErr).Warn("Token refresh after 401 failed")
		}
		return models.Update{}, fmt.Errorf("quotation request unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return models.Update{}, fmt.Errorf("quotation request returned status %d", resp.StatusCode)
	}

	var parsed inquirePriceResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return models.Update{}, fmt.Errorf("failed to decode quotation response: %w", err)
	}
	if parsed.RtCd != "0" {
		return models.Update{}, fmt.Errorf("quotation rejected (rt_cd=%s): %s", parsed.RtCd, parsed.Msg1)
	}

	price := parseFloatField(parsed.Output.CurrentPrice)
	if price <= 0 {
		return models.Update{}, fmt.Errorf("quotation response carried no price")
	}

	// Recompute change against the previous close; the upstream's own
	// delta can lag the price field.
	change := parseFloatField(parsed.Output.Change)
	changeRate := parseFloatField(parsed.Output.ChangeRate)
	if prev := parseFloatField(parsed.Output.PreviousClose); prev > 0 {
		change = price - prev
		changeRate = (change / prev) * 100
	}

	return models.Update{
		ProductID:     productCode,
		Kind:          models.KindPrice,
		Price:         price,
		Change:        change,
		ChangePercent: changeRate,
		ChangeSign:    changeSignLabel(strings.TrimSpace(parsed.Output.ChangeSign)),
		AccVolume:     parseIntField(parsed.Output.AccVolume),
		Source:        models.SourceKisREST,
		ProducedAt:    time.Now(),
	}, nil
}
