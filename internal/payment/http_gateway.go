package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"vacuum-rental-backend/config"
	"vacuum-rental-backend/internal/apperr"
)

// chargeResponse models the gateway's reply.
type chargeResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		PaymentID string `json:"payment_id"`
	} `json:"data"`
}

// HTTPGateway creates charges through a JSON HTTP endpoint.
type HTTPGateway struct {
	cfg    *config.PaymentConfig
	client *http.Client
	log    *zap.SugaredLogger
}

// NewHTTPGateway creates a gateway client. An invalid proxy URL is logged and ignored.
func NewHTTPGateway(cfg *config.PaymentConfig, log *zap.SugaredLogger) *HTTPGateway {
	var transport http.RoundTripper = &http.Transport{}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Warnf("invalid payment proxy URL %q: %v; connecting directly", cfg.HTTPProxy, err)
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &HTTPGateway{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		log: log,
	}
}

// CreateCharge posts the charge and returns the gateway's payment id.
func (g *HTTPGateway) CreateCharge(ctx context.Context, charge ChargeRequest) (string, error) {
	jsonBody, err := json.Marshal(charge)
	if err != nil {
		return "", fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.GatewayURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", apperr.Payment(apperr.ReasonGatewayFailure, err, "failed to create charge request")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range g.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", apperr.Payment(apperr.ReasonGatewayFailure, err, "charge request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.Payment(apperr.ReasonGatewayFailure, nil, "gateway returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Payment(apperr.ReasonGatewayFailure, err, "failed to read gateway response")
	}

	var cr chargeResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", apperr.Payment(apperr.ReasonGatewayFailure, err, "failed to decode gateway response")
	}
	if cr.Code != 0 {
		return "", apperr.Payment(apperr.ReasonPaymentDeclined, nil, "charge declined (code %d): %s", cr.Code, cr.Message)
	}
	if cr.Data.PaymentID == "" {
		return "", apperr.Payment(apperr.ReasonGatewayFailure, nil, "gateway returned no payment id")
	}

	g.log.Infof("created charge %s for session %s (%d)", cr.Data.PaymentID, charge.SessionID, charge.Amount)
	return cr.Data.PaymentID, nil
}
