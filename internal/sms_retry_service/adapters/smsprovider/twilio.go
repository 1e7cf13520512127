package smsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioSendSuccessResponse is the subset of the Messages resource we read.
type TwilioSendSuccessResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// TwilioErrorResponse is the REST API error body.
type TwilioErrorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// TwilioProvider sends messages through the Twilio Messages API.
type TwilioProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
}

// NewTwilioProvider creates a new TwilioProvider. A nil httpClient gets a client
// with a 10 second timeout.
func NewTwilioProvider(logger *slog.Logger, baseURL, accountSID, authToken, fromNumber string, httpClient *http.Client) *TwilioProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}
	return &TwilioProvider{
		logger:     logger.With("provider", "twilio"),
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
	}
}

func (p *TwilioProvider) GetName() string {
	return "twilio"
}

// Send posts one message. Provider rejections come back as *domain.SendError
// carrying the Twilio error code; network failures are returned wrapped.
func (p *TwilioProvider) Send(ctx context.Context, recipient, body string) (string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, url.PathEscape(p.accountSID))

	form := url.Values{}
	form.Set("To", recipient)
	form.Set("From", p.fromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio: failed to create request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	p.logger.DebugContext(ctx, "Sending SMS via Twilio", "recipient", recipient, "body_length", len(body))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.WarnContext(ctx, "Twilio request failed", "error", err, "recipient", recipient)
		return "", fmt.Errorf("twilio: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("twilio: failed to read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var success TwilioSendSuccessResponse
		if err := json.Unmarshal(respBody, &success); err != nil {
			return "", fmt.Errorf("twilio: failed to decode success response: %w", err)
		}
		if success.SID == "" {
			return "", fmt.Errorf("twilio: success response without message sid")
		}
		p.logger.InfoContext(ctx, "SMS accepted by Twilio", "recipient", recipient, "provider_message_id", success.SID, "status", success.Status)
		return success.SID, nil
	}

	sendErr := decodeTwilioError(resp.StatusCode, respBody)
	p.logger.WarnContext(ctx, "Twilio rejected SMS",
		"http_status", resp.StatusCode, "error_code", sendErr.Code, "error_message", sendErr.Message, "recipient", recipient)
	return "", sendErr
}

// decodeTwilioError maps a non-2xx response onto a SendError. When the body has
// no Twilio code, 429 and 5xx use Twilio's own codes for those conditions and
// everything else gets HTTP_<status>.
func decodeTwilioError(statusCode int, body []byte) *domain.SendError {
	temporary := statusCode == http.StatusTooManyRequests || statusCode >= 500

	var apiErr TwilioErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		return &domain.SendError{
			Code:      strconv.Itoa(apiErr.Code),
			Message:   apiErr.Message,
			Temporary: temporary,
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	code := "HTTP_" + strconv.Itoa(statusCode)
	switch {
	case statusCode == http.StatusTooManyRequests:
		code = "20429"
	case statusCode == http.StatusServiceUnavailable:
		code = "20503"
	case statusCode >= 500:
		code = "20500"
	}
	return &domain.SendError{Code: code, Message: msg, Temporary: temporary}
}
