package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const recaptchaVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// recaptchaVerifier checks CAPTCHA tokens against the siteverify API.
// Network-level failures fail open: an unreachable verifier must not take
// the submission form down with it.
type recaptchaVerifier struct {
	verifyURL  string
	httpClient *http.Client
	logger     *zap.Logger
}

func newRecaptchaVerifier(logger *zap.Logger) *recaptchaVerifier {
	return &recaptchaVerifier{
		verifyURL:  recaptchaVerifyURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("recaptcha"),
	}
}

// Verify reports whether the token passes for the given private key.
func (r *recaptchaVerifier) Verify(ctx context.Context, pvtKey, token, remoteIP string) bool {
	form := url.Values{
		"secret":   {pvtKey},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return true
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("CAPTCHA verification unreachable, allowing submission",
			zap.Error(err))
		return true
	}
	defer resp.Body.Close()

	var parsed struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		r.logger.Warn("CAPTCHA verification response malformed, allowing submission",
			zap.Error(err))
		return true
	}
	return parsed.Success
}
