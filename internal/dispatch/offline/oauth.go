package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/internal/tokencache"
)

// terminalGrantErrors mean the stored refresh credentials are no longer usable.
var terminalGrantErrors = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// fetchToken exchanges the refresh token for a new access token.
func (a *Adapter) fetchToken(cred dispatch.Credential) tokencache.FetchFunc {
	return func(ctx context.Context) (tokencache.Token, error) {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("client_id", cred.Secret(SecretClientID))
		form.Set("client_secret", cred.Secret(SecretClientSecret))
		form.Set("refresh_token", cred.Secret(SecretRefreshToken))

		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return tokencache.Token{}, dispatch.Terminal("token_request", err.Error())
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := a.client.Do(req)
		if err != nil {
			return tokencache.Token{}, classifyTransport(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return tokencache.Token{}, classifyTransport(err)
		}

		var parsed tokenResponse
		_ = json.Unmarshal(raw, &parsed)

		if resp.StatusCode == http.StatusOK && parsed.AccessToken != "" {
			expiresIn := time.Duration(parsed.ExpiresIn) * time.Second
			if expiresIn <= 0 {
				expiresIn = time.Hour
			}
			return tokencache.Token{AccessToken: parsed.AccessToken, ExpiresAt: a.now().Add(expiresIn)}, nil
		}
		if terminalGrantErrors[parsed.Error] {
			return tokencache.Token{}, dispatch.TerminalAuth(parsed.Error, parsed.ErrorDescription)
		}
		return tokencache.Token{}, dispatch.Transient("token_"+statusCode(resp.StatusCode, parsed.Error),
			fmt.Errorf("token refresh failed: status %d %s", resp.StatusCode, parsed.ErrorDescription))
	}
}

func statusCode(status int, apiCode string) string {
	if apiCode != "" {
		return apiCode
	}
	return fmt.Sprintf("http_%d", status)
}
