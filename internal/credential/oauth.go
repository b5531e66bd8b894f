package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/agentcore/agentsession/internal/sessionerr"
	"golang.org/x/oauth2"
)

// DeviceCodeConfig describes an OAuth 2.0 device-authorization flow
// (§4.2: GitHub Copilot). It is deliberately standalone from
// golang.org/x/oauth2.Config, which has no device-flow support.
type DeviceCodeConfig struct {
	ClientID      string
	DeviceAuthURL string
	TokenURL      string
	Scope         string
	HTTPClient    *http.Client
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DevicePrompt is shown to the user so they can authorize the device out
// of band (typically in a browser on another machine).
type DevicePrompt struct {
	UserCode        string
	VerificationURI string
}

// StartDeviceCode requests a device/user code pair and returns the prompt
// to display, plus a function that polls until the user has authorized it
// (or the code expires).
func StartDeviceCode(ctx context.Context, cfg DeviceCodeConfig) (DevicePrompt, func(ctx context.Context) (Record, error), error) {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	form := url.Values{"client_id": {cfg.ClientID}, "scope": {cfg.Scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.DeviceAuthURL, nil)
	if err != nil {
		return DevicePrompt{}, nil, sessionerr.NetworkError{Err: err}
	}
	req.URL.RawQuery = form.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return DevicePrompt{}, nil, sessionerr.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	var dc deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&dc); err != nil {
		return DevicePrompt{}, nil, sessionerr.NetworkError{Err: fmt.Errorf("decode device code response: %w", err)}
	}

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	poll := func(ctx context.Context) (Record, error) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return Record{}, sessionerr.AbortedError{Reason: "device code authorization cancelled"}
			case <-ticker.C:
				if time.Now().After(deadline) {
					return Record{}, sessionerr.UnauthorizedError{Provider: "github-copilot", Err: fmt.Errorf("device code expired")}
				}
				rec, pending, err := pollDeviceToken(ctx, client, cfg, dc.DeviceCode)
				if err != nil {
					return Record{}, err
				}
				if pending {
					continue
				}
				return rec, nil
			}
		}
	}

	return DevicePrompt{UserCode: dc.UserCode, VerificationURI: dc.VerificationURI}, poll, nil
}

func pollDeviceToken(ctx context.Context, client *http.Client, cfg DeviceCodeConfig, deviceCode string) (Record, bool, error) {
	form := url.Values{
		"client_id":   {cfg.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, nil)
	if err != nil {
		return Record{}, false, sessionerr.NetworkError{Err: err}
	}
	req.URL.RawQuery = form.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Record{}, false, sessionerr.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Record{}, false, sessionerr.NetworkError{Err: err}
	}
	switch payload.Error {
	case "":
		rec := Record{Provider: "github-copilot", Kind: KindOAuthDevice, AccessToken: payload.AccessToken}
		if payload.ExpiresIn > 0 {
			rec.ExpiresAt = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		}
		return rec, false, nil
	case "authorization_pending", "slow_down":
		return Record{}, true, nil
	default:
		return Record{}, false, sessionerr.UnauthorizedError{Provider: "github-copilot", Err: fmt.Errorf("device authorization failed: %s", payload.Error)}
	}
}

// PKCEConfig describes a provider's authorization-code + PKCE flow
// completed via a local loopback callback (§4.2: Google).
type PKCEConfig struct {
	Provider     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	ListenAddr   string // e.g. "127.0.0.1:0"; OS-assigned port if empty
}

// RunPKCELogin opens a local loopback listener, passes the authorization
// URL to openURL (if non-nil) so the caller can present it to the user
// (e.g. open in a browser), and blocks until the resulting redirect lands on the loopback callback or
// ctx is cancelled.
func RunPKCELogin(ctx context.Context, cfg PKCEConfig, openURL func(string)) (Record, error) {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return Record{}, sessionerr.IoError{Op: "listen", Err: err}
	}
	defer listener.Close()

	redirectURL := fmt.Sprintf("http://%s/callback", listener.Addr().String())
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
	}

	verifier := oauth2.GenerateVerifier()
	state := verifier[:16]
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	type result struct {
		tok *oauth2.Token
		err error
	}
	resultCh := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			resultCh <- result{err: sessionerr.UnauthorizedError{Provider: cfg.Provider, Err: fmt.Errorf("state mismatch")}}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			resultCh <- result{err: sessionerr.UnauthorizedError{Provider: cfg.Provider, Err: fmt.Errorf("authorization denied")}}
			return
		}
		tok, err := conf.Exchange(r.Context(), code, oauth2.VerifierOption(verifier))
		if err != nil {
			http.Error(w, "exchange failed", http.StatusBadGateway)
			resultCh <- result{err: sessionerr.NetworkError{Err: err}}
			return
		}
		fmt.Fprintln(w, "Login complete, you can close this tab.")
		resultCh <- result{tok: tok}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	defer srv.Shutdown(context.Background())

	if openURL != nil {
		openURL(authURL)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return Record{}, res.err
		}
		rec := Record{
			Provider:     cfg.Provider,
			Kind:         KindOAuthPKCE,
			AccessToken:  res.tok.AccessToken,
			RefreshToken: res.tok.RefreshToken,
		}
		if !res.tok.Expiry.IsZero() {
			rec.ExpiresAt = res.tok.Expiry
		}
		return rec, nil
	case <-ctx.Done():
		return Record{}, sessionerr.AbortedError{Reason: "pkce login cancelled"}
	}
}

// RefreshViaTokenEndpoint implements the Refresher contract for providers
// whose refresh is a standard OAuth2 refresh_token grant against
// tokenURL (§4.2: Anthropic, ChatGPT-Codex, Kimi, Cursor, Antigravity each
// register their own tokenURL/clientID through this same exchange shape).
func RefreshViaTokenEndpoint(tokenURL, clientID, clientSecret string) Refresher {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return func(ctx context.Context, rec Record) (Record, error) {
		src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			return Record{}, sessionerr.UnauthorizedError{Provider: rec.Provider, Err: err}
		}
		rec.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			rec.RefreshToken = tok.RefreshToken
		}
		if !tok.Expiry.IsZero() {
			rec.ExpiresAt = tok.Expiry
		}
		return rec, nil
	}
}
