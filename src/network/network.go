package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

// AsyncNetworkManager performs broker REST calls with retries.
type AsyncNetworkManager struct {
	Config *models.MNetworkConfig
	Client *http.Client
	Logger *logger.Logger

	retryDelay time.Duration
}

// -----------------------------------------------------------------------------

func NewAsyncNetworkManager(cfg *models.MNetworkConfig, log *logger.Logger) *AsyncNetworkManager {
	return &AsyncNetworkManager{
		Config: cfg,
		Client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		Logger:     log,
		retryDelay: time.Second,
	}
}

// -----------------------------------------------------------------------------

// Get performs a GET request with retries. 401/403 responses are returned as
// AuthError without retrying.
func (nm *AsyncNetworkManager) Get(ctx context.Context, urlStr string, params, headers map[string]string) ([]byte, error) {
	reqUrl, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}

	q := reqUrl.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	reqUrl.RawQuery = q.Encode()
	finalUrl := reqUrl.String()

	var body []byte
	attempts := nm.Config.MaxRetries + 1
	err = helpers.RetryWithBackoff(attempts, nm.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalUrl, nil)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := nm.Client.Do(req)
		if err != nil {
			nm.Logger.Info("Request to %s failed: %v", reqUrl.Path, err)
			return helpers.NewTransportError("request failed", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return helpers.NewTransportError("read body failed", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return helpers.NewAuthError(fmt.Sprintf("request rejected (status %d)", resp.StatusCode), fmt.Errorf("%s", data))
		case resp.StatusCode != http.StatusOK:
			nm.Logger.Info("Bad status %d from %s", resp.StatusCode, reqUrl.Path)
			return helpers.NewTransportError(fmt.Sprintf("bad status: %d", resp.StatusCode), nil)
		}

		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
