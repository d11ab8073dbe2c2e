package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"market-streamer/src/helpers"
)

// httpGetter is the slice of network.AsyncNetworkManager the verifier needs.
type httpGetter interface {
	Get(ctx context.Context, url string, params, headers map[string]string) ([]byte, error)
}

// -----------------------------------------------------------------------------
// ProfileVerifier checks an access token against the broker REST API and
// feeds the outcome into the tracker.
// -----------------------------------------------------------------------------

type ProfileVerifier struct {
	Network httpGetter
	APIURL  string
	APIKey  string
	Tracker *CredentialTracker
}

type profileResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Data      struct {
		UserID string `json:"user_id"`
	} `json:"data"`
}

// -----------------------------------------------------------------------------

func NewProfileVerifier(network httpGetter, apiURL, apiKey string, tracker *CredentialTracker) *ProfileVerifier {
	return &ProfileVerifier{
		Network: network,
		APIURL:  strings.TrimSuffix(apiURL, "/"),
		APIKey:  apiKey,
		Tracker: tracker,
	}
}

// -----------------------------------------------------------------------------

// Verify calls the profile endpoint with the tracker's current credential.
func (v *ProfileVerifier) Verify(ctx context.Context) error {
	cred, ok := v.Tracker.Credential()
	if !ok {
		return helpers.NewAuthError("no credential to verify", nil)
	}

	headers := map[string]string{
		"X-Kite-Version": "3",
		"Authorization":  fmt.Sprintf("token %s:%s", v.APIKey, cred.AccessToken),
	}
	body, err := v.Network.Get(ctx, v.APIURL+"/user/profile", nil, headers)
	if err == nil {
		var resp profileResponse
		if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
			err = helpers.NewTransportError("decode profile response", jsonErr)
		} else if resp.Status != "success" {
			err = fmt.Errorf("%s: %s", resp.ErrorType, resp.Message)
		}
	}

	if err != nil {
		v.Tracker.MarkFailure(err)
		return err
	}
	v.Tracker.MarkSuccess()
	return nil
}
