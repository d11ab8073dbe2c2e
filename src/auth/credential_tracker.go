package auth

import (
	"errors"
	"sync"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------

// Credential is the per-day access token for the upstream feed.
type Credential struct {
	AccessToken string
	IssuedAt    time.Time
}

// CredentialListener is called once per Install with the new credential.
type CredentialListener func(cred Credential)

// -----------------------------------------------------------------------------
// CredentialTracker is the single authority for CredentialState.
// -----------------------------------------------------------------------------

type CredentialTracker struct {
	mu         sync.RWMutex
	state      models.CredentialState
	credential *Credential
	failures   int
	threshold  int
	maxAge     time.Duration
	listeners  []CredentialListener
	lastError  string
	now        func() time.Time
	Logger     *logger.Logger
}

// CredentialStatus is a read-only snapshot for status endpoints.
type CredentialStatus struct {
	State         models.CredentialState `json:"state"`
	HasCredential bool                   `json:"has_credential"`
	AgeSeconds    float64                `json:"age_seconds"`
	Failures      int                    `json:"failures"`
	LastError     string                 `json:"last_error,omitempty"`
}

// -----------------------------------------------------------------------------

// NewCredentialTracker derives the initial state from whatever credential
// material is present. A zero issuedAt means the age is unknown and the
// credential is treated as freshly issued.
func NewCredentialTracker(accessToken string, issuedAt time.Time, maxAge time.Duration, threshold int, log *logger.Logger) *CredentialTracker {
	if threshold <= 0 {
		threshold = 3
	}
	t := &CredentialTracker{
		state:     models.CredentialRequired,
		threshold: threshold,
		maxAge:    maxAge,
		now:       time.Now,
		Logger:    log,
	}

	if accessToken != "" {
		if issuedAt.IsZero() {
			issuedAt = t.now()
		}
		t.credential = &Credential{AccessToken: accessToken, IssuedAt: issuedAt}
		t.state = models.CredentialValid
		t.expireIfAgedLocked(t.now())
	}

	t.Logger.Info("Credential tracker initialised in state %s", t.state)
	return t
}

// -----------------------------------------------------------------------------

// State returns the current state, applying age-based expiry first.
func (t *CredentialTracker) State() models.CredentialState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireIfAgedLocked(t.now())
	return t.state
}

// -----------------------------------------------------------------------------

// IsUsable is true only in the valid state.
func (t *CredentialTracker) IsUsable() bool {
	return t.State() == models.CredentialValid
}

// -----------------------------------------------------------------------------

// Credential returns the cached credential if one is held.
func (t *CredentialTracker) Credential() (Credential, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.credential == nil {
		return Credential{}, false
	}
	return *t.credential, true
}

// -----------------------------------------------------------------------------

// MarkSuccess clears the failure counter and forces valid while a credential
// is held.
func (t *CredentialTracker) MarkSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures = 0
	t.lastError = ""
	if t.credential != nil && t.state != models.CredentialValid {
		t.Logger.Info("Credential state %s -> valid", t.state)
		t.state = models.CredentialValid
	}
}

// -----------------------------------------------------------------------------

// MarkFailure counts a failed call. An auth-shaped error or reaching the
// threshold forces expired and drops the cached credential. Returns true when
// the credential was expired by this call.
func (t *CredentialTracker) MarkFailure(err error) bool {
	if err == nil {
		err = errors.New("unspecified failure")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	t.lastError = err.Error()

	if t.state == models.CredentialExpired {
		return false
	}
	if !helpers.IsAuthError(err) && t.failures < t.threshold {
		t.Logger.Warning("Credential failure %d/%d: %v", t.failures, t.threshold, err)
		return false
	}

	t.Logger.Error("Credential expired after %d failure(s): %v", t.failures, err)
	t.state = models.CredentialExpired
	t.credential = nil
	return true
}

// -----------------------------------------------------------------------------

// Install atomically replaces the credential and notifies every listener.
func (t *CredentialTracker) Install(accessToken string) error {
	if accessToken == "" {
		return &helpers.ConfigurationError{MarketStreamerError: helpers.MarketStreamerError{Message: "access token cannot be empty"}}
	}

	t.mu.Lock()
	cred := Credential{AccessToken: accessToken, IssuedAt: t.now()}
	t.credential = &cred
	t.failures = 0
	t.lastError = ""
	prev := t.state
	t.state = models.CredentialValid
	listeners := make([]CredentialListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	t.Logger.Info("New credential installed (previous state %s), notifying %d listener(s)", prev, len(listeners))
	for _, l := range listeners {
		l(cred)
	}
	return nil
}

// -----------------------------------------------------------------------------

// AddListener registers a callback fired on every Install.
func (t *CredentialTracker) AddListener(l CredentialListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// -----------------------------------------------------------------------------

// CheckAge applies age-based expiry at now and reports whether it fired.
func (t *CredentialTracker) CheckAge(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expireIfAgedLocked(now)
}

// -----------------------------------------------------------------------------

// Status returns a snapshot for the status endpoint.
func (t *CredentialTracker) Status() CredentialStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.expireIfAgedLocked(now)
	st := CredentialStatus{
		State:     t.state,
		Failures:  t.failures,
		LastError: t.lastError,
	}
	if t.credential != nil {
		st.HasCredential = true
		st.AgeSeconds = now.Sub(t.credential.IssuedAt).Seconds()
	}
	return st
}

// -----------------------------------------------------------------------------

func (t *CredentialTracker) expireIfAgedLocked(now time.Time) bool {
	if t.state != models.CredentialValid || t.credential == nil || t.maxAge <= 0 {
		return false
	}
	if now.Sub(t.credential.IssuedAt) <= t.maxAge {
		return false
	}
	t.Logger.Warning("Credential older than %v, marking expired", t.maxAge)
	t.state = models.CredentialExpired
	t.credential = nil
	return true
}
