package integrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultAuthURL = "https://signin.definedgesecurities.com/auth/realms/debroking/dsbpkc"

type AuthState int

const (
	Unauthenticated AuthState = iota
	AwaitingOtp
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AwaitingOtp:
		return "awaiting_otp"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("auth_state(%d)", int(s))
	}
}

type SequencerOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// Sequencer runs the two step login: the API token is exchanged for an OTP
// challenge, and the challenge plus the user's OTP for session credentials.
// Nothing is retried; on failure the caller restarts from BeginLogin.
type Sequencer struct {
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger

	mu       sync.Mutex
	state    AuthState
	otpToken string
	creds    Credentials
}

func NewSequencer(opts SequencerOptions) *Sequencer {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultAuthURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Sequencer{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  opts.HTTPClient,
		log:     opts.Logger,
	}
}

func (s *Sequencer) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Credentials returns the session credentials once Authenticated.
func (s *Sequencer) Credentials() (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, s.state == Authenticated
}

// BeginLogin requests an OTP challenge for apiToken. Any earlier login state is
// discarded first.
func (s *Sequencer) BeginLogin(ctx context.Context, apiToken, apiSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Unauthenticated
	s.otpToken = ""
	s.creds = Credentials{}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/login/"+url.PathEscape(apiToken), nil)
	if err != nil {
		return &AuthError{Kind: TransportFailure, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("api_secret", apiSecret)
	req.Header.Set("Accept", "application/json")

	var body loginResponse
	if err := s.do(req, RejectedCredentials, &body); err != nil {
		s.log.Warnw("Login step 1 failed", "error", err)
		return err
	}
	if body.OTPToken == "" {
		return &AuthError{Kind: RejectedCredentials, Err: fmt.Errorf("response carried no otp_token")}
	}

	s.otpToken = body.OTPToken
	s.state = AwaitingOtp
	s.log.Infow("OTP challenge issued", "state", s.state.String())
	return nil
}

// CompleteLogin submits otp against the pending challenge. It fails with
// ExpiredChallenge unless the Sequencer is AwaitingOtp. A rejected OTP leaves
// the challenge pending so the user can enter it again.
func (s *Sequencer) CompleteLogin(ctx context.Context, otp string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != AwaitingOtp {
		return Credentials{}, &AuthError{
			Kind: ExpiredChallenge,
			Err:  fmt.Errorf("no pending otp challenge (state %s)", s.state),
		}
	}

	payload, err := json.Marshal(tokenRequest{OTPToken: s.otpToken, OTP: otp})
	if err != nil {
		return Credentials{}, &AuthError{Kind: TransportFailure, Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/token", bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, &AuthError{Kind: TransportFailure, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var body tokenResponse
	if err := s.do(req, InvalidOtp, &body); err != nil {
		s.log.Warnw("Login step 2 failed", "error", err)
		return Credentials{}, err
	}

	creds := NewCredentials(body.UID, body.ActID, body.APISessionKey, body.SUserToken)
	if err := creds.Validate(); err != nil {
		return Credentials{}, &AuthError{Kind: RejectedCredentials, Err: err}
	}

	s.creds = creds
	s.otpToken = ""
	s.state = Authenticated
	s.log.Infow("Login complete", "uid", creds.UserID, "actid", creds.AccountID)
	return creds, nil
}

// do sends req and decodes a 2xx JSON body into out. Non-2xx responses map to
// rejectKind.
func (s *Sequencer) do(req *http.Request, rejectKind AuthErrorKind, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return &AuthError{Kind: TransportFailure, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		aerr := &AuthError{Kind: rejectKind, Status: resp.StatusCode}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if m := strings.TrimSpace(string(msg)); m != "" {
			aerr.Err = errors.New(m)
		}
		return aerr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &AuthError{Kind: RejectedCredentials, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
