package integrate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignin struct {
	apiToken  string
	apiSecret string
	otpToken  string
	otp       string
	tokenHits int
}

func (f *fakeSignin) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Path != "/login/"+f.apiToken || r.Header.Get("api_secret") != f.apiSecret {
			http.Error(w, "invalid api token", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"otp_token": f.otpToken, "message": "OTP sent"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits++
		assert.Equal(t, http.MethodPost, r.Method)
		var req tokenRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if req.OTPToken != f.otpToken || req.OTP != f.otp {
			http.Error(w, "invalid otp", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uid":             "U100",
			"actid":           "A100",
			"api_session_key": "api-key",
			"susertoken":      "ws-key",
		})
	})
	return mux
}

func newTestSequencer(t *testing.T) (*Sequencer, *fakeSignin) {
	t.Helper()
	f := &fakeSignin{apiToken: "tok-1", apiSecret: "secret", otpToken: "challenge-1", otp: "123456"}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewSequencer(SequencerOptions{BaseURL: srv.URL, HTTPClient: srv.Client()}), f
}

func TestSequencer_FullLogin(t *testing.T) {
	s, _ := newTestSequencer(t)
	ctx := context.Background()

	assert.Equal(t, Unauthenticated, s.State())
	require.NoError(t, s.BeginLogin(ctx, "tok-1", "secret"))
	assert.Equal(t, AwaitingOtp, s.State())

	creds, err := s.CompleteLogin(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, Authenticated, s.State())
	assert.Equal(t, Credentials{UserID: "U100", AccountID: "A100", APISessionKey: "api-key", WSSessionKey: "ws-key"}, creds)

	stored, ok := s.Credentials()
	assert.True(t, ok)
	assert.Equal(t, creds, stored)
	assert.Empty(t, s.otpToken, "challenge must be discarded after success")
}

func TestSequencer_RejectedTokenThenComplete(t *testing.T) {
	s, f := newTestSequencer(t)
	ctx := context.Background()

	err := s.BeginLogin(ctx, "wrong", "secret")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejectedCredentials))
	var aerr *AuthError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, http.StatusUnauthorized, aerr.Status)
	assert.Equal(t, Unauthenticated, s.State())

	_, err = s.CompleteLogin(ctx, "123456")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExpiredChallenge))
	assert.Zero(t, f.tokenHits, "no request may be sent without a challenge")
}

func TestSequencer_InvalidOtpKeepsChallenge(t *testing.T) {
	s, _ := newTestSequencer(t)
	ctx := context.Background()

	require.NoError(t, s.BeginLogin(ctx, "tok-1", "secret"))
	_, err := s.CompleteLogin(ctx, "000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidOtp))
	assert.Equal(t, AwaitingOtp, s.State())

	_, err = s.CompleteLogin(ctx, "123456")
	require.NoError(t, err)
}

func TestSequencer_CompleteAfterAuthenticated(t *testing.T) {
	s, _ := newTestSequencer(t)
	ctx := context.Background()

	require.NoError(t, s.BeginLogin(ctx, "tok-1", "secret"))
	_, err := s.CompleteLogin(ctx, "123456")
	require.NoError(t, err)

	_, err = s.CompleteLogin(ctx, "123456")
	assert.True(t, errors.Is(err, ErrExpiredChallenge))
}

func TestSequencer_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	s := NewSequencer(SequencerOptions{BaseURL: srv.URL})

	err := s.BeginLogin(context.Background(), "tok-1", "secret")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransportFailure))
	assert.False(t, errors.Is(err, ErrRejectedCredentials))
}

func TestSequencer_MissingOtpToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	s := NewSequencer(SequencerOptions{BaseURL: srv.URL})

	err := s.BeginLogin(context.Background(), "tok-1", "secret")
	assert.True(t, errors.Is(err, ErrRejectedCredentials))
	assert.Equal(t, Unauthenticated, s.State())
}

func TestCredentialsValidate(t *testing.T) {
	assert.ErrorIs(t, Credentials{UserID: "u", AccountID: "a"}.Validate(), ErrMissingSessionKey)
	assert.Error(t, Credentials{WSSessionKey: "k"}.Validate())
	assert.NoError(t, NewCredentials("u", "a", "api", "ws").Validate())
}
