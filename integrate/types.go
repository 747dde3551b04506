package integrate

import "errors"

var ErrMissingSessionKey = errors.New("integrate: websocket session key is required")

// Credentials are the identifiers and session tokens issued by a successful
// login. The value is copied out of the Sequencer, so it cannot change under a
// running session.
type Credentials struct {
	UserID        string
	AccountID     string
	APISessionKey string
	WSSessionKey  string
}

// NewCredentials restores a previously issued session without logging in again.
func NewCredentials(uid, actid, apiSessionKey, wsSessionKey string) Credentials {
	return Credentials{
		UserID:        uid,
		AccountID:     actid,
		APISessionKey: apiSessionKey,
		WSSessionKey:  wsSessionKey,
	}
}

// Validate reports whether the credentials can open a streaming connection.
func (c Credentials) Validate() error {
	if c.WSSessionKey == "" {
		return ErrMissingSessionKey
	}
	if c.UserID == "" || c.AccountID == "" {
		return errors.New("integrate: uid and actid are required")
	}
	return nil
}

type loginResponse struct {
	OTPToken string `json:"otp_token"`
	Message  string `json:"message"`
}

type tokenRequest struct {
	OTPToken string `json:"otp_token"`
	OTP      string `json:"otp"`
}

type tokenResponse struct {
	UID           string `json:"uid"`
	ActID         string `json:"actid"`
	APISessionKey string `json:"api_session_key"`
	SUserToken    string `json:"susertoken"`
	Message       string `json:"message"`
}
