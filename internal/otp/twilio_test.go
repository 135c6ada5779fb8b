package otp_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/otp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerify struct {
	calls    atomic.Int32
	lastForm atomic.Value
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeVerify) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	_ = r.ParseForm()
	f.lastForm.Store(r.PostForm)
	f.handler(w, r)
}

func newGateway(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*otp.TwilioGateway, *fakeVerify) {
	t.Helper()
	fake := &fakeVerify{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	gw := otp.NewTwilioGateway(otp.Config{
		BaseURL:    srv.URL,
		AccountSID: "AC00000000000000000000000000000000",
		AuthToken:  "token",
		ServiceSID: "VA00000000000000000000000000000000",
		Timeout:    200 * time.Millisecond,
	}, nil)
	return gw, fake
}

func TestSendChallenge_Success(t *testing.T) {
	gw, fake := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC00000000000000000000000000000000" || pass != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v2/Services/VA00000000000000000000000000000000/Verifications" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"VE123","status":"pending","channel":"sms","valid":false}`))
	})

	ch, err := gw.SendChallenge(context.Background(), "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "VE123", ch.SID)
	assert.Equal(t, "pending", ch.Status)

	form := fake.lastForm.Load().(url.Values)
	assert.Equal(t, []string{"+15551234567"}, form["To"])
	assert.Equal(t, []string{"sms"}, form["Channel"])
}

func TestSendChallenge_InvalidPhoneSkipsProvider(t *testing.T) {
	gw, fake := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, phone := range []string{"5551234567", "", "+0123", "phone"} {
		_, err := gw.SendChallenge(context.Background(), phone)
		assert.ErrorIs(t, err, apperrors.ErrInvalidPhoneFormat, phone)
	}
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestSendChallenge_ProviderErrorPreserved(t *testing.T) {
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":60200,"message":"Invalid parameter To: +15551234567","status":400}`))
	})

	_, err := gw.SendChallenge(context.Background(), "+15551234567")
	require.Error(t, err)

	var gerr *apperrors.GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, http.StatusBadRequest, gerr.StatusCode)
	assert.Contains(t, gerr.Message, "code 60200")
	assert.Contains(t, gerr.Message, "*******4567")
	assert.NotContains(t, gerr.Error(), "5551234567")
	assert.False(t, gerr.Timeout)
}

func TestSendChallenge_Timeout(t *testing.T) {
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	_, err := gw.SendChallenge(context.Background(), "+15551234567")
	var gerr *apperrors.GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.True(t, gerr.Timeout)
}

func TestSendChallenge_CancelledContext(t *testing.T) {
	gw, fake := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.SendChallenge(ctx, "+15551234567")
	assert.True(t, apperrors.IsGatewayError(err))
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestCheckChallenge(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		approved bool
	}{
		{"approved", "approved", true},
		{"pending", "pending", false},
		{"canceled", "canceled", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, fake := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v2/Services/VA00000000000000000000000000000000/VerificationCheck" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_, _ = w.Write([]byte(`{"sid":"VE123","status":"` + tt.status + `"}`))
			})

			res, err := gw.CheckChallenge(context.Background(), "+15551234567", "123456")
			require.NoError(t, err)
			assert.Equal(t, tt.approved, res.Approved)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, "VE123", res.SID)

			form := fake.lastForm.Load().(url.Values)
			assert.Equal(t, []string{"123456"}, form["Code"])
		})
	}
}

func TestCheckChallenge_ProviderNotFound(t *testing.T) {
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":20404,"message":"The requested resource was not found"}`))
	})

	_, err := gw.CheckChallenge(context.Background(), "+15551234567", "123456")
	var gerr *apperrors.GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, http.StatusNotFound, gerr.StatusCode)
}

func TestCheckChallenge_EmptyCode(t *testing.T) {
	gw, fake := newGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := gw.CheckChallenge(context.Background(), "+15551234567", " ")
	assert.ErrorIs(t, err, apperrors.ErrOTPRejected)
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "+*******4567", otp.MaskPhone("+15551234567"))
	assert.Equal(t, "123", otp.MaskPhone("123"))
	assert.Equal(t, "sent to +*******4567 at 10:30", otp.MaskNumbers("sent to +15551234567 at 10:30"))
}

func TestMaskNumbers_FormattedPhones(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"dashes", "Invalid parameter To: +1 555-123-4567", "Invalid parameter To: +* ***-***-4567"},
		{"brackets", "call (555) 123-4567 now", "call (***) ***-4567 now"},
		{"dots", "to 555.123.4567.", "to ***.***.4567."},
		{"short numbers kept", "code 60200 retry in 30 s", "code 60200 retry in 30 s"},
		{"code after phone", "To: +15551234567 (code 60200)", "To: +*******4567 (code 60200)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := otp.MaskNumbers(tt.in)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "555")
		})
	}
}

func TestSendChallenge_FormattedPhoneInProviderError(t *testing.T) {
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":60200,"message":"Invalid parameter To: +1 555-123-4567"}`))
	})

	_, err := gw.SendChallenge(context.Background(), "+15551234567")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "555-123")
	assert.Contains(t, err.Error(), "4567")
}
