package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"handoff/internal/apperrors"
	"handoff/internal/database"
	"handoff/internal/handlers"
	"handoff/internal/middleware"
	"handoff/internal/otp"
	"handoff/internal/poller"
	"handoff/internal/repositories"
	"handoff/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const customerPhone = "+15557654321"

// MockOTPGateway is a mock implementation of services.OTPGateway
type MockOTPGateway struct {
	mock.Mock
}

func (m *MockOTPGateway) SendChallenge(ctx context.Context, phone string) (*otp.Challenge, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*otp.Challenge), args.Error(1)
}

func (m *MockOTPGateway) CheckChallenge(ctx context.Context, phone, code string) (*otp.CheckResult, error) {
	args := m.Called(ctx, phone, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*otp.CheckResult), args.Error(1)
}

type testEnv struct {
	app     *fiber.App
	auth    *services.AuthService
	gateway *MockOTPGateway
}

// setupApp wires the full stack against an in-memory SQLite database.
func setupApp(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	userRepo := repositories.NewGORMUserRepository(db)
	orderRepo := repositories.NewGORMOrderRepository(db)
	verificationRepo := repositories.NewGORMVerificationRepository(db)
	issuanceRepo := repositories.NewGORMQRIssuanceRepository(db)

	gateway := new(MockOTPGateway)
	authService := services.NewAuthService(userRepo, "test_jwt_secret", time.Hour, nil)
	guard := services.NewAccessGuard(orderRepo)
	ledger := services.NewVerificationLedger(verificationRepo, services.LedgerConfig{}, nil)
	orderService := services.NewOrderService(orderRepo, userRepo, guard, nil, nil)
	deliveryService := services.NewDeliveryService(guard, ledger, gateway, orderRepo, issuanceRepo, nil, services.DeliveryConfig{}, nil)

	app := fiber.New()
	apiV1 := app.Group("/api/v1")
	auth := middleware.AuthRequired(authService, nil)

	handlers.NewAuthHandler(authService, nil).RegisterRoutes(apiV1)
	handlers.NewOrderHandler(orderService, nil).RegisterRoutes(apiV1, auth)
	handlers.NewDeliveryHandler(deliveryService, poller.New(ledger, 5*time.Millisecond, nil), 5*time.Millisecond, nil).RegisterRoutes(apiV1, auth)

	require.NoError(t, authService.EnsureAdmin(context.Background(), "admin", "admin@example.com", "admin-pass"))
	return &testEnv{app: app, auth: authService, gateway: gateway}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	status, raw := e.doRaw(t, method, path, token, body)
	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return status, decoded
}

func (e *testEnv) doRaw(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(jsonBody)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (e *testEnv) register(t *testing.T, username, role string) (id, token string) {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "password123",
		"role":     role,
	})
	require.Equal(t, http.StatusCreated, status, body)
	user := body["user"].(map[string]any)
	_, hasPassword := user["password"]
	assert.False(t, hasPassword)
	return user["id"].(string), e.login(t, username, "password123")
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	require.Equal(t, http.StatusOK, status, body)
	return body["token"].(string)
}

func TestAuthRegisterAndLogin(t *testing.T) {
	env := setupApp(t)

	env.register(t, "testuser", "customer")

	// Duplicate registration
	status, _ := env.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "testuser",
		"email":    "other@example.com",
		"password": "password123",
		"role":     "customer",
	})
	assert.Equal(t, http.StatusConflict, status)

	// Administrators cannot self-register
	status, body := env.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "sneaky",
		"email":    "sneaky@example.com",
		"password": "password123",
		"role":     "admin",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Validation failed", body["message"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "testuser",
		"password": "wrongpassword",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDeliveryFlow(t *testing.T) {
	env := setupApp(t)
	adminToken := env.login(t, "admin", "admin-pass")
	agentID, agentToken := env.register(t, "rider", "agent")
	_, otherAgentToken := env.register(t, "rider2", "agent")
	customerID, customerToken := env.register(t, "shopper", "customer")

	// Admin creates an order assigned to the agent.
	status, order := env.do(t, http.MethodPost, "/api/v1/orders", adminToken, map[string]any{
		"customer_id":      customerID,
		"customer_name":    "Dana Whitfield",
		"customer_phone":   customerPhone,
		"delivery_address": "12 Harbour Road",
		"agent_id":         agentID,
		"items":            []map[string]any{{"name": "Espresso beans", "quantity": 2, "price": 9.5}},
	})
	require.Equal(t, http.StatusCreated, status, order)
	assert.Equal(t, "assigned", order["status"])
	assert.Equal(t, 19.0, order["total_amount"])
	_, leaked := order["CustomerPhone"]
	assert.False(t, leaked)
	orderID := order["id"].(string)
	orderPath := "/api/v1/orders/" + orderID

	// Only admins create orders.
	status, _ = env.do(t, http.MethodPost, "/api/v1/orders", agentToken, map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = env.do(t, http.MethodPost, orderPath+"/transit", agentToken, nil)
	require.Equal(t, http.StatusOK, status)

	// Another agent may neither see nor act on the order.
	status, _ = env.do(t, http.MethodGet, orderPath, otherAgentToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodPost, orderPath+"/qr", otherAgentToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = env.do(t, http.MethodPost, orderPath+"/qr", customerToken, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, issued := env.do(t, http.MethodPost, orderPath+"/qr", agentToken, nil)
	require.Equal(t, http.StatusCreated, status, issued)
	qrData := issued["data"].(map[string]any)["qrData"].(string)

	// Completion before the customer verifies is refused.
	status, body := env.do(t, http.MethodPost, orderPath+"/complete", agentToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, apperrors.ErrVerificationRequired.Error(), body["error"])

	env.gateway.On("SendChallenge", mock.Anything, customerPhone).
		Return(&otp.Challenge{SID: "VE123", Status: "pending"}, nil).Once()
	status, redeemed := env.do(t, http.MethodPost, "/api/v1/delivery/redeem", "", map[string]string{"qrData": qrData})
	require.Equal(t, http.StatusOK, status, redeemed)
	data := redeemed["data"].(map[string]any)
	assert.Equal(t, services.SentViaSMS, data["otpCode"])
	assert.Contains(t, data["smsNotification"], "4321")
	assert.NotContains(t, data["smsNotification"], customerPhone)

	status, body = env.do(t, http.MethodGet, orderPath+"/verification", customerToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["verified"])

	env.gateway.On("CheckChallenge", mock.Anything, customerPhone, "000000").
		Return(&otp.CheckResult{Approved: false, Status: "pending", SID: "VE123"}, nil).Once()
	status, _ = env.do(t, http.MethodPost, "/api/v1/delivery/confirm", "", map[string]string{"orderId": orderID, "otpCode": "000000"})
	assert.Equal(t, http.StatusBadRequest, status)

	env.gateway.On("CheckChallenge", mock.Anything, customerPhone, "123456").
		Return(&otp.CheckResult{Approved: true, Status: otp.StatusApproved, SID: "VE123"}, nil).Once()
	status, confirmed := env.do(t, http.MethodPost, "/api/v1/delivery/confirm", "", map[string]string{"orderId": orderID, "otpCode": "123456"})
	require.Equal(t, http.StatusOK, status, confirmed)
	assert.Equal(t, true, confirmed["data"].(map[string]any)["verified"])

	status, body = env.do(t, http.MethodGet, orderPath+"/verification", agentToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["verified"])

	// The stream ends after the first verified snapshot.
	status, stream := env.doRaw(t, http.MethodGet, orderPath+"/verification/stream", agentToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(string(stream), "event: status\n"), string(stream))
	assert.Contains(t, string(stream), `"verified":true`)

	status, body = env.do(t, http.MethodPost, orderPath+"/complete", agentToken, nil)
	require.Equal(t, http.StatusOK, status, body)
	completed := body["data"].(map[string]any)
	assert.Equal(t, "verified", completed["status"])
	assert.NotEmpty(t, completed["delivered_at"])

	status, _ = env.do(t, http.MethodPost, orderPath+"/complete", agentToken, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Ledger administration
	status, raw := env.doRaw(t, http.MethodGet, orderPath+"/verifications", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(raw, &history))
	require.Len(t, history, 1)
	assert.Equal(t, true, history[0]["is_verified"])
	assert.Equal(t, 1.0, history[0]["attempts"])

	status, _ = env.do(t, http.MethodGet, orderPath+"/verifications", agentToken, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = env.do(t, http.MethodDelete, orderPath+"/verifications", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["deleted"])

	env.gateway.AssertExpectations(t)
}

func TestDeliveryErrors(t *testing.T) {
	env := setupApp(t)
	adminToken := env.login(t, "admin", "admin-pass")
	agentID, agentToken := env.register(t, "rider", "agent")
	customerID, _ := env.register(t, "shopper", "customer")

	status, order := env.do(t, http.MethodPost, "/api/v1/orders", adminToken, map[string]any{
		"customer_id":      customerID,
		"customer_name":    "Dana Whitfield",
		"customer_phone":   customerPhone,
		"delivery_address": "12 Harbour Road",
		"agent_id":         agentID,
		"items":            []map[string]any{{"name": "Tea", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, status, order)
	orderID := order["id"].(string)

	status, body := env.do(t, http.MethodPost, "/api/v1/delivery/redeem", "", map[string]string{"qrData": "{not json"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "malformed")

	status, _ = env.do(t, http.MethodPost, "/api/v1/delivery/redeem", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/delivery/confirm", "", map[string]string{"orderId": "missing", "otpCode": "123456"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/delivery/confirm", "", map[string]string{"orderId": orderID, "otpCode": "12ab"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, issued := env.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/qr", agentToken, nil)
	require.Equal(t, http.StatusCreated, status, issued)
	qrData := issued["data"].(map[string]any)["qrData"].(string)

	env.gateway.On("SendChallenge", mock.Anything, customerPhone).
		Return(nil, &apperrors.GatewayError{Op: "send", Timeout: true, Err: context.DeadlineExceeded}).Once()
	status, _ = env.do(t, http.MethodPost, "/api/v1/delivery/redeem", "", map[string]string{"qrData": qrData})
	assert.Equal(t, http.StatusGatewayTimeout, status)

	env.gateway.On("SendChallenge", mock.Anything, customerPhone).
		Return(nil, &apperrors.GatewayError{Op: "send", StatusCode: 400, Message: "Invalid parameter To: +1*******321"}).Once()
	status, body = env.do(t, http.MethodPost, "/api/v1/delivery/redeem", "", map[string]string{"qrData": qrData})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.NotContains(t, body["error"], customerPhone)

	// A re-issued token supersedes the first one.
	status, _ = env.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/qr", agentToken, nil)
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.do(t, http.MethodPost, "/api/v1/delivery/redeem", "", map[string]string{"qrData": qrData})
	assert.Equal(t, http.StatusGone, status)

	status, body = env.do(t, http.MethodGet, "/api/v1/orders/"+orderID, agentToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "qr_generated", body["status"])
	env.gateway.AssertExpectations(t)
}
