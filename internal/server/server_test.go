package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/SeanBayley/Fleurene-sub001/internal/clock"
	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"github.com/SeanBayley/Fleurene-sub001/internal/observability"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/checkout"
	paymentdomain "github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/history"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/paymenttest"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/reconcile"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/repository"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/signature"
	"github.com/SeanBayley/Fleurene-sub001/internal/payment/webhook"
	"github.com/SeanBayley/Fleurene-sub001/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOrderID    = "3f2b8c1e-5d7a-4e21-9b6f-0c8d2a1e4f70"
	testPassphrase = "jt7NOE43FZPn"
)

var testMerchant = config.Merchant{ID: "10000100", Key: "46f0cd694581a", Passphrase: testPassphrase}

type fakeCheckoutService struct {
	req *paymentdomain.PaymentRequest
	err error
}

func (f *fakeCheckoutService) Checkout(ctx context.Context, orderID string) (*paymentdomain.PaymentRequest, error) {
	_ = ctx
	_ = orderID
	return f.req, f.err
}

func (f *fakeCheckoutService) Retry(ctx context.Context, orderID string) (*paymentdomain.PaymentRequest, error) {
	_ = ctx
	_ = orderID
	return f.req, f.err
}

func (f *fakeCheckoutService) Resume(ctx context.Context, orderID string) (*paymentdomain.PaymentRequest, error) {
	_ = ctx
	_ = orderID
	return f.req, f.err
}

type fakeWebhookService struct {
	result paymentdomain.ReconcileResult
	err    error
	body   []byte
}

func (f *fakeWebhookService) Ingest(ctx context.Context, rawBody []byte) (paymentdomain.ReconcileResult, error) {
	_ = ctx
	f.body = rawBody
	return f.result, f.err
}

type fakeHistoryService struct {
	err error
}

func (f *fakeHistoryService) List(ctx context.Context, orderID string, page pagination.Pagination) ([]paymentdomain.StatusHistoryEntry, *pagination.PageInfo, error) {
	_ = ctx
	_ = page
	if f.err != nil {
		return nil, nil, f.err
	}
	return []paymentdomain.StatusHistoryEntry{{OrderID: orderID, Note: "payment COMPLETE via gateway"}}, &pagination.PageInfo{}, nil
}

func newTestServer(checkoutSvc paymentdomain.CheckoutService, webhookSvc paymentdomain.WebhookService, historySvc paymentdomain.HistoryService) *gin.Engine {
	return newTestServerWithSource(checkoutSvc, webhookSvc, historySvc, nil)
}

func newTestServerWithSource(checkoutSvc paymentdomain.CheckoutService, webhookSvc paymentdomain.WebhookService, historySvc paymentdomain.HistoryService, source *webhook.SourceValidator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine, err := NewEngine(config.Config{}, observability.Config{Environment: "test"}, nil)
	if err != nil {
		panic(err)
	}
	s := NewServer(ServerParams{
		Gin:             engine,
		Cfg:             config.Config{Environment: "test"},
		Log:             zap.NewNop(),
		CheckoutSvc:     checkoutSvc,
		WebhookSvc:      webhookSvc,
		HistorySvc:      historySvc,
		SourceValidator: source,
	})
	s.RegisterRoutes()
	return engine
}

type staticResolver map[string][]string

func (r staticResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	_ = ctx
	var out []net.IPAddr
	for _, a := range r[host] {
		out = append(out, net.IPAddr{IP: net.ParseIP(a)})
	}
	return out, nil
}

func doRequest(engine *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func sampleRequest() *paymentdomain.PaymentRequest {
	return &paymentdomain.PaymentRequest{
		OrderID:   testOrderID,
		AttemptID: "1",
		SubmitURL: "https://sandbox.payfast.co.za/eng/process",
		Fields: []signature.Field{
			{Name: "merchant_id", Value: "10000100"},
			{Name: "item_name", Value: "Fleurene Order 3f2b8c1e"},
		},
		Signature: signature.Signature("0499efb382b940bc37c9f75468c6b3bb"),
	}
}

func TestNotificationResponses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{name: "applied", status: http.StatusOK, body: "OK"},
		{name: "bad signature", err: paymentdomain.ErrInvalidSignature, status: http.StatusBadRequest, body: "Bad Request"},
		{name: "missing signature", err: paymentdomain.ErrMissingSignature, status: http.StatusBadRequest, body: "Bad Request"},
		{name: "unknown order", err: paymentdomain.ErrOrderNotFound, status: http.StatusNotFound, body: "Not Found"},
		{name: "storage", err: paymentdomain.StorageError("find order", context.DeadlineExceeded), status: http.StatusInternalServerError, body: "Internal Server Error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			webhookSvc := &fakeWebhookService{
				result: paymentdomain.ReconcileResult{OrderID: testOrderID, Outcome: paymentdomain.OutcomeApplied},
				err:    tc.err,
			}
			engine := newTestServer(&fakeCheckoutService{}, webhookSvc, &fakeHistoryService{})

			rec := doRequest(engine, http.MethodPost, "/api/payments/notify", "m_payment_id=x&signature=y")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.body, rec.Body.String())
			assert.Equal(t, "m_payment_id=x&signature=y", string(webhookSvc.body))
		})
	}
}

func TestCheckoutEndpointMapsErrors(t *testing.T) {
	cases := []struct {
		name    string
		svc     *fakeCheckoutService
		status  int
		errType string
	}{
		{name: "ok", svc: &fakeCheckoutService{req: sampleRequest()}, status: http.StatusOK},
		{name: "not found", svc: &fakeCheckoutService{err: paymentdomain.ErrOrderNotFound}, status: http.StatusNotFound, errType: "not_found"},
		{name: "paid", svc: &fakeCheckoutService{err: paymentdomain.ErrConflict}, status: http.StatusConflict, errType: "conflict"},
		{name: "retry", svc: &fakeCheckoutService{err: paymentdomain.ErrRetryRequired}, status: http.StatusConflict, errType: "retry_required"},
		{name: "invalid id", svc: &fakeCheckoutService{err: paymentdomain.ErrInvalidOrderID}, status: http.StatusBadRequest, errType: "validation_error"},
		{name: "storage", svc: &fakeCheckoutService{err: paymentdomain.StorageError("find order", context.Canceled)}, status: http.StatusInternalServerError, errType: "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newTestServer(tc.svc, &fakeWebhookService{}, &fakeHistoryService{})
			rec := doRequest(engine, http.MethodPost, "/api/orders/"+testOrderID+"/checkout", "")
			require.Equal(t, tc.status, rec.Code)

			if tc.errType == "" {
				var body struct {
					Data paymentdomain.PaymentRequest `json:"data"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, testOrderID, body.Data.OrderID)
				assert.Equal(t, "0499efb382b940bc37c9f75468c6b3bb", body.Data.Signature.String())
				return
			}

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.errType, body.Error.Type)
			assert.NotContains(t, rec.Body.String(), "context canceled")
		})
	}
}

func TestCheckoutPageRendersAutoSubmitForm(t *testing.T) {
	engine := newTestServer(&fakeCheckoutService{req: sampleRequest()}, &fakeWebhookService{}, &fakeHistoryService{})

	rec := doRequest(engine, http.MethodGet, "/checkout/"+testOrderID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Contains(t, body, `action="https://sandbox.payfast.co.za/eng/process"`)
	assert.Contains(t, body, `name="merchant_id" value="10000100"`)
	assert.Contains(t, body, `name="signature" value="0499efb382b940bc37c9f75468c6b3bb"`)
	assert.Less(t, strings.Index(body, `name="item_name"`), strings.Index(body, `name="signature"`))
}

func TestCheckoutPageErrorIsHTML(t *testing.T) {
	engine := newTestServer(&fakeCheckoutService{err: paymentdomain.ErrConflict}, &fakeWebhookService{}, &fakeHistoryService{})

	rec := doRequest(engine, http.MethodGet, "/checkout/"+testOrderID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "order is already paid")
}

func TestHistoryEndpoint(t *testing.T) {
	engine := newTestServer(&fakeCheckoutService{}, &fakeWebhookService{}, &fakeHistoryService{})
	rec := doRequest(engine, http.MethodGet, "/api/orders/"+testOrderID+"/payment/history?page_size=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "payment COMPLETE via gateway")

	engine = newTestServer(&fakeCheckoutService{}, &fakeWebhookService{}, &fakeHistoryService{err: paymentdomain.ErrInvalidPageToken})
	rec = doRequest(engine, http.MethodGet, "/api/orders/"+testOrderID+"/payment/history?page_token=bad", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationFromUntrustedSourceIsRejected(t *testing.T) {
	gateway := config.DefaultGatewayConfig()
	gateway.ValidHosts = []string{"www.payfast.co.za"}
	source := webhook.NewSourceValidator(webhook.SourceParams{
		Cfg:      config.Config{Payment: config.PaymentConfig{VerifySource: true}},
		Gateway:  config.NewStaticGatewayConfigHolder(gateway),
		Clock:    clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Log:      zap.NewNop(),
		Resolver: staticResolver{"www.payfast.co.za": {"197.97.145.144"}},
	})
	webhookSvc := &fakeWebhookService{result: paymentdomain.ReconcileResult{OrderID: testOrderID, Outcome: paymentdomain.OutcomeApplied}}
	engine := newTestServerWithSource(&fakeCheckoutService{}, webhookSvc, &fakeHistoryService{}, source)

	notify := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/payments/notify", strings.NewReader("m_payment_id="+testOrderID))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		return rec
	}

	rec := notify("203.0.113.7:40000")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusText(http.StatusBadRequest), rec.Body.String())
	assert.Nil(t, webhookSvc.body)

	rec = notify("197.97.145.144:40000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotNil(t, webhookSvc.body)
}

func TestForwardedForOnlyFromTrustedProxies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clientIP := func(proxies []string, remoteAddr string) string {
		engine, err := NewEngine(config.Config{TrustedProxies: proxies}, observability.Config{Environment: "test"}, nil)
		require.NoError(t, err)
		engine.GET("/ip", func(c *gin.Context) { c.String(http.StatusOK, c.ClientIP()) })

		req := httptest.NewRequest(http.MethodGet, "/ip", nil)
		req.RemoteAddr = remoteAddr
		req.Header.Set("X-Forwarded-For", "197.97.145.144")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		return rec.Body.String()
	}

	assert.Equal(t, "203.0.113.7", clientIP(nil, "203.0.113.7:40000"))
	assert.Equal(t, "197.97.145.144", clientIP([]string{"10.0.0.0/8"}, "10.1.2.3:40000"))
}

func TestHealth(t *testing.T) {
	engine := newTestServer(&fakeCheckoutService{}, &fakeWebhookService{}, &fakeHistoryService{})
	rec := doRequest(engine, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func newWiredServer(t *testing.T, db *gorm.DB) *gin.Engine {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	repo := repository.Provide()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{Payment: config.PaymentConfig{
		PublicBaseURL:  "https://shop.example.com",
		StoreTimeout:   5 * time.Second,
		ItemNamePrefix: "Fleurene Order",
	}}

	checkoutSvc := checkout.NewService(checkout.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repo,
		Cfg:      cfg,
		Merchant: testMerchant,
		Gateway:  config.NewStaticGatewayConfigHolder(config.DefaultGatewayConfig()),
	})
	reconciler := reconcile.NewService(reconcile.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repo,
	})
	webhookSvc := webhook.NewService(webhook.Params{
		Log:        zap.NewNop(),
		Verifier:   webhook.NewVerifier(testMerchant, zap.NewNop()),
		Reconciler: reconciler,
		Cfg:        cfg,
	})
	historySvc := history.NewService(history.Params{DB: db, Log: zap.NewNop(), Repo: repo, Cfg: cfg})
	return newTestServer(checkoutSvc, webhookSvc, historySvc)
}

func TestCheckoutThenNotificationCompletesOrder(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID)
	engine := newWiredServer(t, db)

	rec := doRequest(engine, http.MethodPost, "/api/orders/"+testOrderID+"/checkout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var issued struct {
		Data paymentdomain.PaymentRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))

	sent := map[string]string{}
	for _, f := range issued.Data.Fields {
		sent[f.Name] = f.Value
	}

	notification := signature.FieldSet{
		MerchantID:    testMerchant.ID,
		MPaymentID:    sent["m_payment_id"],
		PFPaymentID:   "1089250",
		PaymentStatus: "COMPLETE",
		ItemName:      sent["item_name"],
		AmountGross:   sent["amount"],
		AmountFee:     "-29.89",
		AmountNet:     "1269.61",
	}
	notification.CustomStr[0] = sent["custom_str1"]
	notification.CustomStr[1] = sent["custom_str2"]

	body := encodeForm(notification) + "&signature=" + signature.Sign(notification, testPassphrase).String()

	rec = doRequest(engine, http.MethodPost, "/api/payments/notify", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	order := paymenttest.LoadOrder(t, db, testOrderID)
	assert.Equal(t, paymentdomain.PaymentStatusCompleted, order.PaymentStatus)
	assert.Equal(t, paymentdomain.OrderStatusProcessing, order.Status)
	assert.Equal(t, "1089250", order.ProviderPaymentID)

	// Redelivery is acknowledged without a second history entry.
	rec = doRequest(engine, http.MethodPost, "/api/payments/notify", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/api/orders/"+testOrderID+"/payment/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data []paymentdomain.StatusHistoryEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Contains(t, page.Data[0].Note, "1089250")

	// Tampering with a signed field invalidates the notification.
	tampered := strings.Replace(body, "amount_gross=", "amount_gross=1", 1)
	rec = doRequest(engine, http.MethodPost, "/api/payments/notify", tampered)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(engine, http.MethodPost, "/api/orders/"+testOrderID+"/checkout", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCheckoutPageReloadKeepsOneAttempt(t *testing.T) {
	db := paymenttest.SetupDB(t)
	paymenttest.SeedOrder(t, db, testOrderID)
	engine := newWiredServer(t, db)

	var bodies []string
	for i := 0; i < 3; i++ {
		rec := doRequest(engine, http.MethodGet, "/checkout/"+testOrderID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		bodies = append(bodies, rec.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[0], bodies[2])

	assert.EqualValues(t, 1, paymenttest.Count(t, db, `SELECT COUNT(*) FROM payment_attempts`))
	assert.Zero(t, paymenttest.Count(t, db, `SELECT COUNT(*) FROM payment_attempts WHERE status = ?`, string(paymentdomain.AttemptStatusSuperseded)))
}

func encodeForm(fs signature.FieldSet) string {
	parts := []string{}
	for _, f := range fs.Pairs() {
		parts = append(parts, f.Name+"="+url.QueryEscape(f.Value))
	}
	return strings.Join(parts, "&")
}
