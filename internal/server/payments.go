package server

import (
	"errors"
	"io"
	"net/http"

	obscontext "github.com/SeanBayley/Fleurene-sub001/internal/observability/context"
	"github.com/SeanBayley/Fleurene-sub001/internal/observability/logger"
	paymentdomain "github.com/SeanBayley/Fleurene-sub001/internal/payment/domain"
	"github.com/SeanBayley/Fleurene-sub001/pkg/db/pagination"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxNotificationBytes  = 64 << 10
	contextPaymentOutcome = "payment_outcome"
)

// HandlePaymentNotification answers the gateway's server-to-server
// notification. Bodies are plain text and carry no diagnostics; any non-200
// makes the gateway redeliver.
func (s *Server) HandlePaymentNotification(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondNotification(c, http.StatusBadRequest, paymentdomain.ErrMalformedPayload)
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), payload)
	if result.OrderID != "" {
		c.Request = c.Request.WithContext(obscontext.WithOrderID(c.Request.Context(), result.OrderID))
	}
	if err != nil {
		s.respondNotification(c, notificationStatus(err), err)
		return
	}

	c.Set(contextPaymentOutcome, string(result.Outcome))
	c.String(http.StatusOK, "OK")
}

// WebhookSourceCheck answers 400 to notifications that do not come from one
// of the gateway's hosts. It is a no-op when source checks are disabled.
func (s *Server) WebhookSourceCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.sourceValidator.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		source := c.ClientIP()
		allowed, err := s.sourceValidator.Allow(ctx, source)
		if err != nil {
			logger.FromContext(ctx).Warn("webhook source check failed", zap.Error(err))
			s.respondNotification(c, http.StatusServiceUnavailable, ErrServiceUnavailable)
			return
		}
		if !allowed {
			logger.FromContext(ctx).Warn("notification from untrusted source", zap.String("source", source))
			s.respondNotification(c, http.StatusBadRequest, paymentdomain.ErrUntrustedSource)
			return
		}
		c.Next()
	}
}

func (s *Server) respondNotification(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.Set(contextPaymentOutcome, notificationOutcome(err))
	c.String(status, http.StatusText(status))
	c.Abort()
}

func notificationStatus(err error) int {
	switch {
	case paymentdomain.IsVerificationFailure(err):
		return http.StatusBadRequest
	case errors.Is(err, paymentdomain.ErrOrderNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func notificationOutcome(err error) string {
	switch {
	case paymentdomain.IsVerificationFailure(err):
		return "verification_failed"
	case errors.Is(err, paymentdomain.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, paymentdomain.ErrTransientStorage):
		return "storage_error"
	default:
		return "error"
	}
}

func (s *Server) CreateCheckout(c *gin.Context) {
	req, err := s.checkoutSvc.Checkout(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": req})
}

func (s *Server) RetryPayment(c *gin.Context) {
	req, err := s.checkoutSvc.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(c.Request.Context()).Info("payment retry issued",
		zap.String("attempt_id", req.AttemptID),
	)
	c.JSON(http.StatusOK, gin.H{"data": req})
}

func (s *Server) ListPaymentHistory(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entries, info, err := s.historySvc.List(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      entries,
		"page_info": info,
	})
}
