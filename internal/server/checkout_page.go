package server

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/SeanBayley/Fleurene-sub001/internal/observability/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// The signature travels as the last form field, after the signed fields in
// their canonical order.
var checkoutPageTemplate = template.Must(template.New("checkout").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex">
<title>Redirecting to payment</title>
</head>
<body onload="document.forms[0].submit()">
<form action="{{.SubmitURL}}" method="post">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
<input type="hidden" name="signature" value="{{.Signature}}">
<noscript><button type="submit">Continue to payment</button></noscript>
</form>
</body>
</html>
`))

var checkoutErrorTemplate = template.Must(template.New("checkout_error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Payment unavailable</title>
</head>
<body>
<p>{{.}}</p>
</body>
</html>
`))

// ServeCheckoutPage renders a self-submitting form that hands the browser
// over to the gateway. Reloads resubmit the order's live attempt.
func (s *Server) ServeCheckoutPage(c *gin.Context) {
	req, err := s.checkoutSvc.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		status, payload := mapError(err)
		s.renderHTML(c, status, checkoutErrorTemplate, payload.Message)
		return
	}

	c.Header("Cache-Control", "no-store")
	s.renderHTML(c, http.StatusOK, checkoutPageTemplate, req)
}

func (s *Server) renderHTML(c *gin.Context, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logger.FromContext(c.Request.Context()).Error("render checkout page failed", zap.Error(err))
		c.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		c.Abort()
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
	if status >= http.StatusBadRequest {
		c.Abort()
	}
}
