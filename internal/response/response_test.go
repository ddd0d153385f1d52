package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, requestID string, h gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", h)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if requestID != "" {
		req.Header.Set(HeaderRequestID, requestID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body Response
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w, body
}

func TestRequestIDReusesWellFormedHeader(t *testing.T) {
	w, body := serve(t, "kiosk-req-0001", func(c *gin.Context) { Success(c, http.StatusOK, "ok") })
	if body.Metadata.RequestID != "kiosk-req-0001" || w.Header().Get(HeaderRequestID) != "kiosk-req-0001" {
		t.Errorf("request id = %q / %q", body.Metadata.RequestID, w.Header().Get(HeaderRequestID))
	}
}

func TestRequestIDReplacesUnsafeHeader(t *testing.T) {
	_, body := serve(t, "bad id\nforged=1", func(c *gin.Context) { Success(c, http.StatusOK, nil) })
	if body.Metadata.RequestID == "" || body.Metadata.RequestID == "bad id\nforged=1" {
		t.Errorf("request id = %q", body.Metadata.RequestID)
	}
}

func TestFailUsesCatalogueMessage(t *testing.T) {
	w, body := serve(t, "", func(c *gin.Context) {
		FailWithDetail(c, http.StatusServiceUnavailable, ErrSubmitPending, "server busy")
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if body.Error == nil || body.Error.Code != ErrSubmitPending {
		t.Fatalf("error = %+v", body.Error)
	}
	if body.Error.Message != GetMessage(ErrSubmitPending) || body.Error.Detail != "server busy" {
		t.Errorf("error = %+v", body.Error)
	}
	if body.Data != nil {
		t.Errorf("data = %v, want nil", body.Data)
	}
}
