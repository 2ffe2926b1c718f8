package httputils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"
)

type ctxKey int

const (
	requestInfoCtxKey ctxKey = iota
)

// RequestInfo carries per-request metadata for webhook logging.
type RequestInfo struct {
	RealIP     string
	ProxyIPs   []string
	UserAgent  string
	RequestID  string
	AppVersion string
}

// SetRequestInfo returns a new context with set (or re-set) RequestInfo,
// derived from the request headers.
func SetRequestInfo(r *http.Request, appVersion string) (out context.Context, res RequestInfo) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ipsl := strings.Split(fwd, ", ")
		res.RealIP = ipsl[0]
		if len(ipsl) > 1 {
			res.ProxyIPs = ipsl[1:]
		}
	}
	if res.RealIP == "" {
		res.RealIP = strings.Split(r.RemoteAddr, ":")[0]
	}
	res.UserAgent = r.UserAgent()
	res.RequestID = r.Header.Get("X-Request-Id")
	if res.RequestID == "" {
		res.RequestID = appCreatedRequestID()
	}
	res.AppVersion = appVersion

	out = context.WithValue(r.Context(), requestInfoCtxKey, res)
	return out, res
}

// GetRequestInfo returns RequestInfo from the context.
func GetRequestInfo(ctx context.Context) (res RequestInfo) {
	res, _ = ctx.Value(requestInfoCtxKey).(RequestInfo)
	return res
}

func (ri RequestInfo) FirstProxyIP() string {
	if len(ri.ProxyIPs) > 0 {
		return ri.ProxyIPs[0]
	}
	return ""
}

// application created
// ac-2006-01-02T15:04:05.000-XXX###XXX
func appCreatedRequestID() string {
	return "ac-" + time.Now().Format("2006-01-02T15:04:05.000") + randString(9)
}

func randString(len int) string {
	b := make([]byte, len)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
