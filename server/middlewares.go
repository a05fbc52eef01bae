package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Daskott/safeguard/server/auth"
	"github.com/Daskott/safeguard/server/logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "safeguard_http_requests_total",
	Help: "HTTP requests served, by route and status code.",
}, []string{"method", "route", "status"})

type RequestContextKey string

type DecodedJWT struct {
	Claims   *auth.SafeguardTokenClaims
	ErrorMsg string
}

type ResponsePayload struct {
	Errors  []string    `json:"errors"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type ResponseWriterWithStatus struct {
	http.ResponseWriter
	Status int
}

func (r *ResponseWriterWithStatus) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *ResponseWriterWithStatus) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.Status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		responseWriter := &ResponseWriterWithStatus{
			ResponseWriter: w,
			Status:         200,
		}

		defer func() {
			responseStatus := logger.Green(responseWriter.Status)
			if responseWriter.Status >= 400 {
				responseStatus = logger.Red(responseWriter.Status)
			}

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if template, err := current.GetPathTemplate(); err == nil {
					route = template
				}
			}
			httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(responseWriter.Status)).Inc()

			logg.Info(
				r.Method, " ",
				r.URL.Path, " ",
				responseStatus, " ",
				logger.Yellow(fmt.Sprintf("[%v]", time.Since(start))))
		}()

		next.ServeHTTP(responseWriter, r)
	})
}

func jsonContentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// initialContextMiddleware adds the decoded token to the request context.
// Browsers cannot set headers on a websocket handshake, so a 'token' query
// parameter is accepted as well.
func (app *App) initialContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" && r.URL.Query().Get("token") != "" {
			authHeader = "Bearer " + r.URL.Query().Get("token")
		}

		ctx := context.WithValue(r.Context(), RequestContextKey("decodedJWT"), app.decodeAndVerifyAuthHeader(r.Context(), authHeader))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func protectedRouteMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodedJWT, _ := r.Context().Value(RequestContextKey("decodedJWT")).(DecodedJWT)
		if decodedJWT.Claims == nil {
			errMsg := decodedJWT.ErrorMsg
			if errMsg == "" {
				errMsg = "no token provided"
			}
			writeResponse(w, ResponsePayload{Errors: []string{errMsg}}, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
