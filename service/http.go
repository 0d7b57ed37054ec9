package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ATMackay/aa-compare/omni"
	"github.com/ATMackay/aa-compare/relay"
	"github.com/ATMackay/aa-compare/workflow"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// endPoint represents an api element.
type endPoint struct {
	path       string
	handler    httprouter.Handle
	methodType string
}

type api struct {
	endpoints []endPoint
}

func makeAPI(endpoints []endPoint) *api {
	r := &api{}
	for _, e := range endpoints {
		r.addEndpoint(e)
	}
	return r
}

func makeServiceAPIs(s *Service) *api {
	return makeAPI([]endPoint{
		{path: StatusEndPnt, handler: Status(), methodType: http.MethodGet},
		{path: HeathEndPnt, handler: Health(s.chain), methodType: http.MethodGet},

		{path: OmniEndPnt, handler: OmniState(s.workflow), methodType: http.MethodGet},
		{path: OmniAccountEndPnt, handler: OmniCreateAccount(s.workflow), methodType: http.MethodPost},
		{path: OmniFundEndPnt, handler: OmniFund(s.workflow), methodType: http.MethodPost},
		{path: OmniBalanceEndPnt, handler: OmniBalance(s.workflow), methodType: http.MethodPost},
		{path: OmniTransferEndPnt, handler: OmniTransfer(s.workflow), methodType: http.MethodPost},

		{path: RelayEndPnt, handler: RelayState(s.workflow), methodType: http.MethodGet},
		{path: RelaySponsoredEndPnt, handler: RelaySponsored(s.workflow), methodType: http.MethodPost},
		{path: RelayERC20EndPnt, handler: RelayERC20(s.workflow), methodType: http.MethodPost},

		{path: DelegationEndPnt, handler: DelegationState(s.workflow), methodType: http.MethodGet},
		{path: DelegationSendEndPnt, handler: DelegationSend(s.workflow), methodType: http.MethodPost},

		{path: CompareEndPnt, handler: Compare(s.workflow), methodType: http.MethodPost},
	})
}

func (a *api) addEndpoint(e endPoint) {
	a.endpoints = append(a.endpoints, e)
}

// routes configures a new httprouter.Router, wrapping each handle (other than the metrics handle)
// with a logger.
func (a *api) routes(l *logrus.Entry, reg *prometheus.Registry) *httprouter.Router {

	router := httprouter.New()

	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "aacompare",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by route and status code.",
	}, []string{"path", "code"})

	for _, e := range a.endpoints {
		router.Handle(e.methodType, e.path, logHTTPRequest(l, requests, e.path, e.handler))
	}

	// Add metrics server - do not use logging middleware
	router.Handler(http.MethodGet, metricsEndPnt, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return router
}

type hTTPService struct {
	server *http.Server
	logger *logrus.Entry

	listener net.Listener
}

// NewHTTPService returns a HTTP server with httprouter Router
// handling requests.
func NewHTTPService(port int, api *api, reg *prometheus.Registry, l *logrus.Entry) *hTTPService {

	handler := api.routes(l, reg)

	return &hTTPService{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: l,
	}
}

// Addr returns the bound address once started, the configured one before.
func (h *hTTPService) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.server.Addr
}

// Port returns the bound TCP port, or 0 if the server is not listening.
func (h *hTTPService) Port() int {
	if h.listener == nil {
		return 0
	}
	_, p, err := net.SplitHostPort(h.listener.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}

// Start binds srv.Addr and spawns the server which will serve incoming requests.
func (h *hTTPService) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}
	h.listener = ln
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.WithFields(logrus.Fields{"error": err}).Warn("serverTerminated")
		}
	}()
	return nil
}

func (h *hTTPService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}

// HTTP logging middleware

// logHTTPRequest provides logging middleware. It surfaces low level request/response data from the http server.
func logHTTPRequest(entry *logrus.Entry, requests *prometheus.CounterVec, path string, h httprouter.Handle) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, req *http.Request, p httprouter.Params) {

		statusRecorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		h(statusRecorder, req, p)
		elapsed := time.Since(start)

		httpCode := statusRecorder.statusCode
		requests.WithLabelValues(path, strconv.Itoa(httpCode)).Inc()
		if entry == nil {
			return
		}

		l := entry.WithFields(logrus.Fields{
			"http_method":          req.Method,
			"http_code":            httpCode,
			"elapsed_microseconds": elapsed.Microseconds(),
			"url":                  req.URL.Path,
			"response":             string(statusRecorder.response),
		})
		// only log full request/response data if running in debug mode or if
		// the server returned an error response code.
		if httpCode > 399 {
			l.Warn("httpErr")
		} else {
			l.Debug("servedHttpRequest")
		}
	})
}

// responseRecorder is a wrapper for http.ResponseWriter used
// by logging middleware.
type responseRecorder struct {
	http.ResponseWriter

	statusCode int
	response   []byte
}

func (w *responseRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.response = b
	return w.ResponseWriter.Write(b)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) error {
	response, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, err = w.Write(response)
	return err
}

// JSONError is the body of every error response.
type JSONError struct {
	Error string `json:"error"`
}

func respondWithError(w http.ResponseWriter, code int, msg any) {
	var message string
	switch m := msg.(type) {
	case error:
		message = m.Error()
	case string:
		message = m
	}
	_ = respondWithJSON(w, code, &JSONError{Error: message})
}

// errorCode maps a workflow error to the response status code.
func errorCode(err error) int {
	switch {
	case errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrMissingConfig),
		errors.Is(err, omni.ErrMissingAPIKey),
		errors.Is(err, relay.ErrMissingAPIKey),
		errors.Is(err, bundler.ErrMissingSponsor):
		return http.StatusPreconditionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
