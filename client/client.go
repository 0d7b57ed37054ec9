// Package client is a typed HTTP client for the aa-compare API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ATMackay/aa-compare/service"
	"github.com/ATMackay/aa-compare/workflow"
)

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	c       *http.Client
	mu      sync.Mutex
	headers http.Header
}

// New returns a new aa-compare http client.
func New(url string) *Client {
	return &Client{
		baseURL: url,
		c:       new(http.Client),
		mu:      sync.Mutex{},
		headers: makeDefaultHeaders(),
	}
}

func makeDefaultHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}

// SetHeader sets a header sent with every request.
func (client *Client) SetHeader(key, value string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.headers.Set(key, value)
}

func (client *Client) Status(ctx context.Context) (*service.StatusResponse, error) {
	var status service.StatusResponse
	if err := client.executeRequest(ctx, &status, http.MethodGet, service.StatusEndPnt, nil); err != nil {
		return nil, err
	}
	return &status, nil
}

func (client *Client) Health(ctx context.Context) (*service.HealthResponse, error) {
	var health service.HealthResponse
	if err := client.executeRequest(ctx, &health, http.MethodGet, service.HeathEndPnt, nil); err != nil {
		return nil, err
	}
	return &health, nil
}

// Omni

func (client *Client) omni(ctx context.Context, method, path string, body any) (*workflow.OmniState, error) {
	var state workflow.OmniState
	if err := client.executeRequest(ctx, &state, method, path, body); err != nil {
		return nil, err
	}
	return &state, nil
}

func (client *Client) OmniState(ctx context.Context) (*workflow.OmniState, error) {
	return client.omni(ctx, http.MethodGet, service.OmniEndPnt, nil)
}

func (client *Client) CreateAccount(ctx context.Context) (*workflow.OmniState, error) {
	return client.omni(ctx, http.MethodPost, service.OmniAccountEndPnt, nil)
}

func (client *Client) FundAccount(ctx context.Context) (*workflow.OmniState, error) {
	return client.omni(ctx, http.MethodPost, service.OmniFundEndPnt, nil)
}

func (client *Client) RefreshBalance(ctx context.Context) (*workflow.OmniState, error) {
	return client.omni(ctx, http.MethodPost, service.OmniBalanceEndPnt, nil)
}

func (client *Client) Transfer(ctx context.Context, req workflow.TransferRequest) (*workflow.OmniState, error) {
	return client.omni(ctx, http.MethodPost, service.OmniTransferEndPnt, &req)
}

// Relay

func (client *Client) RelayState(ctx context.Context) (*workflow.RelayState, error) {
	var state workflow.RelayState
	if err := client.executeRequest(ctx, &state, http.MethodGet, service.RelayEndPnt, nil); err != nil {
		return nil, err
	}
	return &state, nil
}

func (client *Client) result(ctx context.Context, path string) (*workflow.Result, error) {
	var res workflow.Result
	if err := client.executeRequest(ctx, &res, http.MethodPost, path, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

func (client *Client) SponsoredTransaction(ctx context.Context) (*workflow.Result, error) {
	return client.result(ctx, service.RelaySponsoredEndPnt)
}

func (client *Client) ERC20Transaction(ctx context.Context) (*workflow.Result, error) {
	return client.result(ctx, service.RelayERC20EndPnt)
}

// Delegation

func (client *Client) DelegationState(ctx context.Context) (*workflow.DelegationState, error) {
	var state workflow.DelegationState
	if err := client.executeRequest(ctx, &state, http.MethodGet, service.DelegationEndPnt, nil); err != nil {
		return nil, err
	}
	return &state, nil
}

func (client *Client) DelegateAndSend(ctx context.Context) (*workflow.Result, error) {
	return client.result(ctx, service.DelegationSendEndPnt)
}

// Compare runs the relay and delegation paths side by side.
func (client *Client) Compare(ctx context.Context) (*workflow.Comparison, error) {
	var c workflow.Comparison
	if err := client.executeRequest(ctx, &c, http.MethodPost, service.CompareEndPnt, nil); err != nil {
		return nil, err
	}
	return &c, nil
}

func (client *Client) executeRequest(ctx context.Context, result any, method, path string, body any) (err error) {

	op := &requestOp{
		path:   path,
		method: method,
		msg:    body,
		resp:   make(chan *jsonResult, 1),
	}
	if err := client.sendHTTP(ctx, op, result); err != nil {
		return err
	}

	jsonRes, err := op.wait(ctx)
	if err != nil {
		return err
	}
	if jsonRes.errMsg != nil {
		return &Error{StatusCode: jsonRes.status, Message: jsonRes.errMsg.Error}
	}

	return nil
}

func (client *Client) sendHTTP(ctx context.Context, op *requestOp, result any) error {

	respBody, status, err := client.doRequest(ctx, op.method, op.path, op.msg)
	if err != nil {
		return err
	}

	defer respBody.Close()

	// await response
	var res = &jsonResult{
		result: result,
		status: status,
	}

	// process resp or error
	if status > 399 {
		errMsg := service.JSONError{}
		if err := json.NewDecoder(respBody).Decode(&errMsg); err != nil {
			return &Error{StatusCode: status, Message: http.StatusText(status)}
		}
		res.errMsg = &errMsg
	} else {
		if err := json.NewDecoder(respBody).Decode(&result); err != nil {
			return err
		}
	}

	op.resp <- res

	return nil
}

func (client *Client) doRequest(ctx context.Context, method, path string, msg any) (io.ReadCloser, int, error) {
	// Serialize JSON-encoded method
	var body []byte
	var err error
	if msg != nil {
		body, err = json.Marshal(msg)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, io.NopCloser(bytes.NewReader(body)))
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }

	// set headers
	client.mu.Lock()
	req.Header = client.headers.Clone()
	client.mu.Unlock()
	setHeaders(req.Header, headersFromContext(ctx))

	// do request
	resp, err := client.c.Do(req)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return resp.Body, resp.StatusCode, nil
}

type jsonResult struct {
	result any
	status int
	errMsg *service.JSONError
}

type requestOp struct {
	path   string
	method string
	msg    any
	resp   chan *jsonResult
}

func (op *requestOp) wait(ctx context.Context) (*jsonResult, error) {
	select {
	case <-ctx.Done():
		// Send the timeout error
		return nil, ctx.Err()
	case resp := <-op.resp:
		return resp, nil
	}
}

type mdHeaderKey struct{}

// NewContextWithHeaders returns a context whose headers are added to any
// request made with it.
func NewContextWithHeaders(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, mdHeaderKey{}, h)
}

// headersFromContext is used to extract http.Header from context.
func headersFromContext(ctx context.Context) http.Header {
	source, _ := ctx.Value(mdHeaderKey{}).(http.Header)
	return source
}

// setHeaders sets all headers from src in dst.
func setHeaders(dst http.Header, src http.Header) http.Header {
	for key, values := range src {
		dst[http.CanonicalHeaderKey(key)] = values
	}
	return dst
}
