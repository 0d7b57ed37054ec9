package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/workflow"
	"github.com/julienschmidt/httprouter"
)

const (
	StatusEndPnt = "/status" // status endpoint for LIVENESS probing
	HeathEndPnt  = "/health" // health endpoint for READINESS probing

	OmniEndPnt         = "/v0/omni"          // omni panel state
	OmniAccountEndPnt  = "/v0/omni/account"  // create a fresh smart account
	OmniFundEndPnt     = "/v0/omni/fund"     // top up the smart account with ETH
	OmniBalanceEndPnt  = "/v0/omni/balance"  // refresh USDC and ETH balances
	OmniTransferEndPnt = "/v0/omni/transfer" // cross-chain USDC transfer

	RelayEndPnt          = "/v0/relay"           // relay panel state
	RelaySponsoredEndPnt = "/v0/relay/sponsored" // sponsored counter increment
	RelayERC20EndPnt     = "/v0/relay/erc20"     // USDC-paid counter increment

	DelegationEndPnt     = "/v0/delegation"      // delegation panel state
	DelegationSendEndPnt = "/v0/delegation/send" // delegate and send a user operation

	CompareEndPnt = "/v0/compare" // relay and delegation side by side

	metricsEndPnt = "/metrics" // Prometheus metrics endpoint

	timeout = 5 * time.Second
)

// StatusResponse contains status response fields.
type StatusResponse struct {
	Message string `json:"message,omitempty"`
	Version string `json:"version,omitempty"`
	Service string `json:"service,omitempty"`
}

// Status implements the status request endpoint. Always returns OK.
func Status() httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := respondWithJSON(w, http.StatusOK, &StatusResponse{Message: "OK", Version: FullVersion, Service: ServiceName}); err != nil {
			respondWithError(w, http.StatusInternalServerError, fmt.Errorf("respond error: %v", err))
		}
	})

}

// HealthResponse contains health check response fields.
type HealthResponse struct {
	Version  string   `json:"version,omitempty"`
	Service  string   `json:"service,omitempty"`
	Failures []string `json:"failures"`
}

// Health pings the source chain nodes. It ensures that the connected
// execution clients are ready to serve the workflows.
func Health(ethClient chain.Client) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		health := &HealthResponse{
			Service: ServiceName,
			Version: FullVersion,
		}
		var failures = []string{}
		var httpCode = http.StatusOK

		// check clients
		ctx, cancelFunc := context.WithTimeout(r.Context(), timeout)
		defer cancelFunc()
		if _, err := ethClient.BlockNumber(ctx); err != nil {
			failures = append(failures, splitFailures(err)...)
		}

		health.Failures = failures

		if len(health.Failures) > 0 {
			httpCode = http.StatusServiceUnavailable
		}

		if err := respondWithJSON(w, httpCode, health); err != nil {
			respondWithError(w, http.StatusInternalServerError, fmt.Errorf("respond error: %v", err))
		}
	})
}

// splitFailures unpacks the '|' terminated node errors of a multi node client.
func splitFailures(err error) []string {
	msg := err.Error()
	if !strings.Contains(msg, "|") {
		return []string{msg}
	}
	failureArray := strings.Split(msg, "|")
	return failureArray[0 : len(failureArray)-1]
}

// respond writes the payload on success and maps err to its status code otherwise.
func respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		respondWithError(w, errorCode(err), err)
		return
	}
	if err := respondWithJSON(w, http.StatusOK, payload); err != nil {
		respondWithError(w, http.StatusInternalServerError, fmt.Errorf("respond error: %v", err))
	}
}

// OmniState returns the omni panel.
func OmniState(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		respond(w, wf.Omni.State(), nil)
	})
}

// OmniCreateAccount discards any stored account and creates a new one.
func OmniCreateAccount(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s, err := wf.Omni.CreateAccount(r.Context())
		respond(w, s, err)
	})
}

// OmniFund sends the funding amount to the smart account.
func OmniFund(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s, err := wf.Omni.FundAccount(r.Context())
		respond(w, s, err)
	})
}

// OmniBalance reads the smart account balances.
func OmniBalance(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s, err := wf.Omni.RefreshBalance(r.Context())
		respond(w, s, err)
	})
}

// OmniTransfer submits a cross-chain USDC transfer. The response carries the
// bundle id; execution is awaited in the background.
func OmniTransfer(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req workflow.TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
			return
		}
		s, err := wf.Omni.Transfer(r.Context(), req)
		respond(w, s, err)
	})
}

// RelayState returns the relay panel.
func RelayState(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		respond(w, wf.Relay.State(), nil)
	})
}

// RelaySponsored sends a sponsored increment and waits for its final state.
func RelaySponsored(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		res, err := wf.Relay.SponsoredTransaction(r.Context())
		respond(w, res, err)
	})
}

// RelayERC20 sends an increment paid for in USDC and waits for its final state.
func RelayERC20(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		res, err := wf.Relay.ERC20Transaction(r.Context())
		respond(w, res, err)
	})
}

// DelegationState returns the delegation panel.
func DelegationState(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		respond(w, wf.Delegation.State(), nil)
	})
}

// DelegationSend delegates the session account if needed and sends an
// increment as a user operation.
func DelegationSend(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		res, err := wf.Delegation.DelegateAndSend(r.Context())
		respond(w, res, err)
	})
}

// Compare runs both sponsored paths concurrently. Per-provider failures are
// reported in the body, so it always answers 200.
func Compare(wf *workflow.Workflow) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		respond(w, wf.Compare(r.Context()), nil)
	})
}
