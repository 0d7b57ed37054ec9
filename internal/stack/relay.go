package stack

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ATMackay/aa-compare/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// RelayServer is an in-memory stand-in for the gasless relay. Prepared calls
// must be signed by the smart-wallet owner; each task walks through
// CheckPending and ExecPending before settling.
type RelayServer struct {
	*httptest.Server
	SponsorAPIKey string

	// WebSocket enables the task status websocket; when false the endpoint 404s.
	WebSocket bool
	// Revert makes every task end in ExecReverted.
	Revert bool
	// StepDelay spaces websocket updates.
	StepDelay time.Duration
	// OnSend, when set, executes the calls and returns the resulting transaction hash.
	OnSend func(account common.Address, calls []relay.Call) (common.Hash, error)

	mu       sync.Mutex
	prepared map[common.Hash]relay.PrepareRequest
	tasks    map[string]*relayTask
	payments []relay.PaymentType
	upgrader websocket.Upgrader
}

type relayTask struct {
	status relay.TaskStatus
	steps  []relay.TaskState
	next   int
}

type relayContext struct {
	Hash common.Hash `json:"hash"`
}

// NewRelayServer starts a fake relay. It is closed on test cleanup.
func NewRelayServer(t testing.TB, sponsorAPIKey string) *RelayServer {
	s := &RelayServer{
		SponsorAPIKey: sponsorAPIKey,
		WebSocket:     true,
		StepDelay:     10 * time.Millisecond,
		prepared:      make(map[common.Hash]relay.PrepareRequest),
		tasks:         make(map[string]*relayTask),
	}
	r := httprouter.New()
	r.POST(relay.PreparePath, s.prepare)
	r.POST(relay.SendPath, s.send)
	r.GET(relay.TaskStatusPath+":id", s.status)
	r.GET(relay.TaskWSPath, s.ws)
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// WSURL returns the websocket base URL of the server.
func (s *RelayServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// Tasks returns the number of accepted tasks.
func (s *RelayServer) Tasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Payments returns the payment type of every accepted task, in order.
func (s *RelayServer) Payments() []relay.PaymentType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.PaymentType(nil), s.payments...)
}

// Pending returns the number of prepared calls that were never sent.
func (s *RelayServer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prepared)
}

func (s *RelayServer) prepare(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req relay.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Payment.Type == relay.PaymentSponsored && req.Payment.SponsorAPIKey != s.SponsorAPIKey {
		writeError(w, http.StatusUnauthorized, "invalid sponsor api key")
		return
	}
	if req.Payment.Type == relay.PaymentERC20 && req.Payment.Token == nil {
		writeError(w, http.StatusBadRequest, "erc20 payment requires a token")
		return
	}
	b, _ := json.Marshal(&req)
	hash := crypto.Keccak256Hash(b, []byte(uuid.NewString()))
	rc, _ := json.Marshal(&relayContext{Hash: hash})

	s.mu.Lock()
	s.prepared[hash] = req
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, &relay.PrepareResponse{Hash: hash, Context: rc})
}

func (s *RelayServer) send(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req relay.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var rc relayContext
	if err := json.Unmarshal(req.Context, &rc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed context")
		return
	}
	s.mu.Lock()
	prep, ok := s.prepared[rc.Hash]
	delete(s.prepared, rc.Hash)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown context")
		return
	}
	signer, err := recoverSigner(rc.Hash, req.Signature)
	if err != nil || signer != prep.Account {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	id := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	txHash := crypto.Keccak256Hash([]byte(id))
	if s.OnSend != nil {
		if txHash, err = s.OnSend(prep.Account, prep.Calls); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	steps := []relay.TaskState{relay.CheckPending, relay.ExecPending, relay.ExecSuccess}
	if s.Revert {
		steps = []relay.TaskState{relay.CheckPending, relay.ExecReverted}
	}
	s.mu.Lock()
	s.tasks[id] = &relayTask{
		status: relay.TaskStatus{TaskID: id, ChainID: prep.ChainID, TaskState: relay.CheckPending, TransactionHash: &txHash},
		steps:  steps,
	}
	s.payments = append(s.payments, prep.Payment.Type)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, &relay.SendResponse{TaskID: id})
}

// advance moves the task one step forward and returns the new status.
func (s *RelayServer) advance(id string) (relay.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return relay.TaskStatus{}, false
	}
	if t.next < len(t.steps) {
		t.status.TaskState = t.steps[t.next]
		t.next++
	}
	if t.status.TaskState == relay.ExecReverted {
		t.status.LastCheckMessage = "execution reverted"
	}
	return t.status, true
}

func (s *RelayServer) status(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	status, ok := s.advance(p.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, &relay.TaskStatusResponse{Task: status})
}

func (s *RelayServer) ws(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.WebSocket {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req relay.WSRequest
	if err := conn.ReadJSON(&req); err != nil || req.Action != relay.WSActionSubscribe {
		return
	}
	for {
		status, ok := s.advance(req.TaskID)
		if !ok {
			_ = conn.WriteJSON(&relay.WSMessage{Event: relay.WSEventError, Payload: relay.TaskStatus{TaskID: req.TaskID, LastCheckMessage: "task not found"}})
			return
		}
		if err := conn.WriteJSON(&relay.WSMessage{Event: relay.WSEventUpdate, Payload: status}); err != nil {
			return
		}
		if status.TaskState.Terminal() {
			return
		}
		time.Sleep(s.StepDelay)
	}
}
