package stack

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ATMackay/aa-compare/omni"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// OmniServer is an in-memory stand-in for the cross-chain orchestration service.
// Account addresses are derived deterministically from the owner, intents are
// checked against the owner signature, and bundles complete after PendingPolls
// status reads.
type OmniServer struct {
	*httptest.Server
	APIKey string

	// PendingPolls is the number of status reads that report PENDING before the final state.
	PendingPolls int
	// Fail makes every bundle end in FAILED.
	Fail bool

	mu        sync.Mutex
	accounts  map[common.Address]common.Address // smart account -> owner
	intents   map[common.Hash]omni.PrepareRequest
	bundles   map[string]*omniBundle
	submitted []omni.PrepareRequest
}

type omniBundle struct {
	status omni.BundleStatus
	polls  int
}

type omniIntent struct {
	Hash common.Hash `json:"hash"`
}

// NewOmniServer starts a fake orchestrator that accepts apiKey. It is closed on test cleanup.
func NewOmniServer(t testing.TB, apiKey string) *OmniServer {
	s := &OmniServer{
		APIKey:   apiKey,
		accounts: make(map[common.Address]common.Address),
		intents:  make(map[common.Hash]omni.PrepareRequest),
		bundles:  make(map[string]*omniBundle),
	}
	r := httprouter.New()
	r.POST(omni.AccountsPath, s.auth(s.createAccount))
	r.POST(omni.PrepareBundlePath, s.auth(s.prepare))
	r.POST(omni.BundlesPath, s.auth(s.submit))
	r.GET(omni.BundlesPath+"/:id", s.auth(s.status))
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AccountFor returns the smart-account address the server assigns to owner.
func AccountFor(owner common.Address) common.Address {
	return common.BytesToAddress(crypto.Keccak256(common.FromHex("0x6f6d6e69"), owner.Bytes())[12:])
}

// Submitted returns the prepare requests of every accepted bundle.
func (s *OmniServer) Submitted() []omni.PrepareRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]omni.PrepareRequest, len(s.submitted))
	copy(out, s.submitted)
	return out
}

func (s *OmniServer) auth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if r.Header.Get(omni.APIKeyHeader) != s.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		h(w, r, p)
	}
}

func (s *OmniServer) createAccount(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req omni.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Owners.Accounts) != 1 {
		writeError(w, http.StatusBadRequest, "expected a single ecdsa owner")
		return
	}
	owner := req.Owners.Accounts[0]
	acct := AccountFor(owner)
	s.mu.Lock()
	s.accounts[acct] = owner
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, &omni.CreateAccountResponse{Address: acct})
}

func (s *OmniServer) prepare(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req omni.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	_, known := s.accounts[req.Account]
	s.mu.Unlock()
	if !known {
		writeError(w, http.StatusNotFound, "unknown account")
		return
	}
	b, _ := json.Marshal(&req)
	hash := crypto.Keccak256Hash(b, []byte(uuid.NewString()))
	intent, _ := json.Marshal(&omniIntent{Hash: hash})

	s.mu.Lock()
	s.intents[hash] = req
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, &omni.PrepareResponse{IntentHash: hash, Intent: intent})
}

func (s *OmniServer) submit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req omni.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var intent omniIntent
	if err := json.Unmarshal(req.Intent, &intent); err != nil {
		writeError(w, http.StatusBadRequest, "malformed intent")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prep, ok := s.intents[intent.Hash]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown intent")
		return
	}
	signer, err := recoverSigner(intent.Hash, req.Signature)
	if err != nil || signer != s.accounts[prep.Account] {
		writeError(w, http.StatusUnauthorized, "invalid intent signature")
		return
	}
	delete(s.intents, intent.Hash)

	id := uuid.NewString()
	s.bundles[id] = &omniBundle{status: omni.BundleStatus{ID: id, Status: omni.BundlePending, TargetChainID: prep.TargetChainID}}
	s.submitted = append(s.submitted, prep)
	writeJSON(w, http.StatusOK, &omni.SubmitResponse{BundleID: id})
}

func (s *OmniServer) status(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[p.ByName("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "bundle not found")
		return
	}
	if b.status.Status == omni.BundlePending {
		if b.polls >= s.PendingPolls {
			if s.Fail {
				b.status.Status = omni.BundleFailed
				b.status.Error = "fill reverted"
			} else {
				fill := crypto.Keccak256Hash([]byte(b.status.ID))
				b.status.Status = omni.BundleCompleted
				b.status.FillTransactionHash = &fill
			}
		}
		b.polls++
	}
	status := b.status
	writeJSON(w, http.StatusOK, &status)
}
