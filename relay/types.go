package relay

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	PreparePath    = "/smartwallet/prepare"
	SendPath       = "/smartwallet/send"
	TaskStatusPath = "/tasks/status/"
	TaskWSPath     = "/tasks/ws/status"

	APIKeyHeader = "X-API-Key"
)

// TaskState is the relay's view of a submitted task.
type TaskState string

const (
	CheckPending           TaskState = "CheckPending"
	ExecPending            TaskState = "ExecPending"
	WaitingForConfirmation TaskState = "WaitingForConfirmation"
	ExecSuccess            TaskState = "ExecSuccess"
	ExecReverted           TaskState = "ExecReverted"
	Cancelled              TaskState = "Cancelled"
)

// Terminal reports whether no further updates follow this state.
func (s TaskState) Terminal() bool {
	switch s {
	case ExecSuccess, ExecReverted, Cancelled:
		return true
	}
	return false
}

// PaymentType selects who pays for gas.
type PaymentType string

const (
	PaymentSponsored PaymentType = "sponsored"
	PaymentERC20     PaymentType = "erc20"
)

// Payment is the gas payment method attached to a relayed call.
type Payment struct {
	Type          PaymentType     `json:"type"`
	Token         *common.Address `json:"token,omitempty"`
	SponsorAPIKey string          `json:"sponsorApiKey,omitempty"`
}

// Sponsored pays gas from the sponsor's relay balance identified by apiKey.
func Sponsored(apiKey string) Payment {
	return Payment{Type: PaymentSponsored, SponsorAPIKey: apiKey}
}

// ERC20 pays gas with token held by the smart account.
func ERC20(token common.Address) Payment {
	return Payment{Type: PaymentERC20, Token: &token}
}

// Call is a single call executed by the smart wallet.
type Call struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

type PrepareRequest struct {
	ChainID uint64         `json:"chainId"`
	Account common.Address `json:"account"`
	Payment Payment        `json:"payment"`
	Calls   []Call         `json:"calls"`
}

// PrepareResponse holds the digest the owner signs and the opaque context
// that must be echoed back on send.
type PrepareResponse struct {
	Hash    common.Hash     `json:"hash"`
	Context json.RawMessage `json:"context"`
}

type SendRequest struct {
	Context   json.RawMessage `json:"context"`
	Signature hexutil.Bytes   `json:"signature"`
	Payment   Payment         `json:"payment"`
}

type SendResponse struct {
	TaskID string `json:"taskId"`
}

// TaskStatus is a single status report for a task.
type TaskStatus struct {
	TaskID           string       `json:"taskId"`
	ChainID          uint64       `json:"chainId,omitempty"`
	TaskState        TaskState    `json:"taskState"`
	TransactionHash  *common.Hash `json:"transactionHash,omitempty"`
	LastCheckMessage string       `json:"lastCheckMessage,omitempty"`
}

type TaskStatusResponse struct {
	Task TaskStatus `json:"task"`
}

// Subscription messages exchanged on the task status websocket.
type WSRequest struct {
	Action string `json:"action"`
	TaskID string `json:"taskId"`
}

type WSMessage struct {
	Event   string     `json:"event"`
	Payload TaskStatus `json:"payload"`
}

const (
	WSActionSubscribe = "subscribe"
	WSEventUpdate     = "taskStatusUpdate"
	WSEventError      = "error"
)
