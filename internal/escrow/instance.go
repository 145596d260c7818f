package escrow

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status is the on-chain WorkContract.Status enum.
type Status uint8

const (
	StatusPending Status = iota
	StatusAccepted
	StatusDeclined
	StatusCompleted
	StatusFailed
	StatusDispute
)

var statusNames = [...]string{"Pending", "Accepted", "Declined", "Completed", "Failed", "Dispute"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) Valid() bool { return int(s) < len(statusNames) }

// Terminal statuses admit no further transition. Dispute is not terminal but
// is resolved outside this client.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined || s == StatusFailed
}

// CanTransition reports whether the contract state machine allows s -> next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAccepted || next == StatusDeclined
	case StatusAccepted:
		return next == StatusCompleted || next == StatusDispute || next == StatusFailed
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStatus(raw string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(strings.TrimSpace(raw), name) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status %q", raw)
}

// Role filters account listings.
type Role string

const (
	RoleAny    Role = ""
	RolePayer  Role = "payer"
	RoleWorker Role = "worker"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleAny, RolePayer, RoleWorker:
		return r, nil
	case "any", "all":
		return RoleAny, nil
	default:
		return RoleAny, fmt.Errorf("unknown role %q", raw)
	}
}

// Instance is a consistent snapshot of one deployed escrow. Amounts are in
// display units of Token.
type Instance struct {
	Address         common.Address  `json:"contract"`
	Name            string          `json:"name"`
	Overview        string          `json:"overview"`
	Deadline        time.Time       `json:"deadline"`
	InsuranceAmount decimal.Decimal `json:"insuranceAmount"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Token           common.Address  `json:"token"`
	Vault           common.Address  `json:"vault"`
	Payer           common.Address  `json:"payer"`
	Worker          common.Address  `json:"worker"`
	Status          Status          `json:"status"`
	// StakeStart is zero until the worker accepts.
	StakeStart    time.Time `json:"stakeStart"`
	VaultShares   *big.Int  `json:"vaultShares"`
	TokenDecimals int32     `json:"tokenDecimals"`
}

// HasParticipant reports whether addr plays role in the agreement.
func (i *Instance) HasParticipant(addr common.Address, role Role) bool {
	switch role {
	case RolePayer:
		return i.Payer == addr
	case RoleWorker:
		return i.Worker == addr
	default:
		return i.Payer == addr || i.Worker == addr
	}
}

// MarshalJSON writes deadline and stakeStart as unix seconds, the way the
// contract stores them; stakeStart is 0 until the worker accepts.
func (i Instance) MarshalJSON() ([]byte, error) {
	type plain Instance
	return json.Marshal(struct {
		plain
		Deadline   int64 `json:"deadline"`
		StakeStart int64 `json:"stakeStart"`
	}{plain: plain(i), Deadline: unixSeconds(i.Deadline), StakeStart: unixSeconds(i.StakeStart)})
}

func (i *Instance) UnmarshalJSON(b []byte) error {
	type plain Instance
	aux := struct {
		*plain
		Deadline   int64 `json:"deadline"`
		StakeStart int64 `json:"stakeStart"`
	}{plain: (*plain)(i)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	i.Deadline = unixTime(big.NewInt(aux.Deadline))
	i.StakeStart = unixTime(big.NewInt(aux.StakeStart))
	return nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
