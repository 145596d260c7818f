// Package contracts holds the ABI surface of the escrow factory, the escrow
// instance, the Permit2 errors they can bubble up and the ERC20 balance read,
// together with the Go shapes of the tuples those ABIs take.
package contracts

import (
	"bytes"
	_ "embed"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	//go:embed abi/ContractFactory.json
	ContractFactoryABIJSON []byte

	//go:embed abi/WorkContract.json
	WorkContractABIJSON []byte

	//go:embed abi/Permit2Errors.json
	Permit2ErrorsABIJSON []byte

	//go:embed abi/ERC20.json
	ERC20ABIJSON []byte
)

// Parsed ABIs. They are embedded at build time, so a parse failure is a
// packaging bug and panics at init.
var (
	FactoryABI      = mustParse(ContractFactoryABIJSON)
	EscrowABI       = mustParse(WorkContractABIJSON)
	Permit2ErrorABI = mustParse(Permit2ErrorsABIJSON)
	ERC20ABI        = mustParse(ERC20ABIJSON)
)

// Factory functions.
const (
	MethodCreateEscrow    = "createEscrowWithPermit2"
	MethodGetContractsOf  = "getContractsOf"
	MethodGetAllContracts = "getAllContracts"
	MethodAllEscrows      = "allEscrows"
	MethodEscrowsByPayer  = "escrowsByPayer"
	MethodEscrowsByWorker = "escrowsByWorker"
	MethodGetMyContracts  = "getMyContracts"
	MethodPermit2         = "permit2"

	EventEscrowCreated = "EscrowCreated"
)

// Instance functions.
const (
	MethodAccept           = "acceptWithPermit2"
	MethodDecline          = "declineContract"
	MethodMarkAsCompleted  = "markAsCompleted"
	MethodTriggerInsurance = "triggerInsurance"

	MethodName               = "name"
	MethodOverview           = "overview"
	MethodDeadline           = "deadline"
	MethodInsuranceAmount    = "insuranceAmount"
	MethodTotalAmount        = "totalAmount"
	MethodPaymentToken       = "paymentToken"
	MethodVault              = "vault"
	MethodPayer              = "payer"
	MethodWorker             = "worker"
	MethodStatus             = "status"
	MethodStakeStart         = "stakeStart"
	MethodGetBalanceInShares = "getBalanceInShares"
)

// MethodBalanceOf is the ERC20 balance view of payment tokens.
const MethodBalanceOf = "balanceOf"

// EscrowParams mirrors ContractFactory.EscrowParams. Field order and names
// follow the tuple components; amounts are token minor units.
type EscrowParams struct {
	Worker          common.Address
	Deadline        *big.Int
	Overview        string
	Name            string
	InsuranceAmount *big.Int
	TotalAmount     *big.Int
	Token           common.Address
	Vault           common.Address
}

// TokenPermissions mirrors ISignatureTransfer.TokenPermissions.
type TokenPermissions struct {
	Token  common.Address
	Amount *big.Int
}

// PermitTransferFrom mirrors ISignatureTransfer.PermitTransferFrom.
type PermitTransferFrom struct {
	Permitted TokenPermissions
	Nonce     *big.Int
	Deadline  *big.Int
}

// SignatureTransferDetails mirrors ISignatureTransfer.SignatureTransferDetails.
type SignatureTransferDetails struct {
	To              common.Address
	RequestedAmount *big.Int
}

func mustParse(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic("contracts: parse embedded abi: " + err.Error())
	}
	return parsed
}
