package chainsim

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"workescrow/internal/contracts"
	"workescrow/internal/escrow"
)

var (
	errorStringSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	panicSelector       = crypto.Keccak256([]byte("Panic(uint256)"))[:4]

	stringArgs = abi.Arguments{{Type: mustType("string")}}
	uintArgs   = abi.Arguments{{Type: mustType("uint256")}}
)

// Solidity panic code for an out-of-bounds array index.
const panicArrayIndex = 0x32

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func revertReason(reason string) []byte {
	packed, _ := stringArgs.Pack(reason)
	return append(append([]byte{}, errorStringSelector...), packed...)
}

func panicCode(code int64) []byte {
	packed, _ := uintArgs.Pack(big.NewInt(code))
	return append(append([]byte{}, panicSelector...), packed...)
}

func customError(name string, args ...any) []byte {
	def := contracts.Permit2ErrorABI.Errors[name]
	packed, _ := def.Inputs.Pack(args...)
	return append(append([]byte{}, def.ID.Bytes()[:4]...), packed...)
}

// applyFunc commits a call whose guards all passed and returns its logs.
type applyFunc func(tx common.Hash) []*types.Log

// prepare runs every guard of a state-changing call. Either revert is non-nil
// or apply is ready to commit. It must be called with mu held.
func (c *Chain) prepare(from, to common.Address, data []byte) (apply applyFunc, ret []byte, revert []byte) {
	noop := func(common.Hash) []*types.Log { return nil }

	inst := c.escrows[to]
	if to != c.factory && inst == nil {
		if c.balances[to] != nil {
			out, rev := c.tokenView(to, data)
			return noop, out, rev
		}
		// Plain account: the call succeeds and does nothing.
		return noop, nil, nil
	}
	if len(data) < 4 {
		return nil, nil, []byte{}
	}

	if to == c.factory {
		method, err := contracts.FactoryABI.MethodById(data[:4])
		if err != nil {
			return nil, nil, []byte{}
		}
		if method.Name != contracts.MethodCreateEscrow {
			out, rev := c.factoryView(from, method, data[4:])
			return noop, out, rev
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, nil, []byte{}
		}
		params := *abi.ConvertType(args[0], new(contracts.EscrowParams)).(*contracts.EscrowParams)
		permit := *abi.ConvertType(args[1], new(contracts.PermitTransferFrom)).(*contracts.PermitTransferFrom)
		details := *abi.ConvertType(args[2], new(contracts.SignatureTransferDetails)).(*contracts.SignatureTransferDetails)
		sig, _ := args[3].([]byte)
		return c.prepareCreate(from, params, permit, details, sig)
	}

	method, err := contracts.EscrowABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, []byte{}
	}
	switch method.Name {
	case contracts.MethodAccept:
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, nil, []byte{}
		}
		permit := *abi.ConvertType(args[0], new(contracts.PermitTransferFrom)).(*contracts.PermitTransferFrom)
		details := *abi.ConvertType(args[1], new(contracts.SignatureTransferDetails)).(*contracts.SignatureTransferDetails)
		sig, _ := args[2].([]byte)
		apply, revert := c.prepareAccept(from, inst, permit, details, sig)
		return apply, nil, revert
	case contracts.MethodDecline:
		apply, revert := c.prepareDecline(from, inst)
		return apply, nil, revert
	case contracts.MethodMarkAsCompleted:
		apply, revert := c.prepareComplete(from, inst)
		return apply, nil, revert
	case contracts.MethodTriggerInsurance:
		apply, revert := c.prepareInsurance(from, inst)
		return apply, nil, revert
	}
	out, rev := c.escrowView(inst, method)
	return noop, out, rev
}

func (c *Chain) prepareCreate(payer common.Address, p contracts.EscrowParams, permit contracts.PermitTransferFrom, details contracts.SignatureTransferDetails, sig []byte) (applyFunc, []byte, []byte) {
	switch {
	case p.Worker == (common.Address{}) || p.Worker == payer:
		return nil, nil, revertReason("worker must be set and differ from payer")
	case p.TotalAmount == nil || p.InsuranceAmount == nil || p.TotalAmount.Cmp(p.InsuranceAmount) < 0:
		return nil, nil, revertReason("total amount below insurance amount")
	case p.Deadline == nil || p.Deadline.Cmp(big.NewInt(c.now().Unix())) <= 0:
		return nil, nil, revertReason("DeadlineExpired: deadline must be in the future")
	case permit.Permitted.Token != p.Token:
		return nil, nil, revertReason("PermitInvalid: permit token does not match payment token")
	case details.To != c.factory:
		return nil, nil, revertReason("PermitInvalid: transfer recipient must be the factory")
	case details.RequestedAmount.Cmp(p.TotalAmount) < 0:
		return nil, nil, revertReason("PermitInvalid: permit does not cover total amount")
	}
	if revert := c.checkPermit(payer, c.factory, permit, details, sig); revert != nil {
		return nil, nil, revert
	}

	addr := crypto.CreateAddress(c.factory, c.factoryNonce)
	ret, _ := contracts.FactoryABI.Methods[contracts.MethodCreateEscrow].Outputs.Pack(addr)
	apply := func(tx common.Hash) []*types.Log {
		c.factoryNonce++
		c.consumePermit(payer, permit, details)
		c.escrows[addr] = &instance{
			address: addr,
			payer:   payer,
			params:  p,
			status:  escrow.StatusPending,
			shares:  new(big.Int).Set(details.RequestedAmount),
		}
		c.all = append(c.all, addr)
		c.byPayer[payer] = append(c.byPayer[payer], addr)
		c.byWorker[p.Worker] = append(c.byWorker[p.Worker], addr)
		c.contractsOf[payer] = append(c.contractsOf[payer], addr)
		c.contractsOf[p.Worker] = append(c.contractsOf[p.Worker], addr)

		event := contracts.FactoryABI.Events[contracts.EventEscrowCreated]
		return []*types.Log{{
			Address: c.factory,
			Topics: []common.Hash{
				event.ID,
				common.BytesToHash(addr.Bytes()),
				common.BytesToHash(payer.Bytes()),
				common.BytesToHash(p.Worker.Bytes()),
			},
			TxHash: tx,
		}}
	}
	return apply, ret, nil
}

func (c *Chain) prepareAccept(from common.Address, inst *instance, permit contracts.PermitTransferFrom, details contracts.SignatureTransferDetails, sig []byte) (applyFunc, []byte) {
	now := c.now().Unix()
	switch {
	case from != inst.params.Worker:
		return nil, revertReason("Unauthorized: caller is not the worker")
	case !inst.status.CanTransition(escrow.StatusAccepted):
		return nil, revertReason("InvalidState: escrow is " + inst.status.String())
	case now >= inst.params.Deadline.Int64():
		return nil, revertReason("DeadlineExpired: acceptance window closed")
	case permit.Permitted.Token != inst.params.Token:
		return nil, revertReason("PermitInvalid: permit token does not match payment token")
	case details.To != inst.address:
		return nil, revertReason("PermitInvalid: transfer recipient must be the escrow")
	case details.RequestedAmount.Cmp(inst.params.InsuranceAmount) < 0:
		return nil, revertReason("PermitInvalid: stake below insurance amount")
	}
	if revert := c.checkPermit(from, inst.address, permit, details, sig); revert != nil {
		return nil, revert
	}
	return func(common.Hash) []*types.Log {
		c.consumePermit(from, permit, details)
		inst.shares.Add(inst.shares, details.RequestedAmount)
		inst.stakeStart = now
		inst.status = escrow.StatusAccepted
		return nil
	}, nil
}

func (c *Chain) prepareDecline(from common.Address, inst *instance) (applyFunc, []byte) {
	switch {
	case from != inst.params.Worker:
		return nil, revertReason("Unauthorized: caller is not the worker")
	case !inst.status.CanTransition(escrow.StatusDeclined):
		return nil, revertReason("InvalidState: escrow is " + inst.status.String())
	}
	return func(common.Hash) []*types.Log {
		c.release(inst, inst.payer)
		inst.status = escrow.StatusDeclined
		return nil
	}, nil
}

func (c *Chain) prepareComplete(from common.Address, inst *instance) (applyFunc, []byte) {
	switch {
	case from != inst.payer:
		return nil, revertReason("Unauthorized: caller is not the payer")
	case !inst.status.CanTransition(escrow.StatusCompleted):
		return nil, revertReason("InvalidState: escrow is " + inst.status.String())
	}
	return func(common.Hash) []*types.Log {
		c.release(inst, inst.params.Worker)
		inst.status = escrow.StatusCompleted
		return nil
	}, nil
}

func (c *Chain) prepareInsurance(from common.Address, inst *instance) (applyFunc, []byte) {
	switch {
	case from != inst.payer && from != inst.params.Worker:
		return nil, revertReason("Unauthorized: caller is not a party to the escrow")
	case !inst.status.CanTransition(escrow.StatusDispute):
		return nil, revertReason("InvalidState: escrow is " + inst.status.String())
	}
	expired := c.now().Unix() >= inst.params.Deadline.Int64()
	return func(common.Hash) []*types.Log {
		if expired {
			c.release(inst, inst.payer)
			inst.status = escrow.StatusFailed
			return nil
		}
		inst.status = escrow.StatusDispute
		return nil
	}, nil
}

// release pays out everything the escrow holds in its vault to recipient.
func (c *Chain) release(inst *instance, recipient common.Address) {
	c.credit(inst.params.Token, recipient, inst.shares)
	inst.shares = new(big.Int)
}

// checkPermit mirrors SignatureTransfer.permitTransferFrom's checks, in order,
// with spender as msg.sender.
func (c *Chain) checkPermit(owner, spender common.Address, permit contracts.PermitTransferFrom, details contracts.SignatureTransferDetails, sig []byte) []byte {
	if permit.Deadline == nil || big.NewInt(c.now().Unix()).Cmp(permit.Deadline) > 0 {
		return customError("SignatureExpired", permit.Deadline)
	}
	if details.RequestedAmount.Cmp(permit.Permitted.Amount) > 0 {
		return customError("InvalidAmount", permit.Permitted.Amount)
	}
	if c.nonces[owner][permit.Nonce.String()] {
		return customError("InvalidNonce")
	}
	if len(sig) != crypto.SignatureLength {
		return customError("InvalidSignatureLength")
	}
	signer, err := escrow.RecoverSigner(escrow.PermitTypedData(permit, spender, c.chainID, c.permit2), sig)
	if err != nil || signer != owner {
		return customError("InvalidSigner")
	}
	if bal := c.balance(permit.Permitted.Token, owner); bal.Cmp(details.RequestedAmount) < 0 {
		return customError("ERC20InsufficientBalance", owner, new(big.Int).Set(bal), details.RequestedAmount)
	}
	return nil
}

func (c *Chain) consumePermit(owner common.Address, permit contracts.PermitTransferFrom, details contracts.SignatureTransferDetails) {
	if c.nonces[owner] == nil {
		c.nonces[owner] = make(map[string]bool)
	}
	c.nonces[owner][permit.Nonce.String()] = true
	c.debit(permit.Permitted.Token, owner, details.RequestedAmount)
}

func (c *Chain) factoryView(from common.Address, method *abi.Method, input []byte) ([]byte, []byte) {
	args, err := method.Inputs.Unpack(input)
	if err != nil {
		return nil, []byte{}
	}
	var value any
	switch method.Name {
	case contracts.MethodGetContractsOf:
		value = copyAddrs(c.contractsOf[args[0].(common.Address)])
	case contracts.MethodGetAllContracts:
		value = copyAddrs(c.all)
	case contracts.MethodGetMyContracts:
		value = copyAddrs(c.contractsOf[from])
	case contracts.MethodPermit2:
		value = c.permit2
	case contracts.MethodAllEscrows:
		addr, ok := at(c.all, args[0].(*big.Int))
		if !ok {
			return nil, panicCode(panicArrayIndex)
		}
		value = addr
	case contracts.MethodEscrowsByPayer:
		addr, ok := at(c.byPayer[args[0].(common.Address)], args[1].(*big.Int))
		if !ok {
			return nil, panicCode(panicArrayIndex)
		}
		value = addr
	case contracts.MethodEscrowsByWorker:
		addr, ok := at(c.byWorker[args[0].(common.Address)], args[1].(*big.Int))
		if !ok {
			return nil, panicCode(panicArrayIndex)
		}
		value = addr
	default:
		return nil, []byte{}
	}
	out, err := method.Outputs.Pack(value)
	if err != nil {
		return nil, []byte{}
	}
	return out, nil
}

// tokenView answers the ERC20 reads of a token that was minted.
func (c *Chain) tokenView(token common.Address, data []byte) ([]byte, []byte) {
	if len(data) < 4 {
		return nil, []byte{}
	}
	method, err := contracts.ERC20ABI.MethodById(data[:4])
	if err != nil || method.Name != contracts.MethodBalanceOf {
		return nil, []byte{}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, []byte{}
	}
	out, err := method.Outputs.Pack(new(big.Int).Set(c.balance(token, args[0].(common.Address))))
	if err != nil {
		return nil, []byte{}
	}
	return out, nil
}

func (c *Chain) escrowView(inst *instance, method *abi.Method) ([]byte, []byte) {
	var value any
	switch method.Name {
	case contracts.MethodName:
		value = inst.params.Name
	case contracts.MethodOverview:
		value = inst.params.Overview
	case contracts.MethodDeadline:
		value = new(big.Int).Set(inst.params.Deadline)
	case contracts.MethodInsuranceAmount:
		value = new(big.Int).Set(inst.params.InsuranceAmount)
	case contracts.MethodTotalAmount:
		value = new(big.Int).Set(inst.params.TotalAmount)
	case contracts.MethodPaymentToken:
		value = inst.params.Token
	case contracts.MethodVault:
		value = inst.params.Vault
	case contracts.MethodPayer:
		value = inst.payer
	case contracts.MethodWorker:
		value = inst.params.Worker
	case contracts.MethodStatus:
		value = uint8(inst.status)
	case contracts.MethodStakeStart:
		value = big.NewInt(inst.stakeStart)
	case contracts.MethodGetBalanceInShares:
		value = new(big.Int).Set(inst.shares)
	case contracts.MethodPermit2:
		value = c.permit2
	default:
		return nil, []byte{}
	}
	out, err := method.Outputs.Pack(value)
	if err != nil {
		return nil, []byte{}
	}
	return out, nil
}

func at(list []common.Address, idx *big.Int) (common.Address, bool) {
	if !idx.IsUint64() || idx.Uint64() >= uint64(len(list)) {
		return common.Address{}, false
	}
	return list[idx.Uint64()], true
}

func copyAddrs(in []common.Address) []common.Address {
	out := make([]common.Address, len(in))
	copy(out, in)
	return out
}
