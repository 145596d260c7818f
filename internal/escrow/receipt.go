package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"workescrow/internal/contracts"
)

// ReceiptSource is satisfied by ethclient.Client.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx ends.
func WaitForReceipt(ctx context.Context, client ReceiptSource, tx *types.Transaction, every time.Duration) (*types.Receipt, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreatedEscrow is the EscrowCreated event emitted by the factory.
type CreatedEscrow struct {
	Contract common.Address
	Payer    common.Address
	Worker   common.Address
}

// createdEscrowFromReceipt finds the factory's EscrowCreated log in receipt.
func createdEscrowFromReceipt(receipt *types.Receipt, factory common.Address) (CreatedEscrow, error) {
	if receipt == nil {
		return CreatedEscrow{}, errors.New("no receipt")
	}
	eventID := contracts.FactoryABI.Events[contracts.EventEscrowCreated].ID
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != factory || len(lg.Topics) != 4 || lg.Topics[0] != eventID {
			continue
		}
		return CreatedEscrow{
			Contract: common.BytesToAddress(lg.Topics[1].Bytes()),
			Payer:    common.BytesToAddress(lg.Topics[2].Bytes()),
			Worker:   common.BytesToAddress(lg.Topics[3].Bytes()),
		}, nil
	}
	return CreatedEscrow{}, fmt.Errorf("receipt %s has no %s log from %s", receipt.TxHash.Hex(), contracts.EventEscrowCreated, factory.Hex())
}
