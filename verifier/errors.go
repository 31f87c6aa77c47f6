package verifier

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// UnresolvableFundingError is the reason a transaction is not instant when
// the output one of its inputs spends cannot be found, or does not pay to a
// time-locked address of the client.
type UnresolvableFundingError struct {
	Tx       chainhash.Hash
	OutPoint wire.OutPoint
	Reason   string
}

// Error implements the error interface.
func (e *UnresolvableFundingError) Error() string {
	return fmt.Sprintf("tx %v: funding output %v %s", e.Tx, e.OutPoint,
		e.Reason)
}

// DoubleSpendDetectedError is the reason a transaction is not instant when
// one of its inputs is spent by more than one stored transaction of the
// client.
type DoubleSpendDetectedError struct {
	Tx       chainhash.Hash
	OutPoint wire.OutPoint
	Spenders []chainhash.Hash
}

// Error implements the error interface.
func (e *DoubleSpendDetectedError) Error() string {
	return fmt.Sprintf("tx %v: outpoint %v signed by %d transactions %v",
		e.Tx, e.OutPoint, len(e.Spenders), e.Spenders)
}
