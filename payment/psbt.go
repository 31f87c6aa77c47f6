package payment

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

// ErrMissingClientSig is returned when a PSBT input carries no partial
// signature of the client.
var ErrMissingClientSig = errors.New("missing client signature")

// RequestFromPSBT builds a Request from a base64 encoded PSBT. The client
// signature of every input is taken from the input's partial signatures.
func RequestFromPSBT(client *btcec.PublicKey, b64 string) (*Request, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	if err != nil {
		return nil, fmt.Errorf("decode psbt: %w", err)
	}

	clientKey := client.SerializeCompressed()
	sigs := make([][]byte, len(packet.Inputs))
	for i, in := range packet.Inputs {
		for _, partial := range in.PartialSigs {
			if bytes.Equal(partial.PubKey, clientKey) {
				sigs[i] = partial.Signature
				break
			}
		}
		if sigs[i] == nil {
			return nil, fmt.Errorf("input %d: %w", i,
				ErrMissingClientSig)
		}
	}

	return &Request{
		ClientPubKey: client,
		Tx:           packet.UnsignedTx.Copy(),
		ClientSigs:   sigs,
	}, nil
}
