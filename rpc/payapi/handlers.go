package payapi

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/instapay/instapayd/payment"
	"github.com/julienschmidt/httprouter"
	"github.com/shopspring/decimal"
)

type registerClientRequest struct {
	ClientPublicKey string `json:"clientPublicKey"`
}

type registerClientResponse struct {
	ServerPublicKey string `json:"serverPublicKey"`
}

type createAddressRequest struct {
	ClientPublicKey string `json:"clientPublicKey"`
	LockTime        int64  `json:"lockTime"`
}

type addressResponse struct {
	Address      string `json:"address"`
	AddressHash  string `json:"addressHash"`
	RedeemScript string `json:"redeemScript"`
	LockTime     int64  `json:"lockTime"`
	CreatedAt    int64  `json:"createdAt"`
}

type transactionRequest struct {
	ClientPublicKey string `json:"clientPublicKey"`

	// Tx is the hex encoded transaction, unsigned for payments.
	Tx string `json:"tx,omitempty"`

	// Signatures are the hex encoded client signatures, one per input.
	Signatures []string `json:"signatures,omitempty"`

	// PSBT replaces Tx and Signatures with a base64 encoded PSBT.
	PSBT string `json:"psbt,omitempty"`
}

type transactionResponse struct {
	Verdict  string `json:"verdict"`
	TxHash   string `json:"txHash,omitempty"`
	SignedTx string `json:"signedTx,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type balanceResponse struct {
	Address   string          `json:"address"`
	Confirmed int64           `json:"confirmed"`
	BTC       decimal.Decimal `json:"btc"`
}

// toBTC converts satoshis to a decimal amount of bitcoin.
func toBTC(amount btcutil.Amount) decimal.Decimal {
	return decimal.New(int64(amount), -8)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		sendBadRequest(w, "bad request body: %v", err)
		return false
	}
	return true
}

func parsePubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	return btcec.ParsePubKey(b)
}

func parseTx(s string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	return tx, nil
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func (s *Server) registerClient(w http.ResponseWriter, r *http.Request,
	_ httprouter.Params) {

	var req registerClientRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	client, err := parsePubKey(req.ClientPublicKey)
	if err != nil {
		sendBadRequest(w, "invalid clientPublicKey: %v", err)
		return
	}

	serverKey, err := s.opts.Keys.RegisterClient(r.Context(), client)
	if err != nil {
		sendError(w, "RegisterClient", err)
		return
	}

	sendResponse(w, registerClientResponse{
		ServerPublicKey: hex.EncodeToString(
			serverKey.SerializeCompressed(),
		),
	})
}

func (s *Server) createAddress(w http.ResponseWriter, r *http.Request,
	_ httprouter.Params) {

	var req createAddressRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	client, err := parsePubKey(req.ClientPublicKey)
	if err != nil {
		sendBadRequest(w, "invalid clientPublicKey: %v", err)
		return
	}

	addr, serverKey, err := s.opts.Keys.DeriveTimeLockedAddress(
		r.Context(), client, req.LockTime,
	)
	if err != nil {
		sendError(w, "DeriveTimeLockedAddress", err)
		return
	}
	serverKey.Zero()

	encoded, err := addr.Encode(s.opts.ChainParams)
	if err != nil {
		sendError(w, "Encode", err)
		return
	}

	if err := s.opts.Wallet.Watch(encoded, addr.CreatedAt); err != nil {
		sendError(w, "Watch", err)
		return
	}

	sendResponse(w, addressResponse{
		Address:      encoded.EncodeAddress(),
		AddressHash:  hex.EncodeToString(addr.Hash[:]),
		RedeemScript: hex.EncodeToString(addr.RedeemScript),
		LockTime:     addr.LockTime,
		CreatedAt:    addr.CreatedAt.Unix(),
	})
}

func (s *Server) decodeAddress(w http.ResponseWriter,
	p httprouter.Params) (btcutil.Address, bool) {

	addr, err := btcutil.DecodeAddress(p.ByName("address"),
		s.opts.ChainParams)
	if err != nil || !addr.IsForNet(s.opts.ChainParams) {
		sendBadRequest(w, "invalid address %q", p.ByName("address"))
		return nil, false
	}

	return addr, true
}

func (s *Server) getAddressQR(w http.ResponseWriter, r *http.Request,
	p httprouter.Params) {

	addr, ok := s.decodeAddress(w, p)
	if !ok {
		return
	}

	var amount btcutil.Amount
	if v := r.URL.Query().Get("amount"); v != "" {
		sat, err := strconv.ParseInt(v, 10, 64)
		if err != nil || sat < 0 {
			sendBadRequest(w, "invalid amount %q", v)
			return
		}
		amount = btcutil.Amount(sat)
	}

	qr, err := generateQRCodePNG(
		paymentURI(addr, amount, r.URL.Query().Get("label")),
		qrCodeSize,
	)
	if err != nil {
		sendError(w, "GenerateQRCode", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=900, immutable")
	_, _ = w.Write(qr)
}

func (s *Server) parseTransactionRequest(w http.ResponseWriter,
	r *http.Request) (*payment.Request, bool) {

	var req transactionRequest
	if !decodeRequest(w, r, &req) {
		return nil, false
	}

	client, err := parsePubKey(req.ClientPublicKey)
	if err != nil {
		sendBadRequest(w, "invalid clientPublicKey: %v", err)
		return nil, false
	}

	if req.PSBT != "" {
		if req.Tx != "" || len(req.Signatures) > 0 {
			sendBadRequest(w, "psbt excludes tx and signatures")
			return nil, false
		}

		payReq, err := payment.RequestFromPSBT(client, req.PSBT)
		if err != nil {
			sendBadRequest(w, "invalid psbt: %v", err)
			return nil, false
		}
		return payReq, true
	}

	tx, err := parseTx(req.Tx)
	if err != nil {
		sendBadRequest(w, "invalid tx: %v", err)
		return nil, false
	}

	sigs := make([][]byte, len(req.Signatures))
	for i, sig := range req.Signatures {
		sigs[i], err = hex.DecodeString(sig)
		if err != nil {
			sendBadRequest(w, "invalid signature %d: %v", i, err)
			return nil, false
		}
	}

	return &payment.Request{
		ClientPubKey: client,
		Tx:           tx,
		ClientSigs:   sigs,
	}, true
}

func sendResult(w http.ResponseWriter, result *payment.Result) {
	resp := transactionResponse{
		Verdict: result.Verdict.String(),
	}
	if result.Reason != nil {
		resp.Reason = result.Reason.Error()
	}
	if result.Tx != nil {
		signed, err := serializeTx(result.Tx)
		if err != nil {
			sendError(w, "Serialize", err)
			return
		}
		resp.TxHash = result.Tx.TxHash().String()
		resp.SignedTx = signed
	}

	sendResponse(w, resp)
}

func (s *Server) submitTransaction(w http.ResponseWriter, r *http.Request,
	_ httprouter.Params) {

	req, ok := s.parseTransactionRequest(w, r)
	if !ok {
		return
	}

	result, err := s.opts.Payments.SignVerify(r.Context(), req)
	if err != nil {
		sendError(w, "SignVerify", err)
		return
	}

	sendResult(w, result)
}

func (s *Server) submitRefund(w http.ResponseWriter, r *http.Request,
	_ httprouter.Params) {

	req, ok := s.parseTransactionRequest(w, r)
	if !ok {
		return
	}

	result, err := s.opts.Payments.Refund(r.Context(), req.ClientPubKey,
		req.Tx)
	if err != nil {
		sendError(w, "Refund", err)
		return
	}

	sendResult(w, result)
}

func (s *Server) getBalance(w http.ResponseWriter, _ *http.Request,
	p httprouter.Params) {

	addr, ok := s.decodeAddress(w, p)
	if !ok {
		return
	}

	balance, err := s.opts.Wallet.AddressBalance(addr)
	if err != nil {
		sendError(w, "AddressBalance", err)
		return
	}

	sendResponse(w, balanceResponse{
		Address:   addr.EncodeAddress(),
		Confirmed: int64(balance),
		BTC:       toBTC(balance),
	})
}

func (s *Server) getPot(w http.ResponseWriter, _ *http.Request,
	_ httprouter.Params) {

	if s.opts.PotAddress == nil {
		sendErrorResponse(w, http.StatusNotFound, NotFound,
			"no pot address configured")
		return
	}

	balance, err := s.opts.Wallet.PotBalance()
	if err != nil {
		sendError(w, "PotBalance", err)
		return
	}

	sendResponse(w, balanceResponse{
		Address:   s.opts.PotAddress.EncodeAddress(),
		Confirmed: int64(balance),
		BTC:       toBTC(balance),
	})
}
