package payapi

import (
	"fmt"
	"net/url"

	"github.com/btcsuite/btcd/btcutil"
	qrcode "github.com/skip2/go-qrcode"
)

// qrCodeSize is the edge length of generated QR codes in pixels.
const qrCodeSize = 256

// paymentURI returns the BIP 21 URI of a payment to addr. A zero amount is
// left out.
func paymentURI(addr btcutil.Address, amount btcutil.Amount,
	label string) string {

	query := url.Values{}
	if amount > 0 {
		query.Set("amount", toBTC(amount).String())
	}
	if label != "" {
		query.Set("label", label)
	}

	uri := fmt.Sprintf("bitcoin:%s", addr.EncodeAddress())
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	return uri
}

// generateQRCodePNG encodes content as a PNG QR code.
func generateQRCodePNG(content string, size int) ([]byte, error) {
	return qrcode.Encode(content, qrcode.Medium, size)
}
