// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	stdecdsa "crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/bchsuite/bchwallet/pkg/cashaddr"
	"github.com/bchsuite/bchwallet/txbuilder"
)

var (
	// ErrExpiredPaymentRequest is returned when a payment request's expiry
	// has passed. The expiry is checked twice: once when the request is
	// fetched and again when the paying transaction is signed, so a
	// request that lapses while the user deliberates can never be paid.
	ErrExpiredPaymentRequest = errors.New("payment request expired")

	// ErrBadRequestSignature is returned when a payment request's
	// signature does not verify against the expected requestor key.
	ErrBadRequestSignature = errors.New("invalid payment request signature")
)

// maxRequestSize bounds a fetched payment request body.
const maxRequestSize = 1 << 20

// PaymentRequest is a merchant-supplied payment demand, consumed read-only.
// The wallet fills a transaction from its outputs but never mutates it.
type PaymentRequest struct {
	// Requestor identifies who is asking for payment, as asserted by the
	// request signature.
	Requestor string

	// Memo is the human-readable description shown before paying.
	Memo string

	// Created is when the request was issued.
	Created time.Time

	// Expires is the moment the request stops being payable. A zero
	// value means the request never expires.
	Expires time.Time

	// Outputs are the demanded payments.
	Outputs []txbuilder.OutputSpec

	// PaymentURL is where the signed transaction should be posted back,
	// when the merchant supports it.
	PaymentURL string

	// certs is the requestor's certificate chain, leaf first, for
	// x509-signed requests.
	certs [][]byte

	// raw is the exact body the signature covers.
	raw []byte

	// signature is the requestor's DER signature over the double-SHA256
	// digest of raw (contact key) or over raw itself (x509).
	signature []byte
}

// Expired reports whether the request can no longer be paid at the given
// time.
func (r *PaymentRequest) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// checkRequestExpiry rejects an expired request with the typed error. A nil
// request means the transaction pays no request and always passes.
func checkRequestExpiry(r *PaymentRequest, now time.Time) error {
	if r == nil {
		return nil
	}

	if r.Expired(now) {
		return fmt.Errorf("%w: expired at %v", ErrExpiredPaymentRequest,
			r.Expires)
	}

	return nil
}

// VerifySignature checks the request signature against a known contact key.
// Requests without a signature fail: an unsigned request cannot assert a
// requestor identity.
func (r *PaymentRequest) VerifySignature(
	contactKey *secp256k1.PublicKey) error {

	if len(r.signature) == 0 {
		return fmt.Errorf("%w: request is unsigned",
			ErrBadRequestSignature)
	}

	sig, err := ecdsa.ParseDERSignature(r.signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequestSignature, err)
	}

	if !sig.Verify(chainhash.DoubleHashB(r.raw), contactKey) {
		return ErrBadRequestSignature
	}

	return nil
}

// VerifyCertificate checks an x509-signed request: the leaf certificate
// must chain to one of the given roots and its key must have signed the
// request body. The leaf's common name is adopted as the requestor
// identity.
func (r *PaymentRequest) VerifyCertificate(roots *x509.CertPool,
	now time.Time) error {

	if len(r.signature) == 0 || len(r.certs) == 0 {
		return fmt.Errorf("%w: request carries no certificate chain",
			ErrBadRequestSignature)
	}

	leaf, err := x509.ParseCertificate(r.certs[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequestSignature, err)
	}

	intermediates := x509.NewCertPool()
	for _, der := range r.certs[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadRequestSignature,
				err)
		}
		intermediates.AddCert(cert)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequestSignature, err)
	}

	algo := x509.SHA256WithRSA
	if _, ok := leaf.PublicKey.(*stdecdsa.PublicKey); ok {
		algo = x509.ECDSAWithSHA256
	}

	if err := leaf.CheckSignature(algo, r.raw, r.signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequestSignature, err)
	}

	r.Requestor = leaf.Subject.CommonName

	return nil
}

// paymentRequestJSON is the wire form of a payment request.
type paymentRequestJSON struct {
	Network    string              `json:"network"`
	Requestor  string              `json:"requestor,omitempty"`
	Memo       string              `json:"memo,omitempty"`
	Time       int64               `json:"time"`
	Expires    int64               `json:"expires,omitempty"`
	PaymentURL string              `json:"paymentUrl,omitempty"`
	Outputs    []paymentOutputJSON `json:"outputs"`

	// Certs is the requestor's DER certificate chain, leaf first,
	// present on x509-signed requests.
	Certs [][]byte `json:"certs,omitempty"`
}

// paymentOutputJSON is one demanded output on the wire. Amounts are integer
// satoshis.
type paymentOutputJSON struct {
	Amount  int64  `json:"amount"`
	Address string `json:"address"`
}

// signatureHeader carries the requestor's hex DER signature over the
// response body.
const signatureHeader = "X-Signature"

// RequestFetcher retrieves payment requests over HTTP.
type RequestFetcher struct {
	// Client is the HTTP client used for fetches. A nil client falls
	// back to http.DefaultClient.
	Client *http.Client

	// AddrPrefix is the cashaddr network prefix demanded of request
	// outputs.
	AddrPrefix string
}

// Fetch retrieves and parses the payment request at url. Expiry is enforced
// here as well as at signing time.
func (f *RequestFetcher) Fetch(ctx context.Context, url string) (
	*PaymentRequest, error) {

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodGet, url, nil,
	)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/payment-request")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment request fetch failed: %v",
			resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestSize))
	if err != nil {
		return nil, err
	}

	request, err := parsePaymentRequest(body, f.AddrPrefix)
	if err != nil {
		return nil, err
	}

	if sigHex := resp.Header.Get(signatureHeader); sigHex != "" {
		request.signature, err = hex.DecodeString(sigHex)
		if err != nil {
			return nil, fmt.Errorf("%w: %v",
				ErrBadRequestSignature, err)
		}
	}

	if err := checkRequestExpiry(request, time.Now()); err != nil {
		return nil, err
	}

	log.Debugf("Fetched payment request from %s: %d output(s), "+
		"memo=%q", url, len(request.Outputs), request.Memo)

	return request, nil
}

// parsePaymentRequest decodes the wire form and validates its outputs.
func parsePaymentRequest(body []byte, addrPrefix string) (*PaymentRequest,
	error) {

	var wire paymentRequestJSON
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("malformed payment request: %w", err)
	}

	if len(wire.Outputs) == 0 {
		return nil, fmt.Errorf("%w: payment request has no outputs",
			txbuilder.ErrInvalidAmount)
	}

	outputs := make([]txbuilder.OutputSpec, 0, len(wire.Outputs))
	for _, out := range wire.Outputs {
		if out.Amount <= 0 {
			return nil, fmt.Errorf("%w: requested amount %d",
				txbuilder.ErrInvalidAmount, out.Amount)
		}

		addr, err := cashaddr.ParseAddress(out.Address, addrPrefix)
		if err != nil {
			return nil, err
		}

		outputs = append(outputs, txbuilder.OutputSpec{
			Address: addr,
			Amount:  btcutil.Amount(out.Amount),
		})
	}

	request := &PaymentRequest{
		Requestor:  wire.Requestor,
		Memo:       wire.Memo,
		Created:    time.Unix(wire.Time, 0).UTC(),
		Outputs:    outputs,
		PaymentURL: wire.PaymentURL,
		certs:      wire.Certs,
		raw:        body,
	}
	if wire.Expires != 0 {
		request.Expires = time.Unix(wire.Expires, 0).UTC()
	}

	return request, nil
}
