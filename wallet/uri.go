// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bchsuite/bchwallet/pkg/cashaddr"
	"github.com/bchsuite/bchwallet/txbuilder"
)

var (
	// ErrAmountOverflow is returned when a URI amount has too many
	// decimal places or exceeds the total coin supply.
	ErrAmountOverflow = errors.New("uri amount overflows")

	// ErrMalformedURI is returned when a payment URI cannot be parsed.
	ErrMalformedURI = errors.New("malformed payment uri")
)

// coinDecimals is the number of decimal places in one whole coin.
const coinDecimals = 8

// PaymentURI is a parsed scheme:address[?amount=&message=&r=] link.
type PaymentURI struct {
	// Address is the destination.
	Address cashaddr.Address

	// Amount is the requested amount, zero when the URI leaves it to the
	// payer.
	Amount btcutil.Amount

	// Message is a free-form payment description.
	Message string

	// RequestURL is the r= parameter: a payment request to fetch instead
	// of paying the address directly.
	RequestURL string
}

// ParseURI parses a payment URI under the given cashaddr prefix. The prefix
// doubles as the URI scheme, so both "prefix:addr?..." and a bare address
// are accepted.
func ParseURI(uri, prefix string) (*PaymentURI, error) {
	addrPart, query, _ := strings.Cut(uri, "?")
	if addrPart == "" {
		return nil, fmt.Errorf("%w: empty address", ErrMalformedURI)
	}

	addr, err := cashaddr.ParseAddress(addrPart, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}

	parsed := &PaymentURI{Address: addr}
	if query == "" {
		return parsed, nil
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}

	if raw := params.Get("amount"); raw != "" {
		parsed.Amount, err = parseDecimalAmount(raw)
		if err != nil {
			return nil, err
		}
	}

	parsed.Message = params.Get("message")
	parsed.RequestURL = params.Get("r")

	return parsed, nil
}

// String renders the URI under the given prefix.
func (u *PaymentURI) String(prefix string) string {
	var b strings.Builder
	b.WriteString(u.Address.Encode(prefix))

	params := url.Values{}
	if u.Amount > 0 {
		params.Set("amount", formatDecimalAmount(u.Amount))
	}
	if u.Message != "" {
		params.Set("message", u.Message)
	}
	if u.RequestURL != "" {
		params.Set("r", u.RequestURL)
	}

	if len(params) > 0 {
		b.WriteByte('?')
		b.WriteString(params.Encode())
	}

	return b.String()
}

// parseDecimalAmount converts a decimal whole-coin string to satoshis
// without going through floating point, so every representable amount round
// trips exactly.
func parseDecimalAmount(raw string) (btcutil.Amount, error) {
	whole, frac, hasFrac := strings.Cut(raw, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrMalformedURI)
	}
	if hasFrac && len(frac) > coinDecimals {
		return 0, fmt.Errorf("%w: %q has more than %d decimal places",
			ErrAmountOverflow, raw, coinDecimals)
	}

	// Right-pad the fraction to a fixed satoshi count.
	frac += strings.Repeat("0", coinDecimals-len(frac))

	var sats int64
	for _, digits := range []string{whole, frac} {
		for _, c := range digits {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("%w: amount %q",
					ErrMalformedURI, raw)
			}

			next := sats*10 + int64(c-'0')
			if next > int64(btcutil.MaxSatoshi) {
				return 0, fmt.Errorf("%w: amount %q",
					ErrAmountOverflow, raw)
			}
			sats = next
		}
	}

	if sats == 0 {
		return 0, fmt.Errorf("%w: amount %q", txbuilder.ErrInvalidAmount,
			raw)
	}

	return btcutil.Amount(sats), nil
}

// formatDecimalAmount renders satoshis as a minimal decimal coin string.
func formatDecimalAmount(amount btcutil.Amount) string {
	sats := int64(amount)
	whole := sats / btcutil.SatoshiPerBitcoin
	frac := sats % btcutil.SatoshiPerBitcoin

	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}

	s := fmt.Sprintf("%d.%08d", whole, frac)

	return strings.TrimRight(s, "0")
}
