package lightning

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// InvoiceAmountMsat extracts the amount in millisats from a BOLT11 invoice.
// BOLT11 format: ln<network><amount>[multiplier]1<data>
func InvoiceAmountMsat(invoice string) (int64, error) {
	invoice = strings.ToLower(invoice)

	var amountStart int
	switch {
	case strings.HasPrefix(invoice, "lnbcrt"):
		amountStart = 6
	case strings.HasPrefix(invoice, "lnbc"), strings.HasPrefix(invoice, "lntb"):
		amountStart = 4
	default:
		return 0, fmt.Errorf("%w: unrecognized prefix", ErrInvalidInvoice)
	}

	// bech32 data never contains '1', so the last one is the separator.
	sepIndex := strings.LastIndex(invoice, "1")
	if sepIndex <= amountStart {
		return 0, fmt.Errorf("%w: no separator", ErrInvalidInvoice)
	}

	amountPart := invoice[amountStart:sepIndex]
	if amountPart == "" {
		return 0, fmt.Errorf("%w: no amount", ErrInvalidInvoice)
	}

	var multiplier int64
	numStr := amountPart[:len(amountPart)-1]
	switch amountPart[len(amountPart)-1] {
	case 'm':
		multiplier = 100_000_000
	case 'u':
		multiplier = 100_000
	case 'n':
		multiplier = 100
	case 'p':
		// pico-BTC is a tenth of a millisat; amounts must be multiples of 10.
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: amount %q", ErrInvalidInvoice, numStr)
		}
		if n%10 != 0 {
			return 0, fmt.Errorf("%w: pico amount %d is not a whole millisat", ErrInvalidInvoice, n)
		}
		return n / 10, nil
	default:
		last := amountPart[len(amountPart)-1]
		if last < '0' || last > '9' {
			return 0, fmt.Errorf("%w: unknown multiplier %c", ErrInvalidInvoice, last)
		}
		numStr = amountPart
		multiplier = 100_000_000_000
	}

	amount, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil || amount < 0 {
		return 0, fmt.Errorf("%w: amount %q", ErrInvalidInvoice, numStr)
	}
	if amount > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("%w: amount %q overflows", ErrInvalidInvoice, amountPart)
	}
	return amount * multiplier, nil
}
