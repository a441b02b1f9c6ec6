package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// ParseUnits converts a decimal string such as "12.5" into the token's
// minor units. The result must fit a uint256.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	whole, frac, err := splitAmount(amount)
	if err != nil {
		return nil, err
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: amount %q has more than %d decimal places", ErrInvalidInput, amount, decimals)
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q is not a number", ErrInvalidInput, amount)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return nil, fmt.Errorf("%w: amount %q is out of range", ErrInvalidInput, amount)
	}
	return value, nil
}

// FormatUnits renders minor units as a decimal string, keeping at least one
// fractional digit ("1.0").
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0.0"
	}
	neg := value.Sign() < 0
	digits := new(big.Int).Abs(value).String()
	if pad := int(decimals) + 1 - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
	if frac == "" {
		frac = "0"
	}
	out := whole + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

// splitAmount checks the syntax of a decimal amount and returns its whole
// and fractional digits, trailing fractional zeros removed.
func splitAmount(amount string) (string, string, error) {
	if amount == "" {
		return "", "", fmt.Errorf("%w: empty amount", ErrInvalidInput)
	}
	whole, frac, hasDot := strings.Cut(amount, ".")
	if whole == "" && (!hasDot || frac == "") {
		return "", "", fmt.Errorf("%w: amount %q is not a number", ErrInvalidInput, amount)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return "", "", fmt.Errorf("%w: amount %q is not a number", ErrInvalidInput, amount)
	}
	return whole, strings.TrimRight(frac, "0"), nil
}

// checkAmount rejects malformed and zero amounts without knowing the
// token's precision.
func checkAmount(amount string) error {
	whole, frac, err := splitAmount(strings.TrimSpace(amount))
	if err != nil {
		return err
	}
	if strings.Trim(whole, "0") == "" && frac == "" {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidInput)
	}
	return nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// TxID is the payment contract's transaction identifier, held as a
// lower-case 0x-prefixed hex quantity.
type TxID string

// ParseTxID accepts a hex (0x-prefixed) or decimal identifier.
func ParseTxID(s string) (TxID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrIncompleteInput
	}
	value, ok := new(big.Int), false
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		value, ok = value.SetString(s[2:], 16)
	} else {
		value, ok = value.SetString(s, 10)
	}
	if !ok || value.Sign() < 0 {
		return "", fmt.Errorf("%w: transaction id %q", ErrInvalidInput, s)
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return "", fmt.Errorf("%w: transaction id %q is out of range", ErrInvalidInput, s)
	}
	return TxIDFromBig(value), nil
}

func TxIDFromBig(v *big.Int) TxID { return TxID(hexutil.EncodeBig(v)) }

func (id TxID) Big() *big.Int {
	v, err := hexutil.DecodeBig(string(id))
	if err != nil {
		return new(big.Int)
	}
	return v
}
