package escrow

import "fmt"

// TxStatus is the code returned by checkTxStatus. The numbering follows the
// contract's enum declaration order and must change only together with it.
type TxStatus uint8

const (
	StatusNotFound TxStatus = iota
	StatusNotProtected
	StatusProtected
	StatusDisputed
	StatusWithdrawn
	StatusChargebacked
)

var statusLabels = [...]string{
	StatusNotFound:     "NotFound",
	StatusNotProtected: "NotProtected",
	StatusProtected:    "Protected",
	StatusDisputed:     "Disputed",
	StatusWithdrawn:    "Withdrawn",
	StatusChargebacked: "Chargebacked",
}

// Known reports whether the code is one the contract currently defines.
func (s TxStatus) Known() bool { return int(s) < len(statusLabels) }

func (s TxStatus) String() string {
	if !s.Known() {
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
	return statusLabels[s]
}

// StatusLabels lists the labels in code order.
func StatusLabels() []string {
	out := make([]string, len(statusLabels))
	copy(out, statusLabels[:])
	return out
}
