package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// SubaccountSize is the length of a subaccount identifier in bytes.
const SubaccountSize = 32

// subaccountDomain separates sale buyer subaccounts from any other
// derivation the same owner might use.
const subaccountDomain = "swapsale-buyer"

// Subaccount selects one of the many balances an owner can hold.
// The all-zero subaccount is the owner's default account.
type Subaccount [SubaccountSize]byte

// DeriveSubaccount returns the subaccount that holds principal's deposit for
// the sale identified by saleID. The result is deterministic and unique per
// (saleID, principal) pair.
func DeriveSubaccount(saleID, principal string) Subaccount {
	h := sha256.New()
	writeField(h, subaccountDomain)
	writeField(h, saleID)
	writeField(h, principal)
	var s Subaccount
	copy(s[:], h.Sum(nil))
	return s
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

// IsZero reports whether s is the default subaccount.
func (s Subaccount) IsZero() bool {
	return s == Subaccount{}
}

func (s Subaccount) String() string {
	return hex.EncodeToString(s[:])
}

// MarshalText encodes the subaccount as lowercase hex.
func (s Subaccount) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a hex subaccount.
func (s *Subaccount) UnmarshalText(text []byte) error {
	parsed, err := ParseSubaccount(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSubaccount decodes a 64 character hex string.
func ParseSubaccount(text string) (Subaccount, error) {
	var s Subaccount
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(text), "0x"))
	if err != nil {
		return s, fmt.Errorf("%w: subaccount: %v", ErrInvalidAccount, err)
	}
	if len(b) != SubaccountSize {
		return s, fmt.Errorf("%w: subaccount must be %d bytes, got %d", ErrInvalidAccount, SubaccountSize, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// Account is an (owner, subaccount) pair. A nil Subaccount means the
// owner's default account.
type Account struct {
	Owner      string      `json:"owner"`
	Subaccount *Subaccount `json:"subaccount,omitempty"`
}

// DefaultAccount returns the default account of owner.
func DefaultAccount(owner string) Account {
	return Account{Owner: owner}
}

// SubAccount returns owner's account at sub.
func SubAccount(owner string, sub Subaccount) Account {
	return Account{Owner: owner, Subaccount: &sub}
}

// Key is a canonical string form; the nil and the all-zero subaccount
// produce the same key.
func (a Account) Key() string {
	if a.Subaccount == nil || a.Subaccount.IsZero() {
		return a.Owner
	}
	return a.Owner + "." + a.Subaccount.String()
}

func (a Account) String() string {
	return a.Key()
}

// Validate checks that the account has an owner.
func (a Account) Validate() error {
	if strings.TrimSpace(a.Owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidAccount)
	}
	return nil
}
