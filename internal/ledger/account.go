package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeVault
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota // tokens owed to the account by the transfer layer

	// Vault sub-types
	SubTypeUnallocated // in custody but not in the pool or fee reserve
	SubTypePool
	SubTypeFees

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalMint
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Owner   string // account id for user scope, empty otherwise
	SubType AccountSubType
	Asset   string
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(owner string, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: SubTypeWallet,
		Asset:   asset,
	}
}

// NewVaultAccountKey creates a key for vault allocation accounts
func NewVaultAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeVault,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner, k.subTypeName(), k.Asset)
	case AccountScopeVault:
		return fmt.Sprintf("vault:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeUnallocated:
		return "unallocated"
	case SubTypePool:
		return "pool"
	case SubTypeFees:
		return "fees"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalMint:
		return "mint"
	default:
		return "unknown"
	}
}

var subTypesByName = map[string]AccountSubType{
	"wallet":      SubTypeWallet,
	"unallocated": SubTypeUnallocated,
	"pool":        SubTypePool,
	"fees":        SubTypeFees,
	"deposits":    SubTypeExternalDeposits,
	"mint":        SubTypeExternalMint,
}

// ParseAccountPath is the inverse of AccountPath. User owners may contain ':'.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	asset := parts[len(parts)-1]
	subType, ok := subTypesByName[parts[len(parts)-2]]
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
	}

	switch parts[0] {
	case "user":
		if len(parts) < 4 || subType != SubTypeWallet {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		return NewUserAccountKey(strings.Join(parts[1:len(parts)-2], ":"), asset), nil
	case "vault":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed vault account path %q", path)
		}
		return NewVaultAccountKey(subType, asset), nil
	case "external":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed external account path %q", path)
		}
		return NewExternalAccountKey(subType, asset), nil
	}
	return AccountKey{}, fmt.Errorf("unknown scope in account path %q", path)
}
