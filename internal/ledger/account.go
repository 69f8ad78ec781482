package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota

	// System sub-types
	SubTypeSystemPnLPool
	SubTypeSystemInsuranceFund

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

var subTypeNames = map[AccountSubType]string{
	SubTypeCollateral:          "collateral",
	SubTypeSystemPnLPool:       "pnl_pool",
	SubTypeSystemInsuranceFund: "insurance_fund",
	SubTypeExternalDeposits:    "deposits",
	SubTypeExternalWithdrawals: "withdrawals",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// Asset describes a token the ledger can hold.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals uint8
}

var (
	assets = []Asset{
		{ID: 1, Symbol: "USDT", Decimals: 6},
		{ID: 2, Symbol: "USDC", Decimals: 6},
		{ID: 3, Symbol: "BTC", Decimals: 8},
		{ID: 4, Symbol: "ETH", Decimals: 18},
	}
	assetBySymbol = func() map[string]Asset {
		m := make(map[string]Asset, len(assets))
		for _, a := range assets {
			m[a.Symbol] = a
		}
		return m
	}()
)

func GetAsset(symbol string) (Asset, bool) {
	a, ok := assetBySymbol[symbol]
	return a, ok
}

func GetAssetID(symbol string) (AssetID, bool) {
	a, ok := assetBySymbol[symbol]
	return a.ID, ok
}

func GetAssetName(id AssetID) (string, bool) {
	for _, a := range assets {
		if a.ID == id {
			return a.Symbol, true
		}
	}
	return "", false
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for system and external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)
	sub := subTypeNames[k.SubType]
	if sub == "" {
		sub = "unknown"
	}

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", uuid.UUID(k.EntityID).String(), sub, assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", sub, assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", sub, assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	var (
		key  AccountKey
		rest []string
	)
	switch {
	case len(parts) == 4 && parts[0] == "user":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		key.Scope, key.EntityID, rest = AccountScopeUser, id, parts[2:]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope, rest = AccountScopeSystem, parts[1:]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope, rest = AccountScopeExternal, parts[1:]
	default:
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	found := false
	for st, name := range subTypeNames {
		if name == rest[0] {
			key.SubType, found = st, true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type %q", path, rest[0])
	}
	assetID, ok := GetAssetID(rest[1])
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, rest[1])
	}
	key.AssetID = assetID
	return key, nil
}
