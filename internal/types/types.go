package types

// Address identifies an account holding assets on a ledger.
type Address string

// AssetRef identifies a single token ledger.
type AssetRef string

func (a Address) String() string  { return string(a) }
func (r AssetRef) String() string { return string(r) }
