package kernel

import "strings"

// Rights is the access mask carried by a capability. Rights may only narrow
// on derivation or transfer, never widen.
type Rights uint32

const (
	// RightSend permits send and call on an endpoint.
	RightSend Rights = 1 << iota
	// RightReceive permits receive on an endpoint.
	RightReceive
	// RightGrant permits transferring capabilities or region grants in a message.
	RightGrant
	// RightCopy permits duplicating the capability itself (Copy transfer mode).
	RightCopy
	// RightRead permits read mappings of a memory region.
	RightRead
	// RightWrite permits write mappings of a memory region.
	RightWrite
	// RightExecute permits executable mappings of a memory region.
	RightExecute
	// RightMint marks the privileged minting authority held by system servers.
	RightMint
)

// RightsAll is every right; held only by freshly minted root capabilities.
const RightsAll = RightSend | RightReceive | RightGrant | RightCopy |
	RightRead | RightWrite | RightExecute | RightMint

// Has reports whether every right in need is present.
func (r Rights) Has(need Rights) bool { return r&need == need }

// SubsetOf reports whether r ⊆ other.
func (r Rights) SubsetOf(other Rights) bool { return r&^other == 0 }

var rightNames = []struct {
	bit  Rights
	name string
}{
	{RightSend, "send"},
	{RightReceive, "receive"},
	{RightGrant, "grant"},
	{RightCopy, "copy"},
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightExecute, "execute"},
	{RightMint, "mint"},
}

// String renders the mask as "send|receive|...", or "none".
func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	parts := make([]string, 0, len(rightNames))
	for _, rn := range rightNames {
		if r&rn.bit != 0 {
			parts = append(parts, rn.name)
		}
	}
	return strings.Join(parts, "|")
}
