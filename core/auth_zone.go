package core

// VirtualProof is a proof synthesized from transaction-intent signatures
// (the signer's public key resolved to a non-fungible global id) rather
// than from a Vault, and installed directly into the root AuthZone before
// the manifest runs (spec.md §4.6).
type VirtualProof struct {
	ResourceAddress NodeId
	NonFungibleId   string
}

// AuthZone is the proof stack belonging to one call frame (spec.md §4.6).
// It is created when the frame is pushed and fully drained (dropping every
// remaining proof) when the frame is popped.
type AuthZone struct {
	parent        *NodeId
	isBarrier     bool
	proofs        []NodeId
	virtualProofs []VirtualProof
}

// NewAuthZone constructs the AuthZone for a freshly pushed frame.
func NewAuthZone(parent *NodeId, isBarrier bool, virtual []VirtualProof) *AuthZone {
	return &AuthZone{parent: parent, isBarrier: isBarrier, virtualProofs: virtual}
}

// PushProof adds a proof to the top of this zone's stack.
func (z *AuthZone) PushProof(id NodeId) { z.proofs = append(z.proofs, id) }

// PopProof removes and returns the top proof, if any.
func (z *AuthZone) PopProof() (NodeId, bool) {
	if len(z.proofs) == 0 {
		var zero NodeId
		return zero, false
	}
	id := z.proofs[len(z.proofs)-1]
	z.proofs = z.proofs[:len(z.proofs)-1]
	return id, true
}

// Proofs returns the real proof node ids in this zone without removing
// them; virtual proofs are returned separately by VirtualProofs.
func (z *AuthZone) Proofs() []NodeId {
	out := make([]NodeId, len(z.proofs))
	copy(out, z.proofs)
	return out
}

// VirtualProofs returns the signature-derived proofs installed at the
// root of the auth-zone stack.
func (z *AuthZone) VirtualProofs() []VirtualProof { return z.virtualProofs }

// HasVirtualProof reports whether a given resource/non-fungible-id pair is
// present among this zone's virtual proofs.
func (z *AuthZone) HasVirtualProof(resource NodeId, nfID string) bool {
	for _, vp := range z.virtualProofs {
		if vp.ResourceAddress == resource && vp.NonFungibleId == nfID {
			return true
		}
	}
	return false
}
