package core

import "fmt"

// ResourceContainer is the common shape behind both Vault (persistent,
// owned by a component) and Bucket (ephemeral, always owned by the
// current frame) — spec.md §4.5 "Bucket: ephemeral vault; semantically
// identical but always owned by the current frame". Rather than encode
// this as serialized substates, the kernel keeps containers as first-class
// Go values in a side table (see Kernel.containers), the same
// simplification auth_zone.go makes for AuthZone: this repo cares about
// the resource-locking semantics, not a wire format for them.
type ResourceContainer struct {
	Resource  NodeId
	Fungible  bool
	Amount    uint64
	LockedAmt uint64
	Ids       map[string]bool
	LockedIds map[string]int // local id -> outstanding lock count
}

func newFungibleContainer(resource NodeId) *ResourceContainer {
	return &ResourceContainer{Resource: resource, Fungible: true}
}

func newNonFungibleContainer(resource NodeId) *ResourceContainer {
	return &ResourceContainer{Resource: resource, Ids: make(map[string]bool), LockedIds: make(map[string]int)}
}

// Available returns the unlocked fungible amount (spec.md §4.5 invariant:
// "attempting to withdraw locked units fails with InsufficientBalance even
// if total >= requested").
func (c *ResourceContainer) Available() uint64 {
	if c.Amount < c.LockedAmt {
		return 0
	}
	return c.Amount - c.LockedAmt
}

// Put deposits a fungible amount.
func (c *ResourceContainer) Put(amount uint64) { c.Amount += amount }

// PutIds deposits a set of non-fungible local ids.
func (c *ResourceContainer) PutIds(ids []string) {
	for _, id := range ids {
		c.Ids[id] = true
	}
}

// Take withdraws a fungible amount, failing if the unlocked balance is
// insufficient.
func (c *ResourceContainer) Take(amount uint64) error {
	if amount > c.Available() {
		return newApplicationError(ErrInsufficientBalance, fmt.Errorf("requested %d, %d available", amount, c.Available()))
	}
	c.Amount -= amount
	return nil
}

// TakeIds withdraws a specific set of non-fungible local ids, failing if
// any are absent or locked.
func (c *ResourceContainer) TakeIds(ids []string) error {
	for _, id := range ids {
		if !c.Ids[id] {
			return newApplicationError(ErrNonFungibleNotFound, fmt.Errorf("local id %q not present", id))
		}
		if c.LockedIds[id] > 0 {
			return newApplicationError(ErrInsufficientBalance, fmt.Errorf("local id %q is locked by a proof", id))
		}
	}
	for _, id := range ids {
		delete(c.Ids, id)
	}
	return nil
}

// lockAmount reserves a fungible amount against future withdrawal.
func (c *ResourceContainer) lockAmount(amount uint64) error {
	if amount > c.Available() {
		return newApplicationError(ErrInsufficientBalance, fmt.Errorf("cannot lock %d, only %d available", amount, c.Available()))
	}
	c.LockedAmt += amount
	return nil
}

func (c *ResourceContainer) unlockAmount(amount uint64) {
	if amount > c.LockedAmt {
		amount = c.LockedAmt
	}
	c.LockedAmt -= amount
}

func (c *ResourceContainer) lockIds(ids []string) error {
	for _, id := range ids {
		if !c.Ids[id] {
			return newApplicationError(ErrNonFungibleNotFound, fmt.Errorf("local id %q not present", id))
		}
	}
	for _, id := range ids {
		c.LockedIds[id]++
	}
	return nil
}

func (c *ResourceContainer) unlockIds(ids []string) {
	for _, id := range ids {
		if c.LockedIds[id] > 0 {
			c.LockedIds[id]--
		}
	}
}

// --- Kernel-side container/proof registries --------------------------------

// ProofObject attests possession of >= some amount of a fungible resource,
// or a specific set of non-fungible local ids, sourced from a container
// (spec.md §4.5). Cloning increments the original's refCount and creates
// a new proof that re-locks the same amount/ids on the source; dropping a
// proof releases that proof's own lock, so the source is fully unlocked
// once every clone has been dropped.
type ProofObject struct {
	Source   NodeId // the Vault/Bucket (or AuthZone-composited) this was drawn from
	Resource ResourceOrNonFungible
	Amount   uint64
	Ids      []string
	refCount int
}

// NewContainer registers a fresh, empty resource container under id
// (spec.md §4.5 Vault/Bucket creation).
func (k *Kernel) NewContainer(id NodeId, resource NodeId, fungible bool) {
	if fungible {
		k.containers[id] = newFungibleContainer(resource)
	} else {
		k.containers[id] = newNonFungibleContainer(resource)
	}
}

// Container returns the ResourceContainer registered under id.
func (k *Kernel) Container(id NodeId) (*ResourceContainer, bool) {
	c, ok := k.containers[id]
	return c, ok
}

// CreateProofFromAmount locks `amount` in the source container and returns
// a freshly allocated proof node id (spec.md §4.5 Vault/Bucket
// create_proof).
func (k *Kernel) CreateProofFromAmount(source NodeId, amount uint64) (NodeId, error) {
	c, ok := k.Container(source)
	if !ok {
		return NodeId{}, newKernelError(ErrNodeNotFound, fmt.Errorf("no container %s", source))
	}
	if err := c.lockAmount(amount); err != nil {
		return NodeId{}, err
	}
	id := k.AllocateNodeId(EntityInternalGenericComponent)
	k.proofObjects[id] = &ProofObject{Source: source, Resource: ResourceOrNonFungible{Resource: c.Resource}, Amount: amount, refCount: 1}
	k.MarkProof(id)
	k.RegisterProofResource(id, ResourceOrNonFungible{Resource: c.Resource})
	return id, nil
}

// CreateProofFromIds locks a specific non-fungible id set in the source
// container and returns a freshly allocated proof node id.
func (k *Kernel) CreateProofFromIds(source NodeId, ids []string) (NodeId, error) {
	c, ok := k.Container(source)
	if !ok {
		return NodeId{}, newKernelError(ErrNodeNotFound, fmt.Errorf("no container %s", source))
	}
	if err := c.lockIds(ids); err != nil {
		return NodeId{}, err
	}
	id := k.AllocateNodeId(EntityInternalGenericComponent)
	nfID := ""
	if len(ids) > 0 {
		nfID = ids[0]
	}
	k.proofObjects[id] = &ProofObject{Source: source, Resource: ResourceOrNonFungible{Resource: c.Resource, NonFungible: true, NonFungibleId: nfID}, Ids: ids, refCount: 1}
	k.MarkProof(id)
	k.RegisterProofResource(id, ResourceOrNonFungible{Resource: c.Resource, NonFungible: true, NonFungibleId: nfID})
	return id, nil
}

// CloneProof increments a proof's reference count and re-locks the same
// amount/ids on its source (spec.md §4.5 "cloning a proof increments the
// lock").
func (k *Kernel) CloneProof(id NodeId) (NodeId, error) {
	p, ok := k.proofObjects[id]
	if !ok {
		return NodeId{}, newKernelError(ErrNodeNotFound, fmt.Errorf("no proof %s", id))
	}
	c, ok := k.Container(p.Source)
	if !ok {
		return NodeId{}, newKernelError(ErrNodeNotFound, fmt.Errorf("proof %s's source is gone", id))
	}
	if p.Amount > 0 {
		if err := c.lockAmount(p.Amount); err != nil {
			return NodeId{}, err
		}
	}
	if len(p.Ids) > 0 {
		if err := c.lockIds(p.Ids); err != nil {
			return NodeId{}, err
		}
	}
	p.refCount++
	clone := k.AllocateNodeId(EntityInternalGenericComponent)
	k.proofObjects[clone] = &ProofObject{Source: p.Source, Resource: p.Resource, Amount: p.Amount, Ids: p.Ids, refCount: 1}
	k.MarkProof(clone)
	k.RegisterProofResource(clone, p.Resource)
	return clone, nil
}

// ComposeProofFromAuthZone builds a proof for `target` out of what zone
// currently has visible: it prefers cloning an existing real proof already
// in the zone over minting a fresh one, and falls back to a sourceless
// virtual proof when the zone only has a signature-derived virtual proof
// for that resource/id (spec.md §4.6 CreateProofFromAuthZoneOf*
// instructions). amount is ignored for non-fungible targets.
func (k *Kernel) ComposeProofFromAuthZone(zone *AuthZone, target ResourceOrNonFungible, amount uint64) (NodeId, error) {
	for _, pid := range zone.Proofs() {
		p, ok := k.proofObjects[pid]
		if !ok || p.Resource.Resource != target.Resource {
			continue
		}
		if target.NonFungible {
			if !p.Resource.NonFungible || p.Resource.NonFungibleId != target.NonFungibleId {
				continue
			}
			return k.CloneProof(pid)
		}
		if amount == 0 || p.Amount >= amount {
			return k.CloneProof(pid)
		}
	}
	if zone.HasVirtualProof(target.Resource, target.NonFungibleId) {
		id := k.AllocateNodeId(EntityInternalGenericComponent)
		k.proofObjects[id] = &ProofObject{Resource: target, Amount: amount, refCount: 1}
		k.MarkProof(id)
		k.RegisterProofResource(id, target)
		return id, nil
	}
	return NodeId{}, newApplicationError(ErrAuthorizationFailed, fmt.Errorf("no proof of %s visible in auth zone", target.Resource))
}

// DropProof removes a proof and releases the amount/ids that this proof
// locked on its source (spec.md §4.5 "unlock on drop").
func (k *Kernel) DropProof(id NodeId) error {
	p, ok := k.proofObjects[id]
	if !ok {
		return nil // already gone; dropping twice is a no-op, not an error
	}
	delete(k.proofObjects, id)
	delete(k.proofIds, id)
	delete(k.proofInfo, id)

	c, ok := k.Container(p.Source)
	if !ok {
		return nil
	}
	if p.Amount > 0 {
		c.unlockAmount(p.Amount)
	}
	if len(p.Ids) > 0 {
		c.unlockIds(p.Ids)
	}
	return nil
}
