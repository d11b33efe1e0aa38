package core

import "fmt"

// Worktop is the transaction processor's staging area: buckets taken from
// vaults or returned mid-manifest accumulate here, keyed by resource, until
// a later instruction claims them or the manifest ends and any remainder
// is auto-deposited into the fee payer's account (spec.md §4.7). Like
// AuthZone and the Vault/Bucket registry, it is kept as a plain Go value
// rather than a substate — nothing outside the transaction processor ever
// observes it.
type Worktop struct {
	k          *Kernel
	containers map[NodeId]NodeId // resource address -> worktop-owned bucket NodeId
}

// NewWorktop opens an empty worktop bound to k.
func NewWorktop(k *Kernel) *Worktop {
	return &Worktop{k: k, containers: make(map[NodeId]NodeId)}
}

// Put merges a bucket's contents into the worktop, consuming the bucket.
func (w *Worktop) Put(bucketID NodeId) error {
	src, ok := w.k.Container(bucketID)
	if !ok {
		return newKernelError(ErrNodeNotFound, fmt.Errorf("no bucket %s", bucketID))
	}
	dstID, ok := w.containers[src.Resource]
	if !ok {
		dstID = w.k.AllocateNodeId(EntityInternalGenericComponent)
		if err := w.k.CreateNode(dstID, nil); err != nil {
			return err
		}
		w.k.NewContainer(dstID, src.Resource, src.Fungible)
		w.containers[src.Resource] = dstID
	}
	dst, _ := w.k.Container(dstID)
	if src.Fungible {
		dst.Put(src.Amount)
	} else {
		ids := make([]string, 0, len(src.Ids))
		for id := range src.Ids {
			ids = append(ids, id)
		}
		dst.PutIds(ids)
	}
	if _, err := w.k.DropNode(bucketID); err != nil {
		return err
	}
	delete(w.k.containers, bucketID)
	return nil
}

// Take withdraws `amount` of resource into a fresh bucket owned by the
// current frame.
func (w *Worktop) Take(resource NodeId, amount uint64) (NodeId, error) {
	srcID, ok := w.containers[resource]
	if !ok {
		return NodeId{}, newApplicationError(ErrInsufficientBalance, fmt.Errorf("worktop has no %s", resource))
	}
	src, _ := w.k.Container(srcID)
	if err := src.Take(amount); err != nil {
		return NodeId{}, err
	}
	return w.newBucket(resource, true, amount, nil), nil
}

// TakeAll withdraws everything the worktop holds of resource.
func (w *Worktop) TakeAll(resource NodeId) (NodeId, error) {
	srcID, ok := w.containers[resource]
	if !ok {
		return NodeId{}, newApplicationError(ErrInsufficientBalance, fmt.Errorf("worktop has no %s", resource))
	}
	src, _ := w.k.Container(srcID)
	if src.Fungible {
		amount := src.Available()
		if err := src.Take(amount); err != nil {
			return NodeId{}, err
		}
		return w.newBucket(resource, true, amount, nil), nil
	}
	ids := make([]string, 0, len(src.Ids))
	for id := range src.Ids {
		ids = append(ids, id)
	}
	if err := src.TakeIds(ids); err != nil {
		return NodeId{}, err
	}
	return w.newBucket(resource, false, 0, ids), nil
}

// TakeNonFungibles withdraws a specific id set of resource.
func (w *Worktop) TakeNonFungibles(resource NodeId, ids []string) (NodeId, error) {
	srcID, ok := w.containers[resource]
	if !ok {
		return NodeId{}, newApplicationError(ErrNonFungibleNotFound, fmt.Errorf("worktop has no %s", resource))
	}
	src, _ := w.k.Container(srcID)
	if err := src.TakeIds(ids); err != nil {
		return NodeId{}, err
	}
	return w.newBucket(resource, false, 0, ids), nil
}

func (w *Worktop) newBucket(resource NodeId, fungible bool, amount uint64, ids []string) NodeId {
	bucketID := w.k.AllocateNodeId(EntityInternalGenericComponent)
	_ = w.k.CreateNode(bucketID, nil)
	w.k.NewContainer(bucketID, resource, fungible)
	c, _ := w.k.Container(bucketID)
	if fungible {
		c.Put(amount)
	} else {
		c.PutIds(ids)
	}
	w.k.CurrentFrame().AddOwnedNode(bucketID)
	return bucketID
}

// AssertContains fails the manifest if the worktop does not hold at least
// `amount` of resource (spec.md §4.7 AssertWorktopContains).
func (w *Worktop) AssertContains(resource NodeId, amount uint64) error {
	srcID, ok := w.containers[resource]
	if !ok {
		return newApplicationError(ErrInsufficientBalance, fmt.Errorf("worktop has no %s", resource))
	}
	src, _ := w.k.Container(srcID)
	if src.Available() < amount {
		return newApplicationError(ErrInsufficientBalance, fmt.Errorf("worktop holds %d of %s, wanted %d", src.Available(), resource, amount))
	}
	return nil
}

// Drain sweeps every non-empty worktop bucket out as a caller-owned bucket
// id, for the transaction processor's end-of-manifest auto-deposit pass
// (spec.md §4.7 "auto-deposit/auto-push semantics"). The worktop's
// internal containers are consumed in the process.
func (w *Worktop) Drain() []NodeId {
	var out []NodeId
	for resource, id := range w.containers {
		c, _ := w.k.Container(id)
		if c.Fungible && c.Amount > 0 {
			out = append(out, w.newBucket(resource, true, c.Amount, nil))
		} else if !c.Fungible && len(c.Ids) > 0 {
			ids := make([]string, 0, len(c.Ids))
			for nfid := range c.Ids {
				ids = append(ids, nfid)
			}
			out = append(out, w.newBucket(resource, false, 0, ids))
		}
		delete(w.k.containers, id)
	}
	w.containers = make(map[NodeId]NodeId)
	return out
}
