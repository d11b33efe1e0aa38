package core

// ActingLocation mirrors original_source's `ActingLocation` enum: how far
// the currently executing frame is from the nearest auth-zone barrier,
// which controls how many additional barriers the walk is allowed to
// cross while looking for a satisfying proof set (spec.md §4.6).
type ActingLocation int

const (
	AtBarrier ActingLocation = iota
	AtLocalBarrier
	InCallFrame
)

// CheckAuthorization walks the current frame's auth-zone chain outward,
// evaluating rule against the proofs visible at each zone. From the
// InCallFrame acting location (the current frame is not a barrier) the walk
// crosses at most one barrier; from AtBarrier it stops at the first
// barrier zone it reaches. AllowAll/DenyAll rules short-circuit the walk
// entirely (spec.md §4.6 edge cases).
//
// Grounded on original_source/radix-engine/src/system/system_modules/auth/authorization.rs's
// `auth_zone_stack_matches`, simplified: this kernel does not model
// per-package "caller badge" proofs or virtual-resource bitsets, only the
// real/virtual proof list spec.md names.
func CheckAuthorization(k *Kernel, rule *AccessRule) (bool, error) {
	if rule.AllowAll {
		return true, nil
	}
	if rule.DenyAll {
		return false, nil
	}

	remainingBarrierCrossings := 1 // InCallFrame
	if k.CurrentFrame().IsBarrier {
		remainingBarrierCrossings = 0 // AtBarrier
	}

	zoneID := k.CurrentFrame().AuthZoneID
	for {
		zone := k.authZones[zoneID]
		if zone == nil {
			break
		}

		visible := k.visibleProofs(zone)
		if rule.evaluate(visible) {
			return true, nil
		}

		if zone.isBarrier {
			if remainingBarrierCrossings == 0 {
				break
			}
			remainingBarrierCrossings--
		}

		if zone.parent == nil {
			break
		}
		zoneID = *zone.parent
	}
	return false, nil
}

// visibleProofs resolves a zone's real proof-node ids (via the kernel's
// proof-resource registry) and virtual proofs into the flat
// ResourceOrNonFungible shape AccessRule.evaluate checks against.
func (k *Kernel) visibleProofs(zone *AuthZone) []ResourceOrNonFungible {
	out := make([]ResourceOrNonFungible, 0, len(zone.proofs)+len(zone.virtualProofs))
	for _, id := range zone.proofs {
		if r, ok := k.proofInfo[id]; ok {
			out = append(out, r)
		}
	}
	for _, vp := range zone.virtualProofs {
		out = append(out, ResourceOrNonFungible{Resource: vp.ResourceAddress, NonFungible: true, NonFungibleId: vp.NonFungibleId})
	}
	return out
}
