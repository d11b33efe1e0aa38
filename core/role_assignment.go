package core

// SetRoleRule assigns an AccessRule to a role key on node's role-assignment
// module (spec.md §5). Native blueprint create functions call this to seed
// the roles their methods require; encoding uses EncodeAccessRule so the
// value is readable back as an ordinary substate.
func SetRoleRule(api KernelApi, node NodeId, roleKey string, rule *AccessRule) error {
	return api.SetSubstate(node, PartitionRoleAssignmentMap, MapKey([]byte(roleKey)), EncodeAccessRule(rule))
}

// roleRule reads back a node's AccessRule for a role key, bypassing the
// lock/visibility machinery via PeekSubstate (the caller's frame does not
// yet have access to the callee when this runs, since resolution happens
// before the callee's frame is pushed).
func roleRule(api KernelApi, node NodeId, roleKey string) (*AccessRule, bool) {
	raw, ok := api.PeekSubstate(node, PartitionRoleAssignmentMap, MapKey([]byte(roleKey)))
	if !ok {
		return nil, false
	}
	rule, err := DecodeAccessRule(raw)
	if err != nil {
		return nil, false
	}
	return rule, true
}

// resolveRequiredAuth fills inv.RequiredAuth from the callee's declared
// method role and its role-assignment substate, if both are present
// (spec.md §4.6: "the system consults the callee's role-assignment module
// to resolve the role key to an AccessRule"). Leaves RequiredAuth
// untouched if it is already set, the export has no declared role, or the
// call has no receiver to look up. When the receiver has no rule for the
// declared role it sets AllowAll — an un-configured role authorizes
// everyone, matching a freshly created role-assignment module with no
// explicit rule set.
func resolveRequiredAuth(api KernelApi, natives *NativeRegistry, inv *Invocation) {
	if inv.RequiredAuth != nil || inv.Receiver == nil {
		return
	}
	roleKey, ok := natives.RequiredRole(inv.Callee, inv.Export)
	if !ok {
		return
	}
	if rule, ok := roleRule(api, *inv.Receiver, roleKey); ok {
		inv.RequiredAuth = rule
		return
	}
	inv.RequiredAuth = AllowAllAccessRule()
}
