package core

import (
	"encoding/binary"
	"fmt"
)

// ResourceOrNonFungible names either an entire resource or one specific
// non-fungible within it, for use inside a ProofRule (spec.md §4.6;
// grounded on original_source's `ResourceOrNonFungible`).
type ResourceOrNonFungible struct {
	Resource      NodeId
	NonFungible   bool
	NonFungibleId string
}

// ProofKind distinguishes the shapes a ProofRule can take.
type ProofKind int

const (
	ProofRequire ProofKind = iota
	ProofAmountOf
	ProofCountOf
	ProofAllOf
	ProofAnyOf
)

// ProofRule is a leaf authorization predicate over the proofs visible at
// one point in the auth-zone walk (spec.md §4.6).
type ProofRule struct {
	Kind      ProofKind
	Resources []ResourceOrNonFungible
	Count     int // meaningful for ProofCountOf
}

// RequireProof builds a ProofRule satisfied by any single matching proof.
func RequireProof(r ResourceOrNonFungible) ProofRule {
	return ProofRule{Kind: ProofRequire, Resources: []ResourceOrNonFungible{r}}
}

// RequireAllOf builds a ProofRule satisfied only when every listed
// resource has a matching proof.
func RequireAllOf(rs ...ResourceOrNonFungible) ProofRule {
	return ProofRule{Kind: ProofAllOf, Resources: rs}
}

// RequireAnyOf builds a ProofRule satisfied when any one listed resource
// has a matching proof.
func RequireAnyOf(rs ...ResourceOrNonFungible) ProofRule {
	return ProofRule{Kind: ProofAnyOf, Resources: rs}
}

// AccessRuleNodeKind distinguishes leaf ProofRules from AND/OR
// combinators over child nodes (spec.md §4.6).
type AccessRuleNodeKind int

const (
	NodeProofRule AccessRuleNodeKind = iota
	NodeAnyOf
	NodeAllOf
)

// AccessRuleNode is the recursive boolean-combinator tree an AccessRule
// wraps (grounded on original_source's `AccessRuleNode` enum).
type AccessRuleNode struct {
	Kind     AccessRuleNodeKind
	Proof    ProofRule
	Children []AccessRuleNode
}

// Require wraps a single ProofRule as a leaf AccessRuleNode.
func Require(p ProofRule) AccessRuleNode { return AccessRuleNode{Kind: NodeProofRule, Proof: p} }

// AnyOf combines children with OR.
func AnyOf(children ...AccessRuleNode) AccessRuleNode {
	return AccessRuleNode{Kind: NodeAnyOf, Children: children}
}

// AllOf combines children with AND.
func AllOf(children ...AccessRuleNode) AccessRuleNode {
	return AccessRuleNode{Kind: NodeAllOf, Children: children}
}

// AccessRule is either "allow everyone", "deny everyone", or a protected
// rule tree evaluated by the barrier walk (spec.md §4.6, §5: AccessRule on
// a role assignment).
type AccessRule struct {
	AllowAll bool
	DenyAll  bool
	Node     AccessRuleNode
}

// AllowAllAccessRule permits any caller, with no proof required.
func AllowAllAccessRule() *AccessRule { return &AccessRule{AllowAll: true} }

// DenyAllAccessRule permits no caller at all (spec.md §4.6 edge case:
// a DenyAll rule never passes the barrier walk, even for the owner).
func DenyAllAccessRule() *AccessRule { return &AccessRule{DenyAll: true} }

// ProtectedAccessRule wraps a rule tree that must be satisfied against the
// visible proof set.
func ProtectedAccessRule(node AccessRuleNode) *AccessRule {
	return &AccessRule{Node: node}
}

// evaluate checks this rule's tree against one auth-zone's visible proofs
// (real proofs resolved through resolver, plus virtual proofs already
// expanded into the same ResourceOrNonFungible shape by the caller).
func (r *AccessRule) evaluate(visible []ResourceOrNonFungible) bool {
	if r.DenyAll {
		return false
	}
	if r.AllowAll {
		return true
	}
	return evalNode(r.Node, visible)
}

func evalNode(n AccessRuleNode, visible []ResourceOrNonFungible) bool {
	switch n.Kind {
	case NodeProofRule:
		return evalProofRule(n.Proof, visible)
	case NodeAnyOf:
		for _, c := range n.Children {
			if evalNode(c, visible) {
				return true
			}
		}
		return false
	case NodeAllOf:
		for _, c := range n.Children {
			if !evalNode(c, visible) {
				return false
			}
		}
		return len(n.Children) > 0
	default:
		return false
	}
}

func evalProofRule(p ProofRule, visible []ResourceOrNonFungible) bool {
	matches := func(r ResourceOrNonFungible) bool {
		for _, v := range visible {
			if v.Resource != r.Resource {
				continue
			}
			if r.NonFungible {
				if v.NonFungible && v.NonFungibleId == r.NonFungibleId {
					return true
				}
				continue
			}
			return true
		}
		return false
	}
	switch p.Kind {
	case ProofRequire:
		return len(p.Resources) > 0 && matches(p.Resources[0])
	case ProofAllOf:
		for _, r := range p.Resources {
			if !matches(r) {
				return false
			}
		}
		return len(p.Resources) > 0
	case ProofAnyOf:
		for _, r := range p.Resources {
			if matches(r) {
				return true
			}
		}
		return false
	case ProofCountOf:
		count := 0
		for _, r := range p.Resources {
			if matches(r) {
				count++
			}
		}
		return count >= p.Count
	default:
		return false
	}
}

// EncodeAccessRule serializes an AccessRule tree for storage in a
// role-assignment substate (spec.md §5). Uses the same hand-rolled
// little-endian layout the rest of the kernel uses for substate values
// rather than a general-purpose codec.
func EncodeAccessRule(r *AccessRule) []byte {
	switch {
	case r.AllowAll:
		return []byte{0}
	case r.DenyAll:
		return []byte{1}
	default:
		return append([]byte{2}, encodeAccessRuleNode(r.Node)...)
	}
}

// DecodeAccessRule is the inverse of EncodeAccessRule.
func DecodeAccessRule(b []byte) (*AccessRule, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("access rule: empty encoding")
	}
	switch b[0] {
	case 0:
		return AllowAllAccessRule(), nil
	case 1:
		return DenyAllAccessRule(), nil
	case 2:
		node, _, err := decodeAccessRuleNode(b[1:])
		if err != nil {
			return nil, err
		}
		return ProtectedAccessRule(node), nil
	default:
		return nil, fmt.Errorf("access rule: unknown tag %d", b[0])
	}
}

func encodeAccessRuleNode(n AccessRuleNode) []byte {
	buf := []byte{byte(n.Kind)}
	switch n.Kind {
	case NodeProofRule:
		buf = append(buf, encodeProofRule(n.Proof)...)
	case NodeAnyOf, NodeAllOf:
		count := make([]byte, 4)
		binary.LittleEndian.PutUint32(count, uint32(len(n.Children)))
		buf = append(buf, count...)
		for _, c := range n.Children {
			enc := encodeAccessRuleNode(c)
			length := make([]byte, 4)
			binary.LittleEndian.PutUint32(length, uint32(len(enc)))
			buf = append(buf, length...)
			buf = append(buf, enc...)
		}
	}
	return buf
}

func decodeAccessRuleNode(b []byte) (AccessRuleNode, []byte, error) {
	if len(b) < 1 {
		return AccessRuleNode{}, nil, fmt.Errorf("access rule node: truncated kind")
	}
	kind := AccessRuleNodeKind(b[0])
	rest := b[1:]
	switch kind {
	case NodeProofRule:
		rule, tail, err := decodeProofRule(rest)
		if err != nil {
			return AccessRuleNode{}, nil, err
		}
		return AccessRuleNode{Kind: kind, Proof: rule}, tail, nil
	case NodeAnyOf, NodeAllOf:
		if len(rest) < 4 {
			return AccessRuleNode{}, nil, fmt.Errorf("access rule node: truncated child count")
		}
		n := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		children := make([]AccessRuleNode, 0, n)
		for i := uint32(0); i < n; i++ {
			if len(rest) < 4 {
				return AccessRuleNode{}, nil, fmt.Errorf("access rule node: truncated child length")
			}
			length := binary.LittleEndian.Uint32(rest[:4])
			rest = rest[4:]
			if uint32(len(rest)) < length {
				return AccessRuleNode{}, nil, fmt.Errorf("access rule node: truncated child")
			}
			child, _, err := decodeAccessRuleNode(rest[:length])
			if err != nil {
				return AccessRuleNode{}, nil, err
			}
			children = append(children, child)
			rest = rest[length:]
		}
		return AccessRuleNode{Kind: kind, Children: children}, rest, nil
	default:
		return AccessRuleNode{}, nil, fmt.Errorf("access rule node: unknown kind %d", kind)
	}
}

func encodeProofRule(p ProofRule) []byte {
	buf := []byte{byte(p.Kind)}
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(p.Count))
	buf = append(buf, count...)
	n := make([]byte, 4)
	binary.LittleEndian.PutUint32(n, uint32(len(p.Resources)))
	buf = append(buf, n...)
	for _, r := range p.Resources {
		buf = append(buf, r.Resource[:]...)
		if r.NonFungible {
			buf = append(buf, 1)
			idLen := make([]byte, 4)
			binary.LittleEndian.PutUint32(idLen, uint32(len(r.NonFungibleId)))
			buf = append(buf, idLen...)
			buf = append(buf, []byte(r.NonFungibleId)...)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func decodeProofRule(b []byte) (ProofRule, []byte, error) {
	if len(b) < 9 {
		return ProofRule{}, nil, fmt.Errorf("proof rule: truncated header")
	}
	kind := ProofKind(b[0])
	count := int(binary.LittleEndian.Uint32(b[1:5]))
	n := binary.LittleEndian.Uint32(b[5:9])
	rest := b[9:]
	resources := make([]ResourceOrNonFungible, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(rest) < nodeIdSize+1 {
			return ProofRule{}, nil, fmt.Errorf("proof rule: truncated resource")
		}
		var res ResourceOrNonFungible
		copy(res.Resource[:], rest[:nodeIdSize])
		rest = rest[nodeIdSize:]
		nf := rest[0]
		rest = rest[1:]
		if nf == 1 {
			if len(rest) < 4 {
				return ProofRule{}, nil, fmt.Errorf("proof rule: truncated nonfungible id length")
			}
			idLen := binary.LittleEndian.Uint32(rest[:4])
			rest = rest[4:]
			if uint32(len(rest)) < idLen {
				return ProofRule{}, nil, fmt.Errorf("proof rule: truncated nonfungible id")
			}
			res.NonFungible = true
			res.NonFungibleId = string(rest[:idLen])
			rest = rest[idLen:]
		}
		resources = append(resources, res)
	}
	return ProofRule{Kind: kind, Resources: resources, Count: count}, rest, nil
}
