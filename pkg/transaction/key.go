package transaction

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// branchMagicCookie is the RFC 3261 §8.1.1.7 prefix that marks a Via
// branch as produced by a compliant implementation.
const branchMagicCookie = "z9hG4bK"

// NewBranch generates a fresh, cryptographically random Via branch value
// with at least 32 bits of entropy.
func NewBranch() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is effectively unrecoverable on any real
		// platform; degrade to a branch that is still unique within the
		// process rather than panic.
		return branchMagicCookie + fmt.Sprintf("fallback%x", b)
	}
	return branchMagicCookie + hex.EncodeToString(b)
}

// NewTag generates a From/To tag with at least 32 bits of entropy.
func NewTag() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("tagfallback%x", b)
	}
	return hex.EncodeToString(b)
}

// Role distinguishes the client and server sides of a transaction.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// MethodFamily groups a SIP method into the INVITE or non-INVITE
// transaction family. ACK for a 2xx response matches no transaction (it
// reaches the TU as a stray ACK); ACK for a non-2xx is absorbed into the
// INVITE server family.
type MethodFamily int

const (
	FamilyInvite MethodFamily = iota
	FamilyNonInvite
)

func methodFamily(method sip.RequestMethod) MethodFamily {
	if method == sip.INVITE {
		return FamilyInvite
	}
	return FamilyNonInvite
}

// Key uniquely identifies a transaction within the endpoint: the tuple
// (branch, method-family, role).
type Key struct {
	Branch string
	Family MethodFamily
	Role   Role
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Branch, k.Family, k.Role)
}

func (f MethodFamily) String() string {
	if f == FamilyInvite {
		return "INVITE"
	}
	return "non-INVITE"
}

// KeyFromRequest builds the key a new transaction for this request would
// use. Non-INVITE ACKs are never transactions of their own (RFC 3261
// §17); callers must not call this for method ACK outside the context of
// constructing the 2xx-ACK special case handled at the dialog layer.
func KeyFromRequest(req *sip.Request, role Role) Key {
	branch := ""
	if via, ok := req.Via(); ok {
		branch, _ = via.Params.Get("branch")
	}
	return Key{Branch: branch, Family: methodFamily(req.Method), Role: role}
}

// KeyFromResponse extracts the client transaction key a response must
// match: top Via branch plus the CSeq method's family.
func KeyFromResponse(resp *sip.Response) (Key, bool) {
	via, ok := resp.Via()
	if !ok {
		return Key{}, false
	}
	cseq, ok := resp.CSeq()
	if !ok {
		return Key{}, false
	}
	branch, ok := via.Params.Get("branch")
	if !ok {
		return Key{}, false
	}
	return Key{Branch: branch, Family: methodFamily(cseq.MethodName), Role: RoleClient}, true
}
