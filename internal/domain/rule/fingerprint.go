package rule

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes a stable hash of a rule's authorization shape: its
// type, its signer set, and its policy set. Order of signers and policies
// does not affect the result. Two rules with equal fingerprints grant the
// same authority, so stores reject the second as a duplicate.
func Fingerprint(r *ContextRule) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(r.Type.Key())
	_, _ = h.WriteString("\x00")

	signerKeys := make([]string, len(r.Signers))
	for i, s := range r.Signers {
		signerKeys[i] = s.Key()
	}
	sort.Strings(signerKeys)
	for _, k := range signerKeys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\x00")
	}

	policyIDs := make([]string, len(r.Policies))
	for i, p := range r.Policies {
		policyIDs[i] = p.ID
	}
	sort.Strings(policyIDs)
	for _, id := range policyIDs {
		_, _ = h.WriteString(id)
		_, _ = h.WriteString("\x00")
	}

	return h.Sum64()
}
