package compat

// DefaultMethods lists the node methods reachable through the compatibility
// endpoint. Administrative methods (fee configuration, role management) stay
// off the public surface; operators submit those with lienctl against the
// node directly.
var DefaultMethods = []string{
	"loan_create",
	"loan_repay",
	"loan_refinance",
	"loan_claim",
	"loan_transferPosition",
	"loan_makeExtensionOffer",
	"loan_extend",
	"loan_revokeNonce",
	"loan_get",
	"loan_repaymentAmount",
	"loan_stateFingerprint",
	"creditline_open",
	"creditline_draw",
	"creditline_repay",
	"creditline_claim",
	"lien_events",
	"lien_balance",
	"lien_positionOwner",
	"lien_nonceUsable",
	"lien_feeParams",
}

func allowedMethods() map[string]struct{} {
	out := make(map[string]struct{}, len(DefaultMethods))
	for _, method := range DefaultMethods {
		out[method] = struct{}{}
	}
	return out
}
