package subscription

// productToPlan maps store-billing product identifiers to Plans. Android and
// iOS use different product IDs for the same tier.
var productToPlan = map[string]Plan{
	"mohra_plus_monthly":           PlanPlus,
	"mohra_family_monthly":         PlanFamily,
	"com.mohra.app.plus.monthly":   PlanPlus,
	"com.mohra.app.family.monthly": PlanFamily,
}

// PlanForProduct resolves a store product identifier to a Plan. Unrecognized
// products map to PlanUnknown so the row stays distinguishable in the admin
// listing rather than defaulting to a tier the customer may not have paid for.
func PlanForProduct(productID string) Plan {
	if plan, ok := productToPlan[productID]; ok {
		return plan
	}
	return PlanUnknown
}

// PriceTable holds the Stripe Price IDs configured for each Plan
type PriceTable struct {
	PlusMonthly   string
	FamilyMonthly string
}

// PlanForPrice resolves a Stripe Price ID to a Plan
func (t PriceTable) PlanForPrice(priceID string) (Plan, bool) {
	switch {
	case len(priceID) == 0:
		return "", false
	case priceID == t.PlusMonthly:
		return PlanPlus, true
	case priceID == t.FamilyMonthly:
		return PlanFamily, true
	default:
		return "", false
	}
}

// PriceForPlan returns the Stripe Price ID to bill for a Plan
func (t PriceTable) PriceForPlan(plan Plan) (string, bool) {
	switch plan {
	case PlanPlus:
		return t.PlusMonthly, true
	case PlanFamily:
		return t.FamilyMonthly, true
	default:
		return "", false
	}
}
