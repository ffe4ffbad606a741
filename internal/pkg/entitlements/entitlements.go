package entitlements

import "strings"

type Plan string

const (
	PlanFree                Plan = "free"
	PlanChampionshipMonthly Plan = "championship_monthly"
	PlanChampionshipYearly  Plan = "championship_yearly"
	PlanCollegeScoutMonthly Plan = "college_scout_monthly"
	PlanCollegeScoutYearly  Plan = "college_scout_yearly"
)

// Tier is the entitlement class a plan grants. Several plans share a tier.
type Tier string

const (
	TierFree         Tier = "free"
	TierPremium      Tier = "premium"
	TierCollegeScout Tier = "college_scout"
)

var planTiers = map[Plan]Tier{
	PlanFree:                TierFree,
	PlanChampionshipMonthly: TierPremium,
	PlanChampionshipYearly:  TierPremium,
	PlanCollegeScoutMonthly: TierCollegeScout,
	PlanCollegeScoutYearly:  TierCollegeScout,
}

// Plans returns every known plan, free first.
func Plans() []Plan {
	return []Plan{
		PlanFree,
		PlanChampionshipMonthly,
		PlanChampionshipYearly,
		PlanCollegeScoutMonthly,
		PlanCollegeScoutYearly,
	}
}

// ParsePlan normalizes a stored plan name. Unknown values report false.
func ParsePlan(raw string) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := planTiers[p]
	return p, ok
}

// NormalizePlan maps unknown plan names to PlanFree.
func NormalizePlan(raw string) Plan {
	if p, ok := ParsePlan(raw); ok {
		return p
	}
	return PlanFree
}

// TierFor returns the tier for a plan, TierFree when the plan is unknown.
func TierFor(plan Plan) Tier {
	if t, ok := planTiers[plan]; ok {
		return t
	}
	return TierFree
}

func (p Plan) IsFree() bool {
	return TierFor(p) == TierFree
}

func (p Plan) String() string {
	return string(p)
}

func (t Tier) String() string {
	return string(t)
}
