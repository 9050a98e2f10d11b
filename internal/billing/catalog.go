// Package billing provides plan management and quota catalog domain logic.
package billing

import (
	"time"

	"monsaas/internal/types"
)

// Catalog defines the authoritative quota limits and tool costs for each
// plan tier. This is the single source of truth for what each plan allows.
type Catalog interface {
	// CostOf returns the fixed quota cost of a single use of the given
	// tool. Returns a config_tool_unknown error for unregistered tools;
	// this is a configuration bug, fatal to the calling request.
	CostOf(tool types.ToolType) (int, error)

	// LimitFor returns the per-period quota limit for the given tier and
	// tool. A limit of 0 means unlimited -- enforcement code must treat 0
	// as no limit. Unknown tiers return the most restrictive (Free)
	// limits to fail safely.
	LimitFor(tier types.PlanTier, tool types.ToolType) int

	// Period returns the quota period length for the given tier.
	// Unknown tiers fall back to the Free period.
	Period(tier types.PlanTier) time.Duration
}

// staticCatalog is a compile-time catalog backed by in-memory maps.
// It implements Catalog and is the standard implementation for production
// use; plan data never changes within a process lifetime.
type staticCatalog struct {
	plans map[types.PlanTier]types.PlanDefinition
	costs map[types.ToolType]int
}

// toolCosts defines the fixed per-use cost of each tool. Expensive
// operations (video, agents) debit more than one quota unit per use.
var toolCosts = map[types.ToolType]int{
	types.ToolChatMessage:     1,
	types.ToolCodeGeneration:  1,
	types.ToolImageGeneration: 1,
	types.ToolAgentInvocation: 3,
	types.ToolVideoGeneration: 5,
}

// planDefaults defines the hardcoded per-period quota table:
//
//	| Plan       | Image | Video | Chat  | Code  | Agent | Period  |
//	|------------|-------|-------|-------|-------|-------|---------|
//	| Free       | 5     | 0*    | 50    | 20    | 0*    | daily   |
//	| Starter    | 50    | 10    | 500   | 200   | 25    | daily   |
//	| Plus       | 200   | 40    | 2000  | 1000  | 100   | monthly |
//	| Pro        | 1000  | 200   | 10000 | 5000  | 500   | monthly |
//	| Enterprise | unlimited across the board            | monthly |
//
// *Free tier gets a symbolic 1-unit video/agent quota rather than 0,
// because 0 means unlimited in this table.
var planDefaults = map[types.PlanTier]types.PlanDefinition{
	types.PlanFree: {
		Tier:   types.PlanFree,
		Period: 24 * time.Hour,
		Quotas: map[types.ToolType]int{
			types.ToolImageGeneration: 5,
			types.ToolVideoGeneration: 1,
			types.ToolChatMessage:     50,
			types.ToolCodeGeneration:  20,
			types.ToolAgentInvocation: 1,
		},
	},
	types.PlanStarter: {
		Tier:   types.PlanStarter,
		Period: 24 * time.Hour,
		Quotas: map[types.ToolType]int{
			types.ToolImageGeneration: 50,
			types.ToolVideoGeneration: 10,
			types.ToolChatMessage:     500,
			types.ToolCodeGeneration:  200,
			types.ToolAgentInvocation: 25,
		},
	},
	types.PlanPlus: {
		Tier:   types.PlanPlus,
		Period: 30 * 24 * time.Hour,
		Quotas: map[types.ToolType]int{
			types.ToolImageGeneration: 200,
			types.ToolVideoGeneration: 40,
			types.ToolChatMessage:     2000,
			types.ToolCodeGeneration:  1000,
			types.ToolAgentInvocation: 100,
		},
	},
	types.PlanPro: {
		Tier:   types.PlanPro,
		Period: 30 * 24 * time.Hour,
		Quotas: map[types.ToolType]int{
			types.ToolImageGeneration: 1000,
			types.ToolVideoGeneration: 200,
			types.ToolChatMessage:     10000,
			types.ToolCodeGeneration:  5000,
			types.ToolAgentInvocation: 500,
		},
	},
	types.PlanEnterprise: {
		Tier:   types.PlanEnterprise,
		Period: 30 * 24 * time.Hour,
		Quotas: map[types.ToolType]int{
			types.ToolImageGeneration: 0, // Unlimited
			types.ToolVideoGeneration: 0, // Unlimited
			types.ToolChatMessage:     0, // Unlimited
			types.ToolCodeGeneration:  0, // Unlimited
			types.ToolAgentInvocation: 0, // Unlimited
		},
	},
}

// NewStaticCatalog returns a Catalog backed by the hardcoded plan table
// and tool costs. This is the standard production implementation; no
// database or external service is required.
func NewStaticCatalog() Catalog {
	return NewCatalog(planDefaults, toolCosts)
}

// NewCatalog returns a Catalog backed by the provided plan definitions
// and tool costs. The maps are copied so callers cannot mutate catalog
// state after construction. Intended for tests and alternate plan tables.
func NewCatalog(plans map[types.PlanTier]types.PlanDefinition, costs map[types.ToolType]int) Catalog {
	p := make(map[types.PlanTier]types.PlanDefinition, len(plans))
	for tier, def := range plans {
		quotas := make(map[types.ToolType]int, len(def.Quotas))
		for tool, limit := range def.Quotas {
			quotas[tool] = limit
		}
		def.Quotas = quotas
		p[tier] = def
	}
	c := make(map[types.ToolType]int, len(costs))
	for tool, cost := range costs {
		c[tool] = cost
	}
	return &staticCatalog{plans: p, costs: c}
}

// CostOf returns the fixed quota cost of a single use of the tool.
func (c *staticCatalog) CostOf(tool types.ToolType) (int, error) {
	cost, ok := c.costs[tool]
	if !ok {
		return 0, types.NewAppErrorWithDetails(
			types.ErrCodeToolUnknown,
			"tool is not registered in the plan catalog",
			nil,
			map[string]any{"tool": string(tool)},
		)
	}
	return cost, nil
}

// LimitFor returns the quota limit for the tier and tool. Unknown tiers
// fall back to the Free limits; a tool missing from a known tier's table
// is treated as not permitted (limit equal to 0 would mean unlimited, so
// the fallback here is the Free tier's entry, or 1 if absent there too).
func (c *staticCatalog) LimitFor(tier types.PlanTier, tool types.ToolType) int {
	def, ok := c.plans[tier]
	if !ok {
		def = c.plans[types.PlanFree]
	}
	if limit, ok := def.Quotas[tool]; ok {
		return limit
	}
	if limit, ok := c.plans[types.PlanFree].Quotas[tool]; ok {
		return limit
	}
	return 1
}

// Period returns the quota period for the tier, falling back to the Free
// period for unknown tiers.
func (c *staticCatalog) Period(tier types.PlanTier) time.Duration {
	if def, ok := c.plans[tier]; ok {
		return def.Period
	}
	return c.plans[types.PlanFree].Period
}
