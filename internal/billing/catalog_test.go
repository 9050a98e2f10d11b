package billing

import (
	"errors"
	"testing"
	"time"

	"monsaas/internal/types"
)

func TestNewStaticCatalog(t *testing.T) {
	cat := NewStaticCatalog()
	if cat == nil {
		t.Fatal("NewStaticCatalog returned nil")
	}
}

func TestCostOf_KnownTools(t *testing.T) {
	cat := NewStaticCatalog()

	cases := []struct {
		tool types.ToolType
		want int
	}{
		{types.ToolChatMessage, 1},
		{types.ToolCodeGeneration, 1},
		{types.ToolImageGeneration, 1},
		{types.ToolAgentInvocation, 3},
		{types.ToolVideoGeneration, 5},
	}

	for _, tc := range cases {
		cost, err := cat.CostOf(tc.tool)
		if err != nil {
			t.Errorf("CostOf(%s) returned error: %v", tc.tool, err)
			continue
		}
		if cost != tc.want {
			t.Errorf("CostOf(%s) = %d, want %d", tc.tool, cost, tc.want)
		}
	}
}

func TestCostOf_UnknownTool(t *testing.T) {
	cat := NewStaticCatalog()

	_, err := cat.CostOf(types.ToolType("quantum_compute"))
	if err == nil {
		t.Fatal("CostOf with unknown tool should return an error")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeToolUnknown {
		t.Errorf("error code = %s, want %s", appErr.Code, types.ErrCodeToolUnknown)
	}
}

func TestLimitFor_FreeTier(t *testing.T) {
	cat := NewStaticCatalog()

	if got := cat.LimitFor(types.PlanFree, types.ToolImageGeneration); got != 5 {
		t.Errorf("Free/image_generation limit = %d, want 5", got)
	}
	if got := cat.LimitFor(types.PlanFree, types.ToolChatMessage); got != 50 {
		t.Errorf("Free/chat_message limit = %d, want 50", got)
	}
}

func TestLimitFor_EnterpriseUnlimited(t *testing.T) {
	cat := NewStaticCatalog()

	for _, tool := range types.AllTools {
		if got := cat.LimitFor(types.PlanEnterprise, tool); got != 0 {
			t.Errorf("Enterprise/%s limit = %d, want 0 (unlimited)", tool, got)
		}
	}
}

func TestLimitFor_UnknownTierFallsBackToFree(t *testing.T) {
	cat := NewStaticCatalog()

	got := cat.LimitFor(types.PlanTier("nonexistent"), types.ToolImageGeneration)
	want := cat.LimitFor(types.PlanFree, types.ToolImageGeneration)
	if got != want {
		t.Errorf("unknown tier limit = %d, want Free limit %d", got, want)
	}
}

func TestLimitFor_EmptyTierFallsBackToFree(t *testing.T) {
	cat := NewStaticCatalog()

	got := cat.LimitFor(types.PlanTier(""), types.ToolChatMessage)
	want := cat.LimitFor(types.PlanFree, types.ToolChatMessage)
	if got != want {
		t.Errorf("empty tier limit = %d, want Free limit %d", got, want)
	}
}

func TestPeriod_PerTier(t *testing.T) {
	cat := NewStaticCatalog()

	if got := cat.Period(types.PlanFree); got != 24*time.Hour {
		t.Errorf("Free period = %v, want 24h", got)
	}
	if got := cat.Period(types.PlanPro); got != 30*24*time.Hour {
		t.Errorf("Pro period = %v, want 720h", got)
	}
	if got := cat.Period(types.PlanTier("bogus")); got != 24*time.Hour {
		t.Errorf("unknown tier period = %v, want Free period 24h", got)
	}
}

func TestNewCatalog_CopiesInput(t *testing.T) {
	// Mutating the source maps after construction must not affect the
	// catalog.
	plans := map[types.PlanTier]types.PlanDefinition{
		types.PlanFree: {
			Tier:   types.PlanFree,
			Period: time.Hour,
			Quotas: map[types.ToolType]int{types.ToolChatMessage: 10},
		},
	}
	costs := map[types.ToolType]int{types.ToolChatMessage: 1}

	cat := NewCatalog(plans, costs)

	plans[types.PlanFree].Quotas[types.ToolChatMessage] = 999
	costs[types.ToolChatMessage] = 999

	if got := cat.LimitFor(types.PlanFree, types.ToolChatMessage); got != 10 {
		t.Errorf("limit after source mutation = %d, want 10", got)
	}
	cost, err := cat.CostOf(types.ToolChatMessage)
	if err != nil {
		t.Fatalf("CostOf returned error: %v", err)
	}
	if cost != 1 {
		t.Errorf("cost after source mutation = %d, want 1", cost)
	}
}

func TestCatalogInterface(t *testing.T) {
	// Compile-time check that staticCatalog satisfies Catalog.
	var _ Catalog = NewStaticCatalog()
}
