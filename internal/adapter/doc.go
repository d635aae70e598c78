/*
Package adapter wires the branch sync engine together.

The Adapter owns the lifecycle of every component and builds each of them from
a single config.Configuration:

	            ┌──────────────────────────────┐
	            │     Dashboard / callers      │
	            └──────────────────────────────┘
	                          │
	┌───────────────────────────────────────────────────┐
	│                 ADAPTER LAYER                     │ ← This Package
	│  • Component wiring from configuration            │
	│  • Start / Stop ordering                          │
	└───────────────────────────────────────────────────┘
	      │            │             │            │
	┌─────┴─────┐ ┌────┴──────┐ ┌────┴─────┐ ┌────┴─────┐
	│Orchestrator│ │ Preloader │ │ Monitor  │ │ API      │
	└─────┬─────┘ └───────────┘ └──────────┘ └──────────┘
	      │
	┌─────┴─────┐ ┌───────────┐
	│  Batcher  │ │   Cache   │
	└─────┬─────┘ └───────────┘
	      │
	┌─────┴─────────────┐
	│ REST backend      │
	│ (retry + breaker) │
	└───────────────────┘

# Lifecycle

Start launches the cache janitor, the orchestrator monitoring tick, the
preloader and, when enabled, the introspection server. Stop reverses that
order: the server shuts down first so no new sync requests arrive, then the
preloader stops submitting, the orchestrator flushes its batcher and the
cache janitor exits.

An Adapter cannot be restarted after Stop.

# Usage

	cfg, err := config.Load("branchsync.yaml")
	if err != nil {
		return err
	}
	engine, err := adapter.New(cfg, branches)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop(context.Background())

	results := engine.Orchestrator().LoadBranchesOptimized(ctx, types.BatchLoadRequest{
		BranchIDs: []int{1, 2},
		DataTypes: []types.DataType{types.DataSales},
		Priority:  types.PriorityHigh,
	})
*/
package adapter
