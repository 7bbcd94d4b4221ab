// Package polystore provides a configuration-driven polyglot persistence
// platform: one logical data model served by many storage technologies, with
// capability-aware routing, cross-technology operations, and automated data
// lifecycle management.
//
// Applications declare tables, queries, and operations once in YAML. The
// platform maps each table to a primary technology (and optional fallbacks),
// routes every query to a technology that can actually serve its shape, and
// coordinates multi-step operations across stores with best-effort
// transactional semantics.
//
// # Architecture
//
// The platform is assembled from independent layers:
//
//   - pkg/capability: the static capability matrix. Routing and validation
//     branch on technology categories (distributed_sql, cache, document,
//     search, graph, vector, wide_column, data_lake), never on product names.
//   - pkg/provider: the uniform Provider contract plus adapters for
//     PostgreSQL-compatible SQL stores (pgx), document stores (mongo-driver),
//     and an embedded cache (Badger). Providers register by category and are
//     instantiated per configured technology.
//   - pkg/router: capability-based query routing with fallback chains and a
//     wholesale-invalidated decision cache.
//   - pkg/txn: the cross-technology transaction coordinator. Technologies
//     with native transactions commit atomically; the rest participate
//     best-effort with compensating deletes, and a partial commit surfaces as
//     an InconsistentStateError naming exactly what committed.
//   - pkg/executor: named multi-step operations with dependency-ordered
//     waves, parameter and step-output binding, and cascade steps.
//   - pkg/shard + internal/lifecycle: hash/time/range shard assignment and
//     scheduled, idempotent archival/expiry rules.
//   - pkg/service: the assembled platform with endpoint rate limits,
//     read-through query caching, health aggregation, and live reload.
//
// # Quick Start
//
//	import (
//	    "context"
//
//	    "github.com/unhinged-ai/polystore/pkg/config"
//	    "github.com/unhinged-ai/polystore/pkg/service"
//
//	    _ "github.com/unhinged-ai/polystore/pkg/provider/badgercache"
//	    _ "github.com/unhinged-ai/polystore/pkg/provider/mongodb"
//	    _ "github.com/unhinged-ai/polystore/pkg/provider/postgres"
//	)
//
//	cfg, err := config.Load("polystore.yaml")
//	if err != nil {
//	    return err
//	}
//	svc, err := service.New(context.Background(), cfg)
//	if err != nil {
//	    return err
//	}
//	svc.Start(ctx)
//	defer svc.Close(ctx)
//
//	result, err := svc.Invoke(ctx, "public", "create-account", map[string]interface{}{
//	    "name":  "ada",
//	    "email": "ada@example.com",
//	})
//
// The polystore CLI in cmd/polystore wraps the same layers for running,
// validating, and inspecting a deployment.
package polystore
