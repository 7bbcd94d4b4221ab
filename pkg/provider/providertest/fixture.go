package providertest

import (
	"time"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
)

// Config builds a validated in-memory platform configuration exercising
// transactional and best-effort technologies, routing fallbacks, sharding,
// and lifecycle rules. All categories resolve to mock providers.
func Config() *config.PlatformConfig {
	cfg := &config.PlatformConfig{
		Version: "1",
		Technologies: map[string]*config.TechnologyConfig{
			"graphdb": {
				Category:   capability.CategoryGraph,
				Connection: config.ConnectionConfig{Hosts: []string{"localhost:7687"}},
			},
			"eventstore": {
				Category:   capability.CategoryWideColumn,
				Connection: config.ConnectionConfig{Hosts: []string{"localhost:9042"}},
			},
			"searchidx": {
				Category:   capability.CategorySearch,
				Connection: config.ConnectionConfig{Hosts: []string{"localhost:9200"}},
			},
			"coldlake": {
				Category:   capability.CategoryDataLake,
				Connection: config.ConnectionConfig{Path: "/tmp/coldlake"},
			},
		},
		Tables: []*config.TableConfig{
			{
				Name:       "accounts",
				Database:   "app",
				Technology: "graphdb",
				AccessPatterns: []capability.QueryType{
					capability.QueryTypePointLookup,
					capability.QueryTypeFullText,
				},
				Fields: []*config.FieldConfig{
					{Name: "id", Type: capability.DataTypeString, PrimaryKey: true},
					{Name: "name", Type: capability.DataTypeString},
					{Name: "email", Type: capability.DataTypeString},
					{Name: "created_at", Type: capability.DataTypeTimestamp, Nullable: true},
				},
			},
			{
				Name:             "events",
				Database:         "app",
				Technology:       "eventstore",
				BackupTechnology: "coldlake",
				AccessPatterns: []capability.QueryType{
					capability.QueryTypePointLookup,
					capability.QueryTypeRangeScan,
				},
				Fields: []*config.FieldConfig{
					{Name: "id", Type: capability.DataTypeString, PrimaryKey: true},
					{Name: "account_id", Type: capability.DataTypeString},
					{Name: "kind", Type: capability.DataTypeString},
					{Name: "created_at", Type: capability.DataTypeTimestamp, Nullable: true},
				},
			},
		},
		Routing: []*config.RoutingRule{
			{Table: "accounts", QueryType: capability.QueryTypeFullText, Fallbacks: []string{"searchidx"}},
		},
		Queries: []*config.QueryConfig{
			{
				Name:       "account-by-name",
				Table:      "accounts",
				Type:       capability.QueryTypePointLookup,
				Parameters: []string{"name"},
			},
		},
		Operations: []*config.OperationConfig{
			{
				Name:     "create-account",
				Rollback: config.RollbackCompensate,
				Steps: []*config.StepConfig{
					{
						Name:   "account",
						Action: config.StepInsert,
						Table:  "accounts",
						Bind: map[string]string{
							"name":  "params.name",
							"email": "params.email",
						},
					},
					{
						Name:      "event",
						Action:    config.StepInsert,
						Table:     "events",
						DependsOn: []string{"account"},
						Bind: map[string]string{
							"account_id": "steps.account.id",
							"kind":       "signup",
						},
					},
				},
			},
		},
		Sharding: []*config.ShardingStrategy{
			{
				Name:       "events-by-account",
				Table:      "events",
				Kind:       config.ShardHash,
				KeyField:   "account_id",
				ShardCount: 8,
			},
		},
		Lifecycle: []*config.LifecyclePolicy{
			{
				Name:     "archive-events",
				Tables:   []string{"events"},
				Schedule: time.Hour,
				Rules: []*config.LifecycleRule{
					{
						Name:      "archive-old-events",
						AgeField:  "created_at",
						MaxAge:    time.Hour,
						Action:    config.LifecycleArchive,
						Target:    "coldlake",
						BatchSize: 10,
					},
				},
			},
		},
	}
	return cfg
}
