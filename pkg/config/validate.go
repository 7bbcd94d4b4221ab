package config

import (
	"regexp"
	"strings"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/errors"
)

// Validate checks the configuration for structural and referential errors.
// Every cross-reference (table -> technology, operation -> table/query,
// routing -> technology) must resolve, every table needs exactly one primary
// key, and declared access patterns must be servable by the primary
// technology or one of its configured fallbacks.
func (c *PlatformConfig) Validate() error {
	if len(c.Technologies) == 0 {
		return errors.New(errors.ErrorTypeValidation, "at least one technology must be configured")
	}

	for name, tech := range c.Technologies {
		if err := tech.validate(name); err != nil {
			return err
		}
	}

	for _, table := range c.Tables {
		if err := c.validateTable(table); err != nil {
			return err
		}
	}

	for _, rule := range c.Routing {
		if err := c.validateRouting(rule); err != nil {
			return err
		}
	}

	for _, query := range c.Queries {
		if err := c.validateQuery(query); err != nil {
			return err
		}
	}

	for _, op := range c.Operations {
		if err := c.validateOperation(op); err != nil {
			return err
		}
	}

	for _, strategy := range c.Sharding {
		if err := c.validateSharding(strategy); err != nil {
			return err
		}
	}

	for _, policy := range c.Lifecycle {
		if err := c.validateLifecycle(policy); err != nil {
			return err
		}
	}

	for _, ep := range c.API.Endpoints {
		for _, opName := range ep.Operations {
			if c.Operation(opName) == nil && c.Query(opName) == nil {
				return errors.Newf(errors.ErrorTypeValidation,
					"endpoint %q references unknown operation %q", ep.Name, opName)
			}
		}
	}

	return nil
}

func (t *TechnologyConfig) validate(name string) error {
	if !capability.Known(t.Category) {
		return errors.Newf(errors.ErrorTypeValidation,
			"technology %q has unknown category %q", name, t.Category)
	}
	conn := t.Connection
	if conn.URI == "" && len(conn.Hosts) == 0 && conn.Path == "" {
		return errors.Newf(errors.ErrorTypeValidation,
			"technology %q has no connection uri, hosts, or path", name)
	}
	if t.Pool.MinConns > t.Pool.MaxConns {
		return errors.Newf(errors.ErrorTypeValidation,
			"technology %q pool min_conns %d exceeds max_conns %d", name, t.Pool.MinConns, t.Pool.MaxConns)
	}
	return nil
}

func (c *PlatformConfig) validateTable(table *TableConfig) error {
	if table.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "table with empty name")
	}

	tech := c.Technology(table.Technology)
	if tech == nil {
		return errors.Newf(errors.ErrorTypeValidation,
			"table %q references unknown technology %q", table.Name, table.Technology)
	}
	caps := capability.MustGet(tech.Category)

	var backupCaps *capability.Capability
	if table.BackupTechnology != "" {
		if table.BackupTechnology == table.Technology {
			return errors.Newf(errors.ErrorTypeValidation,
				"table %q backup technology must differ from primary", table.Name)
		}
		backup := c.Technology(table.BackupTechnology)
		if backup == nil {
			return errors.Newf(errors.ErrorTypeValidation,
				"table %q references unknown backup technology %q", table.Name, table.BackupTechnology)
		}
		bc := capability.MustGet(backup.Category)
		backupCaps = &bc
	}

	if len(table.Fields) == 0 {
		return errors.Newf(errors.ErrorTypeValidation, "table %q has no fields", table.Name)
	}

	pkCount := 0
	seen := make(map[string]bool, len(table.Fields))
	for _, field := range table.Fields {
		if field.Name == "" {
			return errors.Newf(errors.ErrorTypeValidation, "table %q has a field with empty name", table.Name)
		}
		if seen[field.Name] {
			return errors.Newf(errors.ErrorTypeValidation,
				"table %q declares field %q more than once", table.Name, field.Name)
		}
		seen[field.Name] = true

		if field.PrimaryKey {
			pkCount++
			if field.Nullable {
				return errors.Newf(errors.ErrorTypeValidation,
					"table %q primary key %q cannot be nullable", table.Name, field.Name)
			}
		}
		if !caps.SupportsDataType(field.Type) {
			return errors.Newf(errors.ErrorTypeValidation,
				"table %q field %q type %q is not supported by technology %q",
				table.Name, field.Name, field.Type, table.Technology)
		}
		if field.Validation != "" {
			if _, err := regexp.Compile(field.Validation); err != nil {
				return errors.Wrap(err, errors.ErrorTypeValidation, "invalid validation pattern").
					WithDetail("table", table.Name).
					WithDetail("field", field.Name)
			}
		}
	}
	if pkCount != 1 {
		return errors.Newf(errors.ErrorTypeValidation,
			"table %q must declare exactly one primary key, found %d", table.Name, pkCount)
	}

	// Every declared access pattern must be servable by the primary, the
	// backup, or a configured routing fallback. Otherwise the pattern would
	// always fail at request time; reject it at load time instead.
	for _, qt := range table.AccessPatterns {
		if caps.SupportsQueryType(qt) {
			continue
		}
		if backupCaps != nil && backupCaps.SupportsQueryType(qt) {
			continue
		}
		if c.fallbackServes(table.Name, qt) {
			continue
		}
		return errors.Newf(errors.ErrorTypeValidation,
			"table %q access pattern %q is not servable by technology %q or any fallback",
			table.Name, qt, table.Technology)
	}

	if table.Vector != nil {
		if table.Vector.Dimensions <= 0 {
			return errors.Newf(errors.ErrorTypeValidation,
				"table %q vector config requires positive dimensions", table.Name)
		}
		if table.Field(table.Vector.Field) == nil {
			return errors.Newf(errors.ErrorTypeValidation,
				"table %q vector field %q is not declared", table.Name, table.Vector.Field)
		}
	}

	for _, idx := range table.Indexes {
		for _, f := range idx.Fields {
			if table.Field(f) == nil {
				return errors.Newf(errors.ErrorTypeValidation,
					"table %q index %q references unknown field %q", table.Name, idx.Name, f)
			}
		}
	}

	if table.Partition != nil && table.Field(table.Partition.Field) == nil {
		return errors.Newf(errors.ErrorTypeValidation,
			"table %q partition field %q is not declared", table.Name, table.Partition.Field)
	}

	return nil
}

// queryTypeServable reports whether the table's primary technology, its
// backup, or any routing fallback can serve the query type. Query templates
// with unservable types would fail on every request; they are rejected at
// load time.
func (c *PlatformConfig) queryTypeServable(table *TableConfig, qt capability.QueryType) bool {
	if capability.MustGet(c.Technology(table.Technology).Category).SupportsQueryType(qt) {
		return true
	}
	if table.BackupTechnology != "" {
		if capability.MustGet(c.Technology(table.BackupTechnology).Category).SupportsQueryType(qt) {
			return true
		}
	}
	return c.fallbackServes(table.Name, qt)
}

// fallbackServes reports whether any routing fallback for the table can
// serve the query type.
func (c *PlatformConfig) fallbackServes(table string, qt capability.QueryType) bool {
	for _, name := range c.Fallbacks(table, qt) {
		tech := c.Technology(name)
		if tech == nil {
			continue
		}
		if capability.MustGet(tech.Category).SupportsQueryType(qt) {
			return true
		}
	}
	return false
}

func (c *PlatformConfig) validateRouting(rule *RoutingRule) error {
	if c.Table(rule.Table) == nil {
		return errors.Newf(errors.ErrorTypeValidation,
			"routing rule references unknown table %q", rule.Table)
	}
	if len(rule.Fallbacks) == 0 {
		return errors.Newf(errors.ErrorTypeValidation,
			"routing rule for table %q has no fallbacks", rule.Table)
	}
	for _, name := range rule.Fallbacks {
		if c.Technology(name) == nil {
			return errors.Newf(errors.ErrorTypeValidation,
				"routing rule for table %q references unknown technology %q", rule.Table, name)
		}
	}
	return nil
}

func (c *PlatformConfig) validateQuery(query *QueryConfig) error {
	if query.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "query with empty name")
	}
	table := c.Table(query.Table)
	if table == nil {
		return errors.Newf(errors.ErrorTypeValidation,
			"query %q references unknown table %q", query.Name, query.Table)
	}
	if !c.queryTypeServable(table, query.Type) {
		return errors.Newf(errors.ErrorTypeValidation,
			"query %q type %q is not servable by technology %q or any fallback",
			query.Name, query.Type, table.Technology)
	}
	for _, p := range query.Projection {
		if table.Field(p) == nil {
			return errors.Newf(errors.ErrorTypeValidation,
				"query %q projects unknown field %q", query.Name, p)
		}
	}
	return nil
}

func (c *PlatformConfig) validateOperation(op *OperationConfig) error {
	if op.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "operation with empty name")
	}
	if len(op.Steps) == 0 {
		return errors.Newf(errors.ErrorTypeValidation, "operation %q has no steps", op.Name)
	}
	if op.Rollback != RollbackCompensate && op.Rollback != RollbackNone {
		return errors.Newf(errors.ErrorTypeValidation,
			"operation %q has unknown rollback strategy %q", op.Name, op.Rollback)
	}

	steps := make(map[string]bool, len(op.Steps))
	for _, step := range op.Steps {
		if step.Name == "" {
			return errors.Newf(errors.ErrorTypeValidation, "operation %q has a step with empty name", op.Name)
		}
		if steps[step.Name] {
			return errors.Newf(errors.ErrorTypeValidation,
				"operation %q declares step %q more than once", op.Name, step.Name)
		}
		steps[step.Name] = true
		if err := c.validateStep(op, step); err != nil {
			return err
		}
	}

	for _, step := range op.Steps {
		for _, dep := range step.DependsOn {
			if !steps[dep] {
				return errors.Newf(errors.ErrorTypeValidation,
					"operation %q step %q depends on unknown step %q", op.Name, step.Name, dep)
			}
		}
		for _, src := range step.Bind {
			if name, ok := stepRef(src); ok && !steps[name] {
				return errors.Newf(errors.ErrorTypeValidation,
					"operation %q step %q binds from unknown step %q", op.Name, step.Name, name)
			}
		}
	}

	if err := checkStepCycles(op); err != nil {
		return err
	}

	for _, step := range op.Cascade {
		if err := c.validateStep(op, step); err != nil {
			return err
		}
	}
	return nil
}

func (c *PlatformConfig) validateStep(op *OperationConfig, step *StepConfig) error {
	switch step.Action {
	case StepInsert, StepUpdate, StepDelete:
		if c.Table(step.Table) == nil {
			return errors.Newf(errors.ErrorTypeValidation,
				"operation %q step %q references unknown table %q", op.Name, step.Name, step.Table)
		}
	case StepQuery:
		if step.Query != "" {
			if c.Query(step.Query) == nil {
				return errors.Newf(errors.ErrorTypeValidation,
					"operation %q step %q references unknown query %q", op.Name, step.Name, step.Query)
			}
		} else if c.Table(step.Table) == nil {
			return errors.Newf(errors.ErrorTypeValidation,
				"operation %q step %q references unknown table %q", op.Name, step.Name, step.Table)
		}
	default:
		return errors.Newf(errors.ErrorTypeValidation,
			"operation %q step %q has unknown action %q", op.Name, step.Name, step.Action)
	}
	return nil
}

// stepRef extracts the step name from a "steps.<step>.<field>" binding source.
func stepRef(src string) (string, bool) {
	if !strings.HasPrefix(src, "steps.") {
		return "", false
	}
	rest := strings.TrimPrefix(src, "steps.")
	if i := strings.Index(rest, "."); i > 0 {
		return rest[:i], true
	}
	return rest, rest != ""
}

// checkStepCycles rejects dependency cycles between operation steps.
func checkStepCycles(op *OperationConfig) error {
	byName := make(map[string]*StepConfig, len(op.Steps))
	for _, s := range op.Steps {
		byName[s.Name] = s
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	state := make(map[string]int, len(op.Steps))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case grey:
			return errors.Newf(errors.ErrorTypeValidation,
				"operation %q has a dependency cycle through step %q", op.Name, name)
		case black:
			return nil
		}
		state[name] = grey
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = black
		return nil
	}

	for _, s := range op.Steps {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}

func (c *PlatformConfig) validateSharding(strategy *ShardingStrategy) error {
	table := c.Table(strategy.Table)
	if table == nil {
		return errors.Newf(errors.ErrorTypeValidation,
			"sharding strategy %q references unknown table %q", strategy.Name, strategy.Table)
	}
	if table.Field(strategy.KeyField) == nil {
		return errors.Newf(errors.ErrorTypeValidation,
			"sharding strategy %q key field %q is not declared on table %q",
			strategy.Name, strategy.KeyField, strategy.Table)
	}
	switch strategy.Kind {
	case ShardHash:
		if strategy.ShardCount <= 0 {
			return errors.Newf(errors.ErrorTypeValidation,
				"sharding strategy %q requires positive shard_count", strategy.Name)
		}
	case ShardTime:
		if strategy.Interval <= 0 {
			return errors.Newf(errors.ErrorTypeValidation,
				"sharding strategy %q requires positive interval", strategy.Name)
		}
	case ShardRange:
		if len(strategy.Boundaries) == 0 {
			return errors.Newf(errors.ErrorTypeValidation,
				"sharding strategy %q requires boundaries", strategy.Name)
		}
		for i := 1; i < len(strategy.Boundaries); i++ {
			if strategy.Boundaries[i] <= strategy.Boundaries[i-1] {
				return errors.Newf(errors.ErrorTypeValidation,
					"sharding strategy %q boundaries must be strictly increasing", strategy.Name)
			}
		}
	default:
		return errors.Newf(errors.ErrorTypeValidation,
			"sharding strategy %q has unknown kind %q", strategy.Name, strategy.Kind)
	}
	return nil
}

func (c *PlatformConfig) validateLifecycle(policy *LifecyclePolicy) error {
	if len(policy.Rules) == 0 {
		return errors.Newf(errors.ErrorTypeValidation, "lifecycle policy %q has no rules", policy.Name)
	}
	for _, tableName := range policy.Tables {
		table := c.Table(tableName)
		if table == nil {
			return errors.Newf(errors.ErrorTypeValidation,
				"lifecycle policy %q references unknown table %q", policy.Name, tableName)
		}
		for _, rule := range policy.Rules {
			field := table.Field(rule.AgeField)
			if field == nil {
				return errors.Newf(errors.ErrorTypeValidation,
					"lifecycle rule %q age field %q is not declared on table %q",
					rule.Name, rule.AgeField, tableName)
			}
			if field.Type != capability.DataTypeTimestamp {
				return errors.Newf(errors.ErrorTypeValidation,
					"lifecycle rule %q age field %q on table %q must be a timestamp",
					rule.Name, rule.AgeField, tableName)
			}
		}
	}
	for _, rule := range policy.Rules {
		if rule.MaxAge <= 0 {
			return errors.Newf(errors.ErrorTypeValidation,
				"lifecycle rule %q requires positive max_age", rule.Name)
		}
		switch rule.Action {
		case LifecycleDelete:
		case LifecycleArchive, LifecycleMigrate:
			if rule.Target == "" {
				return errors.Newf(errors.ErrorTypeValidation,
					"lifecycle rule %q action %q requires a target technology", rule.Name, rule.Action)
			}
			if c.Technology(rule.Target) == nil {
				return errors.Newf(errors.ErrorTypeValidation,
					"lifecycle rule %q references unknown target technology %q", rule.Name, rule.Target)
			}
			// The target only has the table materialized when it is the
			// table's primary or backup; anything else would fail on the
			// first archival batch.
			for _, tableName := range policy.Tables {
				table := c.Table(tableName)
				if table.Technology != rule.Target && table.BackupTechnology != rule.Target {
					return errors.Newf(errors.ErrorTypeValidation,
						"lifecycle rule %q target %q does not serve table %q",
						rule.Name, rule.Target, tableName)
				}
			}
		default:
			return errors.Newf(errors.ErrorTypeValidation,
				"lifecycle rule %q has unknown action %q", rule.Name, rule.Action)
		}
	}
	return nil
}
