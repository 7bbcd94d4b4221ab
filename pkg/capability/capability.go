// Package capability defines the static capability matrix for storage
// technology categories. Routing and configuration validation branch on
// these capabilities only, never on concrete technology names, so new
// technologies stay pluggable without touching router logic.
package capability

// Category identifies a class of storage technology.
type Category string

const (
	CategoryDistributedSQL Category = "distributed_sql"
	CategoryCache          Category = "cache"
	CategoryDocument       Category = "document"
	CategorySearch         Category = "search"
	CategoryGraph          Category = "graph"
	CategoryVector         Category = "vector"
	CategoryWideColumn     Category = "wide_column"
	CategoryDataLake       Category = "data_lake"
)

// QueryType represents a technology-agnostic query shape.
type QueryType string

const (
	QueryTypePointLookup QueryType = "point_lookup"
	QueryTypeRangeScan   QueryType = "range_scan"
	QueryTypeAggregation QueryType = "aggregation"
	QueryTypeFullText    QueryType = "full_text"
	QueryTypeSimilarity  QueryType = "similarity"
)

// Feature is a named capability flag a provider may support.
type Feature string

const (
	FeatureTransactions  Feature = "transactions"
	FeatureJSONQueries   Feature = "json_queries"
	FeatureTTL           Feature = "ttl"
	FeatureFullText      Feature = "full_text"
	FeatureVectorSearch  Feature = "vector_search"
	FeatureSharding      Feature = "sharding"
	FeatureBatchWrites   Feature = "batch_writes"
	FeatureSchemaChanges Feature = "schema_changes"
)

// DataType represents a logical field type in table schemas.
type DataType string

const (
	DataTypeString    DataType = "string"
	DataTypeInt       DataType = "int"
	DataTypeFloat     DataType = "float"
	DataTypeBool      DataType = "bool"
	DataTypeTimestamp DataType = "timestamp"
	DataTypeJSON      DataType = "json"
	DataTypeBinary    DataType = "binary"
	DataTypeVector    DataType = "vector"
)

// Capability describes what a technology category can do.
type Capability struct {
	Category   Category
	QueryTypes []QueryType
	DataTypes  []DataType
	Features   []Feature
}

// SupportsQueryType reports whether the category can serve the given query shape.
func (c Capability) SupportsQueryType(qt QueryType) bool {
	for _, t := range c.QueryTypes {
		if t == qt {
			return true
		}
	}
	return false
}

// SupportsDataType reports whether the category can store the given field type.
func (c Capability) SupportsDataType(dt DataType) bool {
	for _, t := range c.DataTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// SupportsFeature reports whether the category carries the given feature flag.
func (c Capability) SupportsFeature(f Feature) bool {
	for _, feat := range c.Features {
		if feat == f {
			return true
		}
	}
	return false
}

// matrix is the built-in capability registry, keyed by category.
var matrix = map[Category]Capability{
	CategoryDistributedSQL: {
		Category:   CategoryDistributedSQL,
		QueryTypes: []QueryType{QueryTypePointLookup, QueryTypeRangeScan, QueryTypeAggregation, QueryTypeFullText},
		DataTypes:  []DataType{DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool, DataTypeTimestamp, DataTypeJSON, DataTypeBinary},
		Features:   []Feature{FeatureTransactions, FeatureJSONQueries, FeatureSharding, FeatureBatchWrites, FeatureSchemaChanges},
	},
	CategoryCache: {
		Category:   CategoryCache,
		QueryTypes: []QueryType{QueryTypePointLookup, QueryTypeRangeScan},
		DataTypes:  []DataType{DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool, DataTypeTimestamp, DataTypeJSON, DataTypeBinary},
		Features:   []Feature{FeatureTTL, FeatureBatchWrites},
	},
	CategoryDocument: {
		Category:   CategoryDocument,
		QueryTypes: []QueryType{QueryTypePointLookup, QueryTypeRangeScan, QueryTypeAggregation, QueryTypeFullText},
		DataTypes:  []DataType{DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool, DataTypeTimestamp, DataTypeJSON, DataTypeBinary},
		Features:   []Feature{FeatureJSONQueries, FeatureTTL, FeatureFullText, FeatureBatchWrites, FeatureSchemaChanges},
	},
	CategorySearch: {
		Category:   CategorySearch,
		QueryTypes: []QueryType{QueryTypePointLookup, QueryTypeRangeScan, QueryTypeFullText, QueryTypeAggregation},
		DataTypes:  []DataType{DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool, DataTypeTimestamp, DataTypeJSON},
		Features:   []Feature{FeatureFullText, FeatureJSONQueries},
	},
	CategoryGraph: {
		Category:   CategoryGraph,
		QueryTypes: []QueryType{QueryTypePointLookup, QueryTypeRangeScan},
		DataTypes:  []DataType{DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool, DataTypeTimestamp, DataTypeJSON},
		Features:   []Feature{FeatureTransactions, FeatureJSONQueries},
	},
	CategoryVector: {
		Category:   CategoryVector,
		QueryTypes: []QueryType{QueryTypePointLookup, QueryTypeSimilarity},
		DataTypes:  []DataType{DataTypeString, DataTypeInt, DataTypeFloat, DataTypeJSON, DataTypeVector},
		Features:   []Feature{FeatureVectorSearch},
	},
	CategoryWideColumn: {
		Category:   CategoryWideColumn,
		QueryTypes: []QueryType{QueryTypePointLookup, QueryTypeRangeScan},
		DataTypes:  []DataType{DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool, DataTypeTimestamp, DataTypeBinary},
		Features:   []Feature{FeatureSharding, FeatureTTL, FeatureBatchWrites},
	},
	CategoryDataLake: {
		Category:   CategoryDataLake,
		QueryTypes: []QueryType{QueryTypeRangeScan, QueryTypeAggregation},
		DataTypes:  []DataType{DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool, DataTypeTimestamp, DataTypeBinary},
		Features:   []Feature{FeatureBatchWrites},
	},
}

// Get returns the capability set for a category.
func Get(cat Category) (Capability, bool) {
	c, ok := matrix[cat]
	return c, ok
}

// MustGet returns the capability set for a category, panicking if unknown.
// Intended for use with the built-in categories only.
func MustGet(cat Category) Capability {
	c, ok := matrix[cat]
	if !ok {
		panic("capability: unknown category " + string(cat))
	}
	return c
}

// Known reports whether the category is part of the built-in matrix.
func Known(cat Category) bool {
	_, ok := matrix[cat]
	return ok
}

// Categories returns all known categories.
func Categories() []Category {
	cats := make([]Category, 0, len(matrix))
	for c := range matrix {
		cats = append(cats, c)
	}
	return cats
}
