package mongodb

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

// criteriaToBSON translates a criteria tree to a BSON filter. Similarity
// criteria are rejected before any server round-trip.
func criteriaToBSON(c *core.Criteria) (bson.M, error) {
	if c == nil {
		return bson.M{}, nil
	}
	switch c.Kind {
	case core.KindEq:
		return bson.M{c.Field: c.Value}, nil
	case core.KindNeq:
		return bson.M{c.Field: bson.M{"$ne": c.Value}}, nil
	case core.KindRange:
		bounds := bson.M{}
		if c.Low != nil {
			bounds["$gte"] = c.Low
		}
		if c.High != nil {
			bounds["$lte"] = c.High
		}
		return bson.M{c.Field: bounds}, nil
	case core.KindIn:
		return bson.M{c.Field: bson.M{"$in": c.Values}}, nil
	case core.KindPattern:
		return bson.M{c.Field: bson.M{"$regex": c.Pattern}}, nil
	case core.KindNear:
		return nil, errors.New(errors.ErrorTypeCapability, "similarity criteria are not servable by document filters").
			WithStage(errors.StageTranslation)
	case core.KindAnd, core.KindOr:
		op := "$and"
		if c.Kind == core.KindOr {
			op = "$or"
		}
		if len(c.Children) == 0 {
			return bson.M{}, nil
		}
		children := make([]bson.M, len(c.Children))
		for i, child := range c.Children {
			f, err := criteriaToBSON(child)
			if err != nil {
				return nil, err
			}
			children[i] = f
		}
		return bson.M{op: children}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeQuery, "unknown criteria kind %q", c.Kind).
			WithStage(errors.StageTranslation)
	}
}

// aggregationPipeline translates an aggregation spec to a $match/$group
// pipeline.
func aggregationPipeline(spec *core.QuerySpec) (mongo.Pipeline, error) {
	filter, err := criteriaToBSON(spec.Criteria)
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{}
	if len(filter) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: filter}})
	}

	groupID := bson.M{}
	for _, g := range spec.GroupBy {
		groupID[g] = "$" + g
	}
	group := bson.M{"_id": groupID}
	for _, agg := range spec.Aggregates {
		as := agg.As
		if as == "" {
			as = string(agg.Func)
		}
		switch agg.Func {
		case core.AggCount:
			group[as] = bson.M{"$sum": 1}
		case core.AggSum:
			group[as] = bson.M{"$sum": "$" + agg.Field}
		case core.AggAvg:
			group[as] = bson.M{"$avg": "$" + agg.Field}
		case core.AggMin:
			group[as] = bson.M{"$min": "$" + agg.Field}
		case core.AggMax:
			group[as] = bson.M{"$max": "$" + agg.Field}
		default:
			return nil, errors.Newf(errors.ErrorTypeQuery, "unknown aggregate %q", agg.Func)
		}
	}
	if len(spec.Aggregates) == 0 {
		group["count"] = bson.M{"$sum": 1}
	}
	pipeline = append(pipeline, bson.D{{Key: "$group", Value: group}})

	if spec.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: spec.Limit}})
	}
	return pipeline, nil
}
