package query

import (
	"fmt"
	"math"

	"github.com/tidwall/gjson"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/internal/eventmodel"
)

var validOps = map[string]FilterOp{
	"eq": OpEq, "neq": OpNeq, "lt": OpLt, "gt": OpGt,
	"in": OpIn, "gte": OpGte, "lte": OpLte, "between": OpBetween,
}

var validAggFuncs = map[string]eventmodel.AggFunc{
	"sum": eventmodel.AggSum, "count": eventmodel.AggCount, "avg": eventmodel.AggAvg,
	"min": eventmodel.AggMin, "max": eventmodel.AggMax,
}

// ParseSignature parses and validates a declarative query document. It uses
// gjson to walk the raw JSON so that a malformed field can be reported by
// its exact path (e.g. "where[2].op"), rather than a generic "invalid
// query" message.
func ParseSignature(raw []byte) (Signature, error) {
	if !gjson.ValidBytes(raw) {
		return Signature{}, errors.NewInputError("request body is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)

	var sig Signature

	if grain := doc.Get("grain"); grain.Exists() {
		if !grain.IsArray() {
			return Signature{}, errors.NewInputErrorAt("grain", "must be an array of dimension names")
		}
		for i, el := range grain.Array() {
			if el.Type != gjson.String {
				return Signature{}, errors.NewInputErrorAt(fmt.Sprintf("grain[%d]", i), "must be a string")
			}
			sig.Grain = append(sig.Grain, el.String())
		}
	}

	if dims := doc.Get("dimensions"); dims.Exists() {
		if !dims.IsArray() {
			return Signature{}, errors.NewInputErrorAt("dimensions", "must be an array of dimension names")
		}
		for i, el := range dims.Array() {
			if el.Type != gjson.String {
				return Signature{}, errors.NewInputErrorAt(fmt.Sprintf("dimensions[%d]", i), "must be a string")
			}
			sig.Dimensions = append(sig.Dimensions, el.String())
		}
	}

	if measures := doc.Get("measures"); measures.Exists() {
		if !measures.IsArray() || len(measures.Array()) == 0 {
			return Signature{}, errors.NewInputErrorAt("measures", "must be a non-empty array of measure objects")
		}
		for i, el := range measures.Array() {
			path := fmt.Sprintf("measures[%d]", i)
			agg, err := parseAggregate(el, path)
			if err != nil {
				return Signature{}, err
			}
			sig.Measures = append(sig.Measures, agg)
		}
	} else {
		return Signature{}, errors.NewInputErrorAt("measures", "is required")
	}

	if where := doc.Get("where"); where.Exists() {
		if !where.IsArray() {
			return Signature{}, errors.NewInputErrorAt("where", "must be an array of filters")
		}
		for i, el := range where.Array() {
			f, err := parseFilter(el, fmt.Sprintf("where[%d]", i))
			if err != nil {
				return Signature{}, err
			}
			sig.Where = append(sig.Where, f)
		}
	}

	if orderBy := doc.Get("order_by"); orderBy.Exists() {
		if !orderBy.IsArray() {
			return Signature{}, errors.NewInputErrorAt("order_by", "must be an array of order terms")
		}
		for i, el := range orderBy.Array() {
			path := fmt.Sprintf("order_by[%d]", i)
			if el.Type == gjson.String {
				sig.OrderBy = append(sig.OrderBy, OrderTerm{Field: el.String()})
				continue
			}
			field := el.Get("field")
			if field.Type != gjson.String || field.String() == "" {
				return Signature{}, errors.NewInputErrorAt(path+".field", "is required")
			}
			desc := false
			if dir := el.Get("dir"); dir.Exists() {
				switch dir.String() {
				case "asc":
				case "desc":
					desc = true
				default:
					return Signature{}, errors.NewInputErrorAt(path+".dir", "must be \"asc\" or \"desc\"")
				}
			} else if d := el.Get("desc"); d.Exists() {
				desc = d.Bool()
			}
			sig.OrderBy = append(sig.OrderBy, OrderTerm{Field: field.String(), Desc: desc})
		}
	}

	if limit := doc.Get("limit"); limit.Exists() {
		if limit.Type != gjson.Number || limit.Num != math.Trunc(limit.Num) || limit.Num <= 0 {
			return Signature{}, errors.NewInputErrorAt("limit", "must be a positive integer")
		}
		sig.Limit = int(limit.Num)
	}

	if path, ok := sig.ValidDimensions(); !ok {
		return Signature{}, errors.NewInputErrorAt(path, "unknown dimension")
	}
	if path, ok := sig.ValidMeasures(); !ok {
		return Signature{}, errors.NewInputErrorAt(path, "unknown measure")
	}
	if path, ok := sig.ValidOrderBy(); !ok {
		return Signature{}, errors.NewInputErrorAt(path, "order_by references a field that is neither grouped nor measured")
	}

	sig.Normalize()
	return sig, nil
}

// parseFilter parses a single where-clause or per-measure filter object.
func parseFilter(el gjson.Result, path string) (Filter, error) {
	field := el.Get("field")
	if field.Type != gjson.String || field.String() == "" {
		return Filter{}, errors.NewInputErrorAt(path+".field", "is required")
	}
	opRaw := el.Get("op")
	op, ok := validOps[opRaw.String()]
	if !ok {
		return Filter{}, errors.NewInputErrorAt(path+".op", "unknown operator "+opRaw.String())
	}
	f := Filter{Field: field.String(), Op: op}
	switch op {
	case OpBetween, OpIn:
		values := el.Get("values")
		if !values.Exists() || !values.IsArray() || len(values.Array()) == 0 {
			return Filter{}, errors.NewInputErrorAt(path+".values", "is required for "+string(op))
		}
		for _, v := range values.Array() {
			f.Values = append(f.Values, v.Value())
		}
	default:
		value := el.Get("value")
		if !value.Exists() {
			return Filter{}, errors.NewInputErrorAt(path+".value", "is required for "+string(op))
		}
		f.Value = value.Value()
	}
	return f, nil
}

// parseAggregate parses one measure object: {"func", "column", "filter",
// "alias"}. A bare string (e.g. "event_count" or "total_price") is accepted
// as shorthand: "event_count" parses to count(*), anything else to sum(column).
func parseAggregate(el gjson.Result, path string) (Aggregate, error) {
	if el.Type == gjson.String {
		name := el.String()
		if name == "event_count" {
			return Aggregate{Func: eventmodel.AggCount, Column: eventmodel.CountColumn}, nil
		}
		return Aggregate{Func: eventmodel.AggSum, Column: name}, nil
	}

	funcRaw := el.Get("func")
	fn, ok := validAggFuncs[funcRaw.String()]
	if !ok {
		return Aggregate{}, errors.NewInputErrorAt(path+".func", "unknown aggregate function "+funcRaw.String())
	}

	column := el.Get("column")
	agg := Aggregate{Func: fn}
	switch {
	case column.Type == gjson.String && column.String() != "":
		agg.Column = column.String()
	case fn == eventmodel.AggCount && !column.Exists():
		agg.Column = eventmodel.CountColumn
	default:
		return Aggregate{}, errors.NewInputErrorAt(path+".column", "is required")
	}

	if alias := el.Get("alias"); alias.Exists() {
		if alias.Type != gjson.String || alias.String() == "" {
			return Aggregate{}, errors.NewInputErrorAt(path+".alias", "must be a non-empty string")
		}
		agg.Alias = alias.String()
	}

	if filter := el.Get("filter"); filter.Exists() {
		f, err := parseFilter(filter, path+".filter")
		if err != nil {
			return Aggregate{}, err
		}
		agg.Filter = &f
	}

	return agg, nil
}
