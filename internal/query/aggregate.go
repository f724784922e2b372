package query

import (
	"fmt"
	"strconv"

	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/shopspring/decimal"
)

// CountColumn is the key a server-side COUNT(*) row carries its result under.
const CountColumn = "count"

// AggregateResult is the folded value of an aggregate query.
type AggregateResult struct {
	Func   string          `json:"func"`
	Column string          `json:"column,omitempty"`
	Value  decimal.Decimal `json:"value"`
	// Sampled counts the rows that contributed.
	Sampled int `json:"sampled"`
	// Truncated is set when the row window was full, so the value covers a prefix of the data.
	Truncated bool `json:"truncated,omitempty"`
}

// Fold computes the aggregate a query carries over its rows. Averages are
// rounded to two decimal places; sums, minima and maxima keep stored precision.
func Fold(q *Structured, rows Rows) (*AggregateResult, error) {
	agg := q.Aggregate
	if agg == nil {
		return nil, errs.New(errs.Internal, "query carries no aggregate")
	}
	res := &AggregateResult{Func: agg.Func, Column: agg.Column}
	if agg.Func == "count" {
		if agg.Mode == ServerSide {
			if len(rows) == 0 {
				return res, nil
			}
			n, err := toDecimal(rows[0][CountColumn])
			if err != nil {
				return nil, errs.Wrap(errs.Internal, err, "unexpected count result")
			}
			res.Value = n
			res.Sampled = int(n.IntPart())
			return res, nil
		}
		res.Value = decimal.NewFromInt(int64(len(rows)))
		res.Sampled = len(rows)
		res.Truncated = q.Limit > 0 && len(rows) >= q.Limit
		return res, nil
	}

	var acc decimal.Decimal
	for _, row := range rows {
		raw, ok := row[agg.Column]
		if !ok || raw == nil {
			continue
		}
		v, err := toDecimal(raw)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "%s holds a non-numeric value", agg.Column)
		}
		switch {
		case res.Sampled == 0:
			acc = v
		case agg.Func == "min":
			acc = decimal.Min(acc, v)
		case agg.Func == "max":
			acc = decimal.Max(acc, v)
		default:
			acc = acc.Add(v)
		}
		res.Sampled++
	}
	res.Truncated = q.Limit > 0 && len(rows) >= q.Limit
	switch agg.Func {
	case "avg":
		if res.Sampled > 0 {
			acc = acc.Div(decimal.NewFromInt(int64(res.Sampled))).Round(2)
		}
	case "sum", "min", "max":
	default:
		return nil, errs.New(errs.Unclassifiable, "unsupported aggregate %q", agg.Func)
	}
	res.Value = acc
	return res, nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(n)
	case []byte:
		return decimal.NewFromString(string(n))
	default:
		return decimal.Zero, fmt.Errorf("cannot use %T as a number", v)
	}
}

// Number reads a numeric cell as a decimal.
func Number(v interface{}) (decimal.Decimal, bool) {
	d, err := toDecimal(v)
	return d, err == nil
}

// CellText renders a cell for display.
func CellText(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case decimal.Decimal:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
