package domain

import (
	"fmt"

	"warehousecore/pkg/numeric"
)

// AggregateResult is a partial or final aggregate. Count is the number of
// rows that contributed to Value, which lets averages be recomputed from
// merged sums. Valid is false when no row contributed to a Max/Min/Sum/Avg.
type AggregateResult struct {
	Value numeric.Value
	Count int64
	Valid bool
}

// CountResult builds the aggregate for a row count.
func CountResult(n int64) AggregateResult {
	return AggregateResult{Value: numeric.Integer(n), Count: n, Valid: true}
}

// Merge combines two partial aggregates for op. Max and Min keep the extreme
// value; Sum, Count and Avg add values and counts. Avg partials are sums and
// must be finished with Average.
func (r AggregateResult) Merge(op Operation, other AggregateResult) (AggregateResult, error) {
	if !other.Valid {
		if op == OperationCount || op == OperationSum || op == OperationAvg {
			r.Count += other.Count
		}
		return r, nil
	}
	if !r.Valid {
		if op == OperationCount || op == OperationSum || op == OperationAvg {
			other.Count += r.Count
		}
		return other, nil
	}
	switch op {
	case OperationMax, OperationMin:
		c, err := other.Value.Compare(r.Value)
		if err != nil {
			return AggregateResult{}, err
		}
		if (op == OperationMax && c > 0) || (op == OperationMin && c < 0) {
			r.Value = other.Value
		}
		r.Count += other.Count
		return r, nil
	case OperationSum, OperationAvg, OperationCount:
		v, err := r.Value.Add(other.Value)
		if err != nil {
			return AggregateResult{}, err
		}
		return AggregateResult{Value: v, Count: r.Count + other.Count, Valid: true}, nil
	default:
		return AggregateResult{}, fmt.Errorf("%w: merge %s", ErrUnsupported, op)
	}
}

// Average turns a merged sum into its mean. An empty sum yields an invalid
// result rather than an error.
func (r AggregateResult) Average() (AggregateResult, error) {
	if !r.Valid || r.Count == 0 {
		return AggregateResult{}, nil
	}
	avg, err := numeric.Average(r.Value, r.Count)
	if err != nil {
		return AggregateResult{}, err
	}
	return AggregateResult{Value: avg, Count: r.Count, Valid: true}, nil
}
