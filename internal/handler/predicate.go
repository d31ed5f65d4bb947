package handler

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/devblac/chain-events/internal/event"
)

// Predicate evaluates whether an event's fields satisfy a condition.
type Predicate func(fields map[string]any) (bool, error)

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, >=, <=, in, contains.
// Examples:
//
//	"value > 10"
//	"kind in proposal-created,proposal-executed"
//	"description contains upgrade"
//	"amount >= ether(1_000)"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		field := strings.TrimSpace(parts[0])
		values := make(map[string]struct{})
		for _, v := range strings.Split(parts[1], ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			values[v] = struct{}{}
		}
		if field == "" || len(values) == 0 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		return func(fields map[string]any) (bool, error) {
			arg, ok := fields[field]
			if !ok {
				return false, nil
			}
			_, hit := values[fmt.Sprint(arg)]
			return hit, nil
		}, nil
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		field := strings.TrimSpace(parts[0])
		needle := strings.TrimSpace(parts[1])
		if field == "" {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		return func(fields map[string]any) (bool, error) {
			val, ok := fields[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(fmt.Sprint(val), needle), nil
		}, nil
	}

	var op string
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.Contains(expr, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)
	if !rhsIsNum && op != "==" && op != "!=" {
		return nil, fmt.Errorf("operator %s needs a number: %s", op, expr)
	}

	return func(fields map[string]any) (bool, error) {
		val, ok := fields[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			lhs, ok := toNumber(val)
			if !ok {
				return false, nil
			}
			c := lhs.Cmp(numRHS)
			switch op {
			case "==":
				return c == 0, nil
			case "!=":
				return c != 0, nil
			case ">":
				return c > 0, nil
			case "<":
				return c < 0, nil
			case ">=":
				return c >= 0, nil
			case "<=":
				return c <= 0, nil
			}
		}

		lhs := fmt.Sprint(val)
		if op == "==" {
			return lhs == rhsRaw, nil
		}
		return lhs != rhsRaw, nil
	}, nil
}

var unitHelpers = map[string]int32{
	"wei":        0,
	"gwei":       9,
	"ether":      18,
	"microAlgos": 0,
	"algos":      6,
	"uatom":      0,
	"atom":       6,
}

// evaluateNumber evaluates a numeric expression, supporting:
// - Simple numbers: "100", "1e6", "1_000_000", "0.5"
// - Unit helpers: "wei(1e18)", "ether(2)", "algos(10)", "atom(1.5)"
// - Multiplication: "1_000_000 * 1e6"
func evaluateNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "_", "")

	if strings.Contains(s, "*") {
		parts := strings.Split(s, "*")
		if len(parts) != 2 {
			return decimal.Decimal{}, false
		}
		a, ok1 := evaluateNumber(parts[0])
		b, ok2 := evaluateNumber(parts[1])
		if !ok1 || !ok2 {
			return decimal.Decimal{}, false
		}
		return a.Mul(b), true
	}

	if open := strings.IndexByte(s, '('); open > 0 && strings.HasSuffix(s, ")") {
		exp, ok := unitHelpers[s[:open]]
		if !ok {
			return decimal.Decimal{}, false
		}
		v, ok := evaluateNumber(s[open+1 : len(s)-1])
		if !ok {
			return decimal.Decimal{}, false
		}
		return v.Shift(exp), true
	}

	v, err := decimal.NewFromString(s)
	return v, err == nil
}

func toNumber(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *big.Int:
		if n == nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromBigInt(n, 0), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), true
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(n)), 0), true
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		return evaluateNumber(n)
	case fmt.Stringer:
		return evaluateNumber(n.String())
	default:
		return decimal.Decimal{}, false
	}
}

// fields is what predicates see: the event data plus its envelope under
// reserved names.
func fields(ev event.Event) map[string]any {
	out := make(map[string]any, len(ev.Data)+5)
	for k, v := range ev.Data {
		out[k] = v
	}
	out["kind"] = string(ev.Kind)
	out["entity"] = ev.Entity
	out["chain"] = ev.Chain
	out["network"] = string(ev.Network)
	out["block_number"] = ev.BlockNumber
	return out
}

type whereHandler struct {
	next  event.Handler
	preds []Predicate
}

// Where runs h only for events matching every predicate. Other events skip
// it and keep the previous result.
func Where(h event.Handler, preds []Predicate) event.Handler {
	if len(preds) == 0 {
		return h
	}
	return &whereHandler{next: h, preds: preds}
}

func (w *whereHandler) Handle(ctx context.Context, ev event.Event, prev any) (any, error) {
	f := fields(ev)
	for _, p := range w.preds {
		ok, err := p(f)
		if err != nil {
			return nil, err
		}
		if !ok {
			return prev, nil
		}
	}
	return w.next.Handle(ctx, ev, prev)
}
