// Package gateway is the boundary to the external query system. Callers describe
// what they need with a Query; the gateway returns normalized rows.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotList is returned by Result.Rows when the body is not a list of rows.
	ErrNotList = errors.New("gateway response is not a list")
	// ErrTransport wraps network failures and timeouts.
	ErrTransport = errors.New("gateway transport failure")
)

// StatusError wraps non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway error: status=%d body=%s", e.StatusCode, e.Body)
}

// Query names one of the parameterized templates the gateway knows how to run.
type Query struct {
	Name   string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

type Gateway interface {
	Execute(ctx context.Context, q Query) (Result, error)
}

// Func adapts a function to Gateway.
type Func func(ctx context.Context, q Query) (Result, error)

func (f Func) Execute(ctx context.Context, q Query) (Result, error) { return f(ctx, q) }

// Result is the raw response body of one query.
type Result struct {
	Body json.RawMessage
}

// JSONResult marshals v into a Result.
func JSONResult(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Body: b}, nil
}

// Rows decodes the body into rows. Accepted shapes: a JSON array of objects, an object
// with a "data" or "rows" array of objects, or a Heading/Data table.
func (r Result) Rows() ([]Row, error) {
	trimmed := bytes.TrimSpace(r.Body)
	if len(trimmed) == 0 {
		return nil, ErrNotList
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotList, err)
	}
	switch v := raw.(type) {
	case []any:
		return objectRows(v)
	case map[string]any:
		if heading, ok := v["Heading"].([]any); ok {
			data, _ := v["Data"].([]any)
			return tableRows(heading, data)
		}
		for _, key := range []string{"data", "rows", "Data"} {
			if list, ok := v[key].([]any); ok {
				return objectRows(list)
			}
		}
	}
	return nil, ErrNotList
}

func objectRows(list []any) ([]Row, error) {
	rows := make([]Row, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, ErrNotList
		}
		rows = append(rows, Row(obj))
	}
	return rows, nil
}

func tableRows(heading []any, data []any) ([]Row, error) {
	names := make([]string, len(heading))
	for i, h := range heading {
		names[i] = fmt.Sprint(h)
	}
	rows := make([]Row, 0, len(data))
	for _, item := range data {
		values, ok := item.([]any)
		if !ok {
			return nil, ErrNotList
		}
		row := Row{}
		for i, name := range names {
			if i < len(values) {
				row[name] = values[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Row is one normalized result row. Lookups are case-insensitive on miss.
type Row map[string]any

func (r Row) lookup(key string) (any, bool) {
	if v, ok := r[key]; ok {
		return v, v != nil
	}
	for k, v := range r {
		if strings.EqualFold(k, key) {
			return v, v != nil
		}
	}
	return nil, false
}

// Has reports whether key is present with a non-null value.
func (r Row) Has(key string) bool {
	_, ok := r.lookup(key)
	return ok
}

// String returns the value as a trimmed string, or "" when absent.
func (r Row) String(key string) string {
	v, ok := r.lookup(key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Float returns the numeric value of key, or 0 when absent or not numeric.
func (r Row) Float(key string) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Int returns the value of key truncated to an int, or 0.
func (r Row) Int(key string) int {
	return int(r.Float(key))
}

// Decode unmarshals key into dst. The value may be native JSON or a JSON document
// embedded as a string, which is how the upstream returns nested aggregates.
func (r Row) Decode(key string, dst any) error {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	var data []byte
	if s, isString := v.(string); isString {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		data = []byte(s)
	} else {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = b
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}
