package syncbot

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/itchyny/gojq"
)

// eventFilter matches raw webhook payloads against a jq-query.
type eventFilter struct {
	query *gojq.Query
}

func newEventFilter(jqQuery string) (*eventFilter, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, err
	}

	return &eventFilter{query: query}, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errs []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errs
		}

		if err, isErr := res.(error); isErr {
			errs = append(errs, err)
			continue
		}

		result = append(result, res)
	}
}

// Match returns true if the query evaluates to the boolean value true for
// the JSON payload.
func (f *eventFilter) Match(payload []byte) (bool, error) {
	var unmarshalled any

	if len(payload) == 0 {
		return false, errors.New("event payload is empty")
	}

	if err := json.Unmarshal(payload, &unmarshalled); err != nil {
		return false, fmt.Errorf("unmarshalling payload failed: %w", err)
	}

	result, errs := goJQIterToSlice(f.query.Run(unmarshalled))
	if len(errs) != 0 {
		return false, fmt.Errorf("query returned errors, query: %q, errors: %w",
			f.query.String(), errors.Join(errs...))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("query returned %d results, expected 1, query: %q",
			len(result), f.query.String())
	}

	boolRes, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf("query returned a %T, expected a boolean, query: %q",
			result[0], f.query.String())
	}

	return boolRes, nil
}
