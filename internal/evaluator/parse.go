package evaluator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformedResult is returned when a model reply does not match the result schema.
var ErrMalformedResult = errors.New("malformed evaluation result")

const resultSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["score", "feedback"],
  "properties": {
    "score": {"type": "integer"},
    "feedback": {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledSchema = jsonschema.MustCompileString("evaluation_result.json", resultSchema)

// ParseResult validates a JSON reply from an evaluation backend and decodes
// it. Models sometimes wrap JSON in a markdown fence; that is stripped first.
func ParseResult(content []byte) (*Result, error) {
	content = stripCodeFence(content)

	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.UseNumber()
	var doc interface{}
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	var payload struct {
		Score    json.Number `json:"score"`
		Feedback []string    `json:"feedback"`
	}
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	score, err := parseScore(payload.Score)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	result := Result{Score: score, Feedback: payload.Feedback}.Normalized()
	return &result, nil
}

// parseScore converts the score exactly. Integral spellings such as 9.0 or
// 7e1 are accepted; anything that does not fit in an int is an error.
func parseScore(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		if i < math.MinInt || i > math.MaxInt {
			return 0, fmt.Errorf("score %s out of range", n)
		}
		return int(i), nil
	}

	if f, err := strconv.ParseFloat(n.String(), 64); err != nil || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("score %s out of range", n)
	}
	r, ok := new(big.Rat).SetString(n.String())
	if !ok || !r.IsInt() {
		return 0, fmt.Errorf("score %s is not an integer", n)
	}
	if !r.Num().IsInt64() {
		return 0, fmt.Errorf("score %s out of range", n)
	}
	i := r.Num().Int64()
	if i < math.MinInt || i > math.MaxInt {
		return 0, fmt.Errorf("score %s out of range", n)
	}
	return int(i), nil
}

func stripCodeFence(content []byte) []byte {
	trimmed := strings.TrimSpace(string(content))
	if !strings.HasPrefix(trimmed, "```") {
		return []byte(trimmed)
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return []byte(strings.TrimSpace(trimmed))
}
