package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/farmx/apiserver/internal/delegate"
	"github.com/farmx/apiserver/types"
)

// QueryService forwards free-text questions to the analysis worker.
type QueryService struct {
	delegate delegate.Delegate
	logger   *slog.Logger
}

func NewQueryService(d delegate.Delegate, logger *slog.Logger) *QueryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryService{
		delegate: d,
		logger:   logger.With(slog.String("component", "query")),
	}
}

// Ask runs the worker for text and decodes its answer.
//
// An object carrying "response" is decoded as is, a JSON string becomes the
// response, and any other value is returned as its compact JSON text.
func (s *QueryService) Ask(ctx context.Context, text string) (types.AIResult, error) {
	payload, err := s.run(ctx, text)
	if err != nil {
		return types.AIResult{}, err
	}
	return decodeAIResult(payload)
}

// Query runs the worker for prompt and returns its output as plain text.
func (s *QueryService) Query(ctx context.Context, prompt string) (string, error) {
	payload, err := s.run(ctx, prompt)
	if err != nil {
		return "", err
	}
	var str string
	if err := json.Unmarshal(payload, &str); err == nil {
		return str, nil
	}
	return compactJSON(payload), nil
}

func (s *QueryService) run(ctx context.Context, input string) (json.RawMessage, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	res, err := s.delegate.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	if res.Stderr != "" {
		s.logger.DebugContext(ctx, "worker wrote to stderr",
			slog.String("run_id", res.ID), slog.Int("bytes", len(res.Stderr)))
	}
	return res.Payload, nil
}

func decodeAIResult(payload json.RawMessage) (types.AIResult, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return types.AIResult{}, &delegate.Error{Code: delegate.CodeOutputMalformed, Detail: "empty output"}
	}

	switch trimmed[0] {
	case '"':
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return types.AIResult{}, &delegate.Error{Code: delegate.CodeOutputMalformed, Detail: err.Error(), Err: err}
		}
		return types.AIResult{Response: str}, nil
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return types.AIResult{}, &delegate.Error{Code: delegate.CodeOutputMalformed, Detail: err.Error(), Err: err}
		}
		if _, ok := probe["response"]; ok {
			var result types.AIResult
			if err := json.Unmarshal(trimmed, &result); err == nil {
				return result, nil
			}
		}
	}
	return types.AIResult{Response: compactJSON(trimmed)}, nil
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return buf.String()
}
