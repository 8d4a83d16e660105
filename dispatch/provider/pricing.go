// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"strings"

	"axonflow/taskdispatch/dispatch/task"
)

// Pricing is stored in micro-dollars per 1K tokens to keep the table exact.
type Pricing struct {
	InputPer1K  int64
	OutputPer1K int64
}

// Model pricing by name prefix. Longer prefixes win.
var modelPricing = map[string]Pricing{
	"claude-3-opus":               {15000, 75000},
	"claude-3-sonnet":             {3000, 15000},
	"claude-3-5-sonnet":           {3000, 15000},
	"claude-sonnet-4":             {3000, 15000},
	"claude-opus-4":               {15000, 75000},
	"claude-3-haiku":              {250, 1250},
	"claude-3-5-haiku":            {800, 4000},
	"anthropic.claude-3-haiku":    {250, 1250},
	"anthropic.claude-3-sonnet":   {3000, 15000},
	"anthropic.claude-3-5-sonnet": {3000, 15000},
	"amazon.titan-text-express":   {200, 600},
	"meta.llama3":                 {300, 600},
}

// DefaultPricing is used for unknown remote models.
var DefaultPricing = Pricing{InputPer1K: 10000, OutputPer1K: 30000}

// LookupPricing returns pricing for model by longest matching prefix.
func LookupPricing(model string) (Pricing, bool) {
	best, bestLen := Pricing{}, 0
	for prefix, p := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best, bestLen > 0
}

// CalculateCost returns the USD cost of a call.
func (p Pricing) CalculateCost(inputTokens, outputTokens int) float64 {
	micros := int64(inputTokens)*p.InputPer1K/1000 + int64(outputTokens)*p.OutputPer1K/1000
	return float64(micros) / 1e6
}

// EstimateTokens roughly sizes a task: about four characters per input token,
// and the task's maxTokens (or a quality-dependent default) for output.
func EstimateTokens(t *task.Task) (input, output int) {
	input = len(t.Prompt()) / 4
	if input == 0 {
		input = 1
	}
	if t.Config.MaxTokens != nil {
		return input, *t.Config.MaxTokens
	}
	switch t.Config.QualityHint {
	case task.QualityLow:
		output = 256
	case task.QualityHigh:
		output = 2048
	default:
		output = 1024
	}
	return input, output
}

// EstimateCost prices a task against model's pricing.
func EstimateCost(model string, t *task.Task) float64 {
	p, ok := LookupPricing(model)
	if !ok {
		p = DefaultPricing
	}
	in, out := EstimateTokens(t)
	return p.CalculateCost(in, out)
}
