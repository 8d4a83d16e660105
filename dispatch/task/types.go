// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of work a task asks a provider to perform.
type Type string

// Supported task types.
const (
	TypeSentimentAnalysis Type = "sentiment_analysis"
	TypeContentAnalysis   Type = "content_analysis"
	TypeEntityExtraction  Type = "entity_extraction"
	TypeSummarization     Type = "summarization"
	TypeClassification    Type = "classification"
	TypeTranslation       Type = "translation"
	TypeTextGeneration    Type = "text_generation"
)

// ValidTypes contains every task type accepted by the dispatcher.
var ValidTypes = []Type{
	TypeSentimentAnalysis,
	TypeContentAnalysis,
	TypeEntityExtraction,
	TypeSummarization,
	TypeClassification,
	TypeTranslation,
	TypeTextGeneration,
}

// IsValidType checks if a string names a supported task type.
func IsValidType(s string) bool {
	for _, valid := range ValidTypes {
		if Type(s) == valid {
			return true
		}
	}
	return false
}

// QualityHint tells cost-aware routing how capable a provider model needs to be.
type QualityHint string

const (
	QualityLow      QualityHint = "low"
	QualityStandard QualityHint = "standard"
	QualityHigh     QualityHint = "high"
)

// Defaults applied to task configuration when the submitter leaves them unset.
const (
	DefaultTimeoutMs  = 30000
	DefaultMaxRetries = 2
	MaxTimeoutMs      = 300000
	MaxRetriesLimit   = 10
)

// Config carries per-task execution and routing preferences.
type Config struct {
	TimeoutMs         int         `json:"timeoutMs" validate:"gte=0,lte=300000"`
	MaxRetries        int         `json:"maxRetries" validate:"gte=0,lte=10"`
	Priority          int         `json:"priority"`
	PreferredProvider string      `json:"preferredProvider,omitempty" validate:"omitempty,max=128"`
	FallbackProviders []string    `json:"fallbackProviders,omitempty" validate:"omitempty,unique,dive,required,max=128"`
	QualityHint       QualityHint `json:"qualityHint,omitempty" validate:"omitempty,oneof=low standard high"`
	Temperature       *float64    `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens         *int        `json:"maxTokens,omitempty" validate:"omitempty,gt=0,lte=200000"`
}

// Timeout returns the per-attempt deadline.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Task is a unit of work submitted for dispatch. A task's ID is assigned once
// and never changes.
type Task struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type" validate:"required,task_type"`
	Input       any            `json:"input" validate:"required"`
	Config      Config         `json:"config"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// New creates a task with a fresh identifier.
func New(taskType Type, input any, cfg Config, metadata map[string]any) *Task {
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = DefaultTimeoutMs
	}
	return &Task{
		ID:          "task_" + uuid.NewString(),
		Type:        taskType,
		Input:       input,
		Config:      cfg,
		Metadata:    metadata,
		SubmittedAt: time.Now().UTC(),
	}
}

// InputText renders the task input as text for providers that take prompts.
func (t *Task) InputText() string {
	switch v := t.Input.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

var instructions = map[Type]string{
	TypeSentimentAnalysis: "Classify the sentiment of the following input as positive, negative, or neutral and give a confidence between 0 and 1.",
	TypeContentAnalysis:   "Analyze the following content. Report its topics, tone, and key points.",
	TypeEntityExtraction:  "Extract the named entities (people, organizations, locations, dates) from the following input.",
	TypeSummarization:     "Summarize the following input concisely.",
	TypeClassification:    "Classify the following input into the most fitting category.",
	TypeTranslation:       "Translate the following input.",
	TypeTextGeneration:    "Respond to the following request.",
}

// Prompt builds the instruction text sent to prompt-driven providers.
func (t *Task) Prompt() string {
	var b strings.Builder
	if instr, ok := instructions[t.Type]; ok {
		b.WriteString(instr)
	} else {
		b.WriteString("Process the following input.")
	}
	b.WriteString(" Respond in JSON.\n\nInput:\n")
	b.WriteString(t.InputText())
	return b.String()
}

// Status is the terminal outcome of a task.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Output is what a provider returns for a single successful run.
type Output struct {
	Data       any     `json:"data"`
	Model      string  `json:"model,omitempty"`
	TokensUsed int     `json:"tokensUsed,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
}

// ResultMetadata describes how a result was produced.
type ResultMetadata struct {
	Provider        string  `json:"provider"`
	Model           string  `json:"model,omitempty"`
	ExecutionTimeMs int64   `json:"executionTimeMs"`
	TokensUsed      int     `json:"tokensUsed,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
	Attempts        int     `json:"attempts,omitempty"`
}

// Result is the outcome of executing a task.
type Result struct {
	TaskID   string         `json:"taskId"`
	Status   Status         `json:"status"`
	Output   any            `json:"output"`
	Metadata ResultMetadata `json:"metadata"`
}
