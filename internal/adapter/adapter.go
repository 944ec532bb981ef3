// Package adapter defines the explanation producer contract and the
// per-subject tutoring prompts shared by every backend.
package adapter

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyImage is returned when a request carries no image bytes.
var ErrEmptyImage = errors.New("adapter: question image is empty")

// Request is one explanation job: a question image and its subject.
type Request struct {
	Image     []byte
	MediaType string // defaults to image/png
	Subject   string
}

// Producer turns a question image into explanation text.
type Producer interface {
	Produce(ctx context.Context, req Request) (string, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, req Request) (string, error)

// Produce calls f.
func (f ProducerFunc) Produce(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// NormalizeSubject lowercases and trims subject; empty means "general".
func NormalizeSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	if s == "" {
		return "general"
	}
	return s
}

const promptFormatting = `Use proper LaTeX notation for mathematical expressions ($x^2$ inline, $$E = mc^2$$ for display).
Format the response in Markdown with the headings "Question Analysis", then "Part (a)" style sections where the question has parts, then "Steps and Calculations".
Number each major step and show the final answer clearly.`

var subjectPrompts = map[string]string{
	"mathematics": `You are an expert A-Level Mathematics tutor. Provide step-by-step explanations for mathematical problems.
Identify the core concepts being tested, state any formulas or theorems you rely on, and point out common mistakes students make on this kind of problem.
Define every variable you introduce and, where it helps, explain the significance of the result.`,
	"physics": `You are an expert A-Level Physics tutor. Provide step-by-step explanations for physics problems.
State the relevant laws and principles before applying them, use SI units with unit analysis throughout, and describe any helpful diagram in words.
Explain the physical significance of the result.`,
	"chemistry": `You are an expert A-Level Chemistry tutor. Provide step-by-step explanations for chemistry problems.
Write balanced equations with states of matter, describe organic mechanisms step by step, and show every calculation in order.
Call out common misconceptions.`,
	"biology": `You are an expert A-Level Biology tutor. Provide step-by-step explanations for biology problems.
Explain terminology precisely, describe processes as ordered sequences, show genetic crosses where relevant, and connect the answer to broader biological themes.`,
}

const defaultPrompt = `You are an expert A-Level tutor. Provide step-by-step explanations for the question in the image.
Identify the core concepts being tested and define every term you use.`

// SystemPrompt returns the tutoring instructions for subject.
func SystemPrompt(subject string) string {
	base, ok := subjectPrompts[NormalizeSubject(subject)]
	if !ok {
		base = defaultPrompt
	}
	return base + "\n" + promptFormatting
}

// UserPrompt is the text that accompanies the image.
func UserPrompt(subject string) string {
	return "Please explain this " + NormalizeSubject(subject) + " question in detail with step-by-step working:"
}
