// Package aiedit validates AI-proposed diagram edits before they reach the
// document. A proposal is applied only when it survives sanitization and
// still reads as diagram source; everything else is rejected and the
// document is left untouched.
package aiedit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"diasync/api/internal/mapping"
	"diasync/api/internal/markup"
	"diasync/api/internal/syncer"
)

var ErrRejected = errors.New("proposed edit rejected")

// Request is one AI edit request against an open session.
type Request struct {
	DiagramID   string `json:"diagramId"`
	Instruction string `json:"instruction"`
}

func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DiagramID, validation.Required),
		validation.Field(&r.Instruction, validation.Required, validation.Length(1, 4000)),
	)
}

type Editor struct {
	sync     *syncer.Synchronizer
	mappings *mapping.Table
	client   CompletionClient
	logger   zerolog.Logger
}

func NewEditor(sync *syncer.Synchronizer, mappings *mapping.Table, client CompletionClient, logger zerolog.Logger) *Editor {
	return &Editor{sync: sync, mappings: mappings, client: client, logger: logger}
}

// RequestEdit asks the completion collaborator for a new version of the
// diagram and applies it when it validates. Rendering is paused while the
// proposal is pending so half-applied state never reaches the view.
func (e *Editor) RequestEdit(ctx context.Context, sess *syncer.Session, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	rec, err := e.mappings.Get(ctx, sess.DocID, req.DiagramID)
	if err != nil {
		return "", err
	}

	e.sync.Suspend(sess.DocID)
	raw, completeErr := e.client.Complete(ctx, CompletionInput{
		DocumentContent: sess.Markup(),
		DiagramCode:     rec.SourceCode,
		Instruction:     req.Instruction,
	})
	e.sync.Resume(sess.DocID)
	if completeErr != nil {
		return "", fmt.Errorf("completion: %w", completeErr)
	}

	cleaned := Sanitize(raw)
	if cleaned == "" || !markup.HasDiagramKeyword(cleaned) {
		e.logger.Info().Str("doc", sess.DocID).Str("diagram", req.DiagramID).
			Msg("completion response is not diagram source, rejecting")
		return "", fmt.Errorf("%w: response is not diagram source", ErrRejected)
	}

	if err := e.sync.EditDiagram(ctx, sess, req.DiagramID, cleaned); err != nil {
		return "", err
	}
	return cleaned, nil
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\n(.*?)```")

// Sanitize strips conversational wrapping from a completion response. The
// first fenced code block wins; without fences, leading prose lines are
// dropped until a line that opens like diagram source.
func Sanitize(raw string) string {
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if markup.HasDiagramKeyword(line) {
			return strings.TrimSpace(strings.Join(lines[i:], "\n"))
		}
	}
	return ""
}
