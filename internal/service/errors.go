package service

import "errors"

var (
	// ErrUnknownStage marks a stage name that is not part of the workflow,
	// returned by Workflow.GetStage and the lookups built on it. The builder
	// reports undeclared stages with its own errors, and a session cursor
	// naming an unknown stage falls back to the initial stage instead.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrToolNotFound marks a tools/call naming a tool outside the session's
	// current stage. Surfaced as a protocol error so a client cannot invoke
	// a memorized name from another stage.
	ErrToolNotFound = errors.New("tool not found")

	// ErrWidgetRender marks a widget that cannot be rendered: a missing
	// prebuilt asset, or a dynamic widget whose paired tool was never called
	// in this session.
	ErrWidgetRender = errors.New("widget render failed")
)
