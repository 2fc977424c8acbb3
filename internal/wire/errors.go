package wire

import "errors"

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrSkillNotFound    = errors.New("skill not found")
	ErrSkillExists      = errors.New("skill already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolAmbiguous    = errors.New("tool name ambiguous")
	ErrRunScriptDisabled = errors.New("shell execution disabled")
	ErrUnknownCommand   = errors.New("unknown_command")
)
