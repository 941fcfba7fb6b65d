package config

import "github.com/ground-x/blmsg/errs"

// Exit codes spec.md §6 prescribes for the cmd/ daemons.
const (
	ExitOK             = 0
	ExitGeneric        = 1
	ExitInvalidCmdline = 2
	ExitAuthExpired    = 3
	ExitInvalidCommand = 4
)

// CodeInvalidCommand is raised by a cmd/ main for an unrecognized
// subcommand/argument combination, distinct from a malformed flag value
// (CodeArgumentError, ExitInvalidCmdline).
const CodeInvalidCommand = "InvalidCommand"

// NewInvalidCmdlineError builds the ServerError a cmd/ main returns for a
// malformed flag or argument, classified to ExitInvalidCmdline below.
func NewInvalidCmdlineError(format string, args ...interface{}) error {
	return errs.New(errs.CodeArgumentError, format, args...)
}

// NewInvalidCommandError builds the ServerError a cmd/ main returns for an
// unrecognized command, classified to ExitInvalidCommand below.
func NewInvalidCommandError(format string, args ...interface{}) error {
	return errs.New(CodeInvalidCommand, format, args...)
}

// ExitCode classifies err into the process exit code a cmd/ main's
// main() should os.Exit with. nil maps to ExitOK.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	se, ok := errs.AsServerError(err)
	if !ok {
		return ExitGeneric
	}
	switch se.ErrorCode {
	case errs.CodeArgumentError:
		return ExitInvalidCmdline
	case errs.CodeAuthorizationFailed:
		return ExitAuthExpired
	case CodeInvalidCommand:
		return ExitInvalidCommand
	default:
		return ExitGeneric
	}
}
