package pgproxy

import (
	"bytes"
	"context"
	"os/exec"
)

// Authorizer is the external decision procedure contract: given the
// client's peer IP, the requested role and database, it reports whether the
// session may proceed. Implementations may suspend (they commonly shell out
// to another process) and must be safe for concurrent use from multiple
// sessions; the core makes no assumption about the concurrency safety of any
// external process an implementation invokes.
type Authorizer interface {
	Authorize(ctx context.Context, clientIP, role, database string) bool
}

// ScriptAuthorizer invokes an external program with three positional string
// arguments (client_ip, role, database). Exit status 0 authorizes the
// session; any other exit status, or a failure to start the program at all,
// denies it.
type ScriptAuthorizer struct {
	Path   string
	Logger Logger
}

// Authorize runs the configured script under ctx; when ctx expires the
// script's process is killed. Run still waits for the captured stderr pipe to
// close, so a child process of the script that inherits stderr and keeps
// running holds the call open until that child exits.
func (a *ScriptAuthorizer) Authorize(ctx context.Context, clientIP, role, database string) bool {
	cmd := exec.CommandContext(ctx, a.Path, clientIP, role, database)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return true
	}

	if a.Logger != nil {
		msg := stderr.String()
		if msg == "" {
			a.Logger.Infof("Authorizer denied '%s'/'%s'@'%s': %s.", role, database, clientIP, err)
		} else {
			a.Logger.Infof("Authorizer denied '%s'/'%s'@'%s': %s: %s", role, database, clientIP, err, msg)
		}
	}
	return false
}
