package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/ferry/internal/queue"
)

const (
	scriptStderrRetries = 10
	scriptStderrBudget  = 10 * time.Second
)

// fetchScriptOutput retrieves and logs a script item's stderr after a
// successful transfer, returning whether the script itself succeeded
// (separate from the transport result).
func (e *Engine) fetchScriptOutput(ctx context.Context, it *queue.Item) bool {
	remote := e.translateRemotePath(it)
	interval := scriptStderrBudget / scriptStderrRetries

	var reply string
	var err error
	for attempt := 0; attempt < scriptStderrRetries; attempt++ {
		reply, err = e.control.ScriptStderr(ctx, remote)
		if err == nil && reply != "" {
			break
		}
		if attempt < scriptStderrRetries-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(interval):
			}
		}
	}

	if err != nil || reply == "" || reply == "err" {
		e.logger.Error("script stderr retrieval failed", "remote", remote, "error", err)
		return false
	}

	retcode, body, ok := parseScriptReply(reply)
	if !ok {
		e.logger.Error("script stderr malformed reply", "remote", remote, "reply", reply)
		return false
	}

	level := e.logger.Info
	if retcode != 0 {
		level = e.logger.Error
	}
	for _, line := range strings.Split(body, "\n") {
		level(line, "remote", remote, "retcode", retcode)
	}

	return retcode == 0
}

// parseScriptReply splits a "<retcode> <lines>" reply.
func parseScriptReply(reply string) (retcode int, body string, ok bool) {
	sp := strings.IndexByte(reply, ' ')
	if sp < 0 {
		n, err := strconv.Atoi(reply)
		if err != nil {
			return 0, "", false
		}
		return n, "", true
	}
	n, err := strconv.Atoi(reply[:sp])
	if err != nil {
		return 0, "", false
	}
	return n, reply[sp+1:], true
}
