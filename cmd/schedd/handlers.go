package main

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/schedd"
)

// registerBuiltins installs the handler functions available to config-file
// jobs and workflow tasks:
//
//	shell       args: command (string, required), workdir (string)
//	http_check  args: url (string, required), expect_status (int, default 2xx)
//	sleep       args: duration (string, e.g. "5s")
//	log         args: message (string)
func registerBuiltins(s *schedd.Scheduler) {
	s.RegisterFunc("shell", shellHandler)
	s.RegisterFunc("http_check", httpCheckHandler)
	s.RegisterFunc("sleep", sleepHandler)
	s.RegisterFunc("log", logHandler)
}

func argString(args schedd.Args, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func shellHandler(ctx context.Context, args schedd.Args) (any, error) {
	command, ok := argString(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("shell: args.command required")
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if wd, ok := argString(args, "workdir"); ok {
		cmd.Dir = wd
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

var checkClient = &http.Client{Timeout: 30 * time.Second}

func httpCheckHandler(ctx context.Context, args schedd.Args) (any, error) {
	url, ok := argString(args, "url")
	if !ok || url == "" {
		return nil, fmt.Errorf("http_check: args.url required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := checkClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_check: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if expect, ok := args["expect_status"]; ok {
		want := 0
		switch v := expect.(type) {
		case int:
			want = v
		case int64:
			want = int(v)
		case float64:
			want = int(v)
		}
		if resp.StatusCode != want {
			return nil, fmt.Errorf("http_check: %s returned %d, want %d", url, resp.StatusCode, want)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http_check: %s returned %d", url, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func sleepHandler(ctx context.Context, args schedd.Args) (any, error) {
	d := time.Second
	if s, ok := argString(args, "duration"); ok {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("sleep: invalid duration %q", s)
		}
		d = parsed
	}
	select {
	case <-time.After(d):
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func logHandler(_ context.Context, args schedd.Args) (any, error) {
	msg, _ := argString(args, "message")
	return msg, nil
}
