package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"parley/server/internal/perm"
	"parley/server/internal/store"
)

const cliUsage = `usage: parley-server [flags] [command]

commands:
  version                          print the build version
  status                           summarize the database
  servers                          list servers and channels
  grant <username> <perm>...       add capabilities to a user
  revoke <username> <perm>...      remove capabilities from a user
  admin <server-id> <username> [on|off]
                                   mark a user as server admin (default on)
  backup [path]                    write a consistent copy of the database
  audit [action] [limit]           show recent moderation actions`

// errUsage is returned for malformed subcommand arguments.
var errUsage = errors.New(cliUsage)

// RunCLI runs an admin subcommand against the database at dbPath. It reports
// false when args name no subcommand, in which case the server should start.
func RunCLI(ctx context.Context, args []string, dbPath string, out io.Writer) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	cmd, rest := args[0], args[1:]
	if cmd == "version" {
		fmt.Fprintf(out, "parley server %s\n", Version)
		return true, nil
	}

	var run func(context.Context, *store.Store, []string, string, io.Writer) error
	switch cmd {
	case "status":
		run = cliStatus
	case "servers":
		run = cliServers
	case "grant":
		run = func(ctx context.Context, st *store.Store, args []string, _ string, out io.Writer) error {
			return cliPermissions(ctx, st, args, out, true)
		}
	case "revoke":
		run = func(ctx context.Context, st *store.Store, args []string, _ string, out io.Writer) error {
			return cliPermissions(ctx, st, args, out, false)
		}
	case "admin":
		run = cliAdmin
	case "backup":
		run = cliBackup
	case "audit":
		run = cliAudit
	default:
		return false, nil
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return true, fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	return true, run(ctx, st, rest, dbPath, out)
}

func cliStatus(ctx context.Context, st *store.Store, _ []string, dbPath string, out io.Writer) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	version, err := st.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database: %s (schema v%d)\n", dbPath, version)
	fmt.Fprintf(out, "Servers:  %d\n", stats.Servers)
	fmt.Fprintf(out, "Channels: %d\n", stats.Channels)
	fmt.Fprintf(out, "Users:    %d\n", stats.Users)
	fmt.Fprintf(out, "Messages: %d\n", stats.Messages)
	fmt.Fprintf(out, "Bans:     %d\n", stats.Bans)
	fmt.Fprintf(out, "Mutes:    %d\n", stats.Mutes)
	fmt.Fprintf(out, "Blobs:    %d\n", stats.Blobs)
	fmt.Fprintf(out, "Version:  %s\n", Version)
	return nil
}

func cliServers(ctx context.Context, st *store.Store, _ []string, _ string, out io.Writer) error {
	servers, err := st.Servers(ctx)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Fprintln(out, "No servers found.")
		return nil
	}
	for _, srv := range servers {
		fmt.Fprintf(out, "[%s] %s\n", srv.ID, srv.Name)
		for _, ch := range srv.Channels {
			fmt.Fprintf(out, "  [%s] %-5s %s\n", ch.ID, ch.Type, ch.Name)
		}
	}
	return nil
}

func cliPermissions(ctx context.Context, st *store.Store, args []string, out io.Writer, grant bool) error {
	if len(args) < 2 {
		return errUsage
	}
	for _, c := range args[1:] {
		if !perm.IsKnown(strings.ToLower(strings.TrimSpace(c))) {
			return fmt.Errorf("unknown permission %q (known: %s)", c, strings.Join(perm.Known, ", "))
		}
	}
	u, err := st.UserByUsername(ctx, args[0])
	if err != nil {
		return err
	}

	next := perm.NewSet(u.Permissions.List()...)
	for c := range perm.NewSet(args[1:]...) {
		if grant {
			next[c] = struct{}{}
		} else {
			delete(next, c)
		}
	}
	if err := st.SetPermissions(ctx, u.ID, next); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: [%s]\n", u.Username, strings.Join(next.List(), ", "))
	return nil
}

func cliAdmin(ctx context.Context, st *store.Store, args []string, _ string, out io.Writer) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	admin := true
	if len(args) == 3 {
		switch args[2] {
		case "on":
		case "off":
			admin = false
		default:
			return errUsage
		}
	}
	srv, err := st.ServerByID(ctx, args[0])
	if err != nil {
		return err
	}
	u, err := st.UserByUsername(ctx, args[1])
	if err != nil {
		return err
	}
	if err := st.SetServerAdmin(ctx, srv.ID, u.ID, admin); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s admin of %s: %t\n", u.Username, srv.Name, admin)
	return nil
}

func cliBackup(ctx context.Context, st *store.Store, args []string, _ string, out io.Writer) error {
	dest := "parley-backup.db"
	if len(args) > 0 {
		dest = args[0]
	}
	if err := st.Backup(ctx, dest); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database backed up to %s\n", dest)
	return nil
}

func cliAudit(ctx context.Context, st *store.Store, args []string, _ string, out io.Writer) error {
	if len(args) > 2 {
		return errUsage
	}
	action, limit := "", 20
	for _, a := range args {
		if n, err := strconv.Atoi(a); err == nil {
			if n <= 0 {
				return errUsage
			}
			limit = n
			continue
		}
		action = a
	}
	entries, err := st.AuditLog(ctx, action, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s %-16s server=%s actor=%d target=%s",
			e.CreatedAt.UTC().Format(time.RFC3339), e.Action, e.ServerID, e.ActorID, e.Target)
		if len(e.Details) > 0 {
			fmt.Fprintf(out, " %v", e.Details)
		}
		fmt.Fprintln(out)
	}
	return nil
}
