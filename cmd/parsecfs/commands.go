package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/marmos91/parsecfs/pkg/core"
	"github.com/marmos91/parsecfs/pkg/fs"
	"github.com/marmos91/parsecfs/pkg/types"
)

// fsCommand runs against an opened core. It returns the workspace it
// modified, if any, so that runFS can synchronize it.
type fsCommand func(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error)

var fsCommands = map[string]fsCommand{
	"ls":     cmdList,
	"mkdir":  cmdMkdir,
	"put":    cmdPut,
	"cat":    cmdCat,
	"rm":     cmdRemove,
	"mv":     cmdMove,
	"rename": cmdRename,
	"sync":   cmdSync,
	"fetch":  cmdFetch,
	"share":  cmdShare,
	"roles":  cmdRoles,
}

func runFS(g *globals, name string, fn fsCommand, args []string) error {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.BoolP("long", "l", false, "Show entry details (ls)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	c, release, err := g.openCore(ctx)
	if err != nil {
		return err
	}

	changed, err := fn(ctx, c, flagSet)
	if err == nil && changed != nil && !g.local {
		err = syncAll(ctx, c, changed)
	}
	return errors.Join(err, release())
}

func syncAll(ctx context.Context, c *core.Core, w *fs.WorkspaceFS) error {
	if err := w.Sync(ctx, "/", true); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.User().Sync(ctx); err != nil {
		return fmt.Errorf("sync user manifest: %w", err)
	}
	return nil
}

// resolveWorkspace finds a workspace by id or by name.
func resolveWorkspace(ctx context.Context, c *core.Core, ref string) (*fs.WorkspaceFS, error) {
	u := c.User()
	if id, err := types.ParseEntryID(ref); err == nil {
		return u.GetWorkspace(ctx, id)
	}
	list, err := u.Workspaces(ctx)
	if err != nil {
		return nil, err
	}
	var found []types.EntryID
	for _, entry := range list {
		if string(entry.Name) == ref {
			found = append(found, entry.ID)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("no workspace named %q", ref)
	case 1:
		return u.GetWorkspace(ctx, found[0])
	}
	return nil, fmt.Errorf("%d workspaces are named %q, use an id", len(found), ref)
}

func target(ctx context.Context, c *core.Core, arg string) (*fs.WorkspaceFS, string, error) {
	ref, path, err := splitTarget(arg)
	if err != nil {
		return nil, "", err
	}
	w, err := resolveWorkspace(ctx, c, ref)
	if err != nil {
		return nil, "", err
	}
	return w, path, nil
}

func needArgs(flagSet *pflag.FlagSet, n int, usage string) error {
	if flagSet.NArg() != n {
		return fmt.Errorf("usage: parsecfs %s", usage)
	}
	return nil
}

func cmdList(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	long, _ := flagSet.GetBool("long")
	out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer out.Flush()

	if flagSet.NArg() == 0 {
		list, err := c.User().Workspaces(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		for _, entry := range list {
			if long {
				fmt.Fprintf(out, "%s\t%s\t%s\n", entry.Name, entry.Role, entry.ID)
			} else {
				fmt.Fprintln(out, entry.Name)
			}
		}
		return nil, nil
	}
	if err := needArgs(flagSet, 1, "ls [-l] [workspace[:/path]]"); err != nil {
		return nil, err
	}

	w, path, err := target(ctx, c, flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	info, err := w.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if info.Type == fs.TypeFile {
		printEntry(out, types.EntryName(path[strings.LastIndex(path, "/")+1:]), info, long)
		return nil, nil
	}
	for _, name := range info.Children {
		if !long {
			fmt.Fprintln(out, name)
			continue
		}
		child, err := w.Stat(ctx, strings.TrimSuffix(path, "/")+"/"+string(name))
		if err != nil {
			return nil, err
		}
		printEntry(out, name, child, long)
	}
	return nil, nil
}

func printEntry(out io.Writer, name types.EntryName, info fs.Info, long bool) {
	if !long {
		fmt.Fprintln(out, name)
		return
	}
	flags := ""
	if info.NeedSync {
		flags += "*"
	}
	if info.IsPlaceholder {
		flags += "?"
	}
	fmt.Fprintf(out, "%s\t%d\t%s\t%s%s\n", info.Type, info.Size, formatAge(time.Since(info.Updated)), name, flags)
}

func cmdMkdir(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 1, "mkdir <workspace[:/path]>"); err != nil {
		return nil, err
	}
	ref, path, err := splitTarget(flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	if path == "/" {
		name, err := types.NewEntryName(ref)
		if err != nil {
			return nil, err
		}
		id, err := c.User().CreateWorkspace(ctx, name)
		if err != nil {
			return nil, err
		}
		fmt.Println(id)
		return c.User().GetWorkspace(ctx, id)
	}
	w, err := resolveWorkspace(ctx, c, ref)
	if err != nil {
		return nil, err
	}
	if _, err := w.CreateFolder(ctx, path); err != nil {
		return nil, err
	}
	return w, nil
}

func cmdPut(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 2, "put <file|-> <workspace:/path>"); err != nil {
		return nil, err
	}
	var data []byte
	var err error
	if src := flagSet.Arg(0); src == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", flagSet.Arg(0), err)
	}

	w, path, err := target(ctx, c, flagSet.Arg(1))
	if err != nil {
		return nil, err
	}
	if err := w.WriteFile(ctx, path, data); err != nil {
		return nil, err
	}
	return w, nil
}

func cmdCat(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 1, "cat <workspace:/path>"); err != nil {
		return nil, err
	}
	w, path, err := target(ctx, c, flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	data, err := w.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	_, err = os.Stdout.Write(data)
	return nil, err
}

func cmdRemove(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 1, "rm <workspace:/path>"); err != nil {
		return nil, err
	}
	w, path, err := target(ctx, c, flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	if err := w.Delete(ctx, path); err != nil {
		return nil, err
	}
	return w, nil
}

func cmdMove(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 2, "mv <workspace:/src> </dst>"); err != nil {
		return nil, err
	}
	w, src, err := target(ctx, c, flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	dst := flagSet.Arg(1)
	if i := strings.Index(dst, ":"); i >= 0 {
		dst = dst[i+1:]
	}
	if err := w.Move(ctx, src, dst); err != nil {
		return nil, err
	}
	return w, nil
}

func cmdRename(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 2, "rename <workspace> <name>"); err != nil {
		return nil, err
	}
	w, err := resolveWorkspace(ctx, c, flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	name, err := types.NewEntryName(flagSet.Arg(1))
	if err != nil {
		return nil, err
	}
	if err := c.User().RenameWorkspace(ctx, w.ID(), name); err != nil {
		return nil, err
	}
	return w, nil
}

func cmdSync(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	u := c.User()
	var targets []*fs.WorkspaceFS
	if flagSet.NArg() > 0 {
		for _, ref := range flagSet.Args() {
			w, err := resolveWorkspace(ctx, c, ref)
			if err != nil {
				return nil, err
			}
			targets = append(targets, w)
		}
	} else {
		list, err := u.Workspaces(ctx)
		if err != nil {
			return nil, err
		}
		for _, entry := range list {
			if !entry.Role.CanRead() {
				continue
			}
			w, err := u.GetWorkspace(ctx, entry.ID)
			if err != nil {
				return nil, err
			}
			targets = append(targets, w)
		}
	}

	for _, w := range targets {
		if err := w.Sync(ctx, "/", true); err != nil {
			return nil, fmt.Errorf("sync workspace %s: %w", w.ID(), err)
		}
	}
	if err := u.Sync(ctx); err != nil {
		return nil, err
	}
	n, err := u.ProcessLastMessages(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("%d workspace(s) synchronized, %d message(s) processed\n", len(targets), n)
	return nil, nil
}

func cmdFetch(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 1, "fetch <workspace>"); err != nil {
		return nil, err
	}
	w, err := resolveWorkspace(ctx, c, flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	n, err := w.DownloadAll(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("%d block(s) downloaded\n", n)
	return nil, nil
}

func cmdShare(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 3, "share <workspace> <user> <role>"); err != nil {
		return nil, err
	}
	w, err := resolveWorkspace(ctx, c, flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	user, err := types.ParseUserID(flagSet.Arg(1))
	if err != nil {
		return nil, err
	}
	role, err := types.ParseRealmRole(strings.ToUpper(flagSet.Arg(2)))
	if err != nil {
		return nil, err
	}

	if role == types.RoleNone {
		return nil, c.User().Unshare(ctx, w.ID(), user)
	}
	return nil, c.User().Share(ctx, w.ID(), user, role)
}

func cmdRoles(ctx context.Context, c *core.Core, flagSet *pflag.FlagSet) (*fs.WorkspaceFS, error) {
	if err := needArgs(flagSet, 1, "roles <workspace>"); err != nil {
		return nil, err
	}
	w, err := resolveWorkspace(ctx, c, flagSet.Arg(0))
	if err != nil {
		return nil, err
	}
	roles, err := w.GetUserRoles(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]types.UserID, 0, len(roles))
	for user := range roles {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].String() < users[j].String() })

	out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer out.Flush()
	for _, user := range users {
		fmt.Fprintf(out, "%s\t%s\n", user, roles[user])
	}
	return nil, nil
}
