package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"nsskeycloak/internal/nss"
)

func newPasswdCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd [name|uid]",
		Short: "Print passwd entries, all of them or the one matching a key",
		Long: `Print passwd entries in /etc/passwd format. A numeric key is looked up
as a uid, anything else as a login name. Exits 2 when nothing matches.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.newApp(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				resp := a.service.AllPasswdContext(ctx)
				return printRecords(out, resp.Status, resp.Value...)
			}
			var resp nss.Response[nss.Passwd]
			if uid, ok := numericKey(args[0]); ok {
				resp = a.service.PasswdByUIDContext(ctx, uid)
			} else {
				resp = a.service.PasswdByNameContext(ctx, args[0])
			}
			return printRecords(out, resp.Status, resp.Value)
		},
	}
}

func newGroupCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "group [name|gid]",
		Short: "Print group entries, all of them or the one matching a key",
		Long: `Print group entries in /etc/group format. A numeric key is looked up
as a gid, anything else as a group name. Exits 2 when nothing matches.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.newApp(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				resp := a.service.AllGroupsContext(ctx)
				return printRecords(out, resp.Status, resp.Value...)
			}
			var resp nss.Response[nss.Group]
			if gid, ok := numericKey(args[0]); ok {
				resp = a.service.GroupByGIDContext(ctx, gid)
			} else {
				resp = a.service.GroupByNameContext(ctx, args[0])
			}
			return printRecords(out, resp.Status, resp.Value)
		},
	}
}

func numericKey(s string) (uint32, bool) {
	id, err := strconv.ParseUint(s, 10, 32)
	return uint32(id), err == nil
}

func printRecords[T fmt.Stringer](w io.Writer, status nss.Status, records ...T) error {
	if status != nss.Success {
		return &lookupError{status: status}
	}
	for _, r := range records {
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return err
		}
	}
	return nil
}
