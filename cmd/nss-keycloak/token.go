package main

import (
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"nsskeycloak/internal/keycloak"
)

func newTokenCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Acquire a service token and describe it",
		Long: `Acquire a token with the configured credentials and print its state,
remaining lifetimes and unverified claims. The token itself is never printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.newApp(ctx)
			if err != nil {
				return err
			}
			raw, err := a.tokens.AccessToken(ctx)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"KEY", "VALUE"})
			t.AppendRows([]table.Row{
				{"grant", a.creds.GrantType()},
				{"token endpoint", a.creds.TokenURL()},
				{"state", a.tokens.State().String()},
				{"access expires in", remaining(a.tokens.AccessTokenExpiresIn())},
				{"refresh expires in", remaining(a.tokens.RefreshTokenExpiresIn())},
			})

			claims, err := keycloak.InspectToken(raw)
			if err != nil {
				// Opaque tokens are valid for the admin API; only the claims are missing.
				a.logger.WarnContext(ctx, "access token claims unavailable", "error", err)
			} else {
				t.AppendSeparator()
				t.AppendRows(claimRows(claims))
			}
			t.Render()
			return nil
		},
	}
}

func claimRows(c keycloak.TokenClaims) []table.Row {
	return []table.Row{
		{"subject", c.Subject},
		{"issuer", c.Issuer},
		{"audience", strings.Join(c.Audience, ",")},
		{"authorized party", c.AuthorizedParty},
		{"preferred username", c.PreferredUsername},
		{"scope", c.Scope},
		{"realm roles", strings.Join(c.RealmRoles, ",")},
		{"issued at", timestamp(c.IssuedAt)},
		{"expires at", timestamp(c.Expiry)},
	}
}

func remaining(d time.Duration, ok bool) string {
	if !ok {
		return "none"
	}
	return d.Truncate(time.Second).String()
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
