package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/slugy/edge/internal/app"
	"github.com/slugy/edge/internal/models"
	"github.com/slugy/edge/internal/passproof"
)

func newLinksCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Change links and invalidate their cached copies",
	}
	cmd.PersistentFlags().StringVar(&domain, "domain", "", "link domain (defaults to the first configured domain)")

	withApp := func(cmd *cobra.Command, fn func(a *app.App, domain string) error) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		d := domain
		if d == "" {
			d = cfg.DefaultDomain()
		}
		return fn(a, d)
	}

	var (
		url, slugFlag, workspace, password string
		expiresIn                          time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App, domain string) error {
				l := &models.Link{WorkspaceID: workspace, Slug: slugFlag, Domain: domain, URL: url}
				if expiresIn > 0 {
					at := time.Now().UTC().Add(expiresIn)
					l.ExpiresAt = &at
				}
				if password != "" {
					hash, err := passproof.HashPassword(password)
					if err != nil {
						return err
					}
					l.Password = hash
				}
				if err := a.Links.Create(cmd.Context(), l); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), l.ShortURL())
				return nil
			})
		},
	}
	create.Flags().StringVar(&url, "url", "", "destination URL")
	create.Flags().StringVar(&slugFlag, "slug", "", "custom slug (generated when empty)")
	create.Flags().StringVar(&workspace, "workspace", "", "owning workspace id")
	create.Flags().StringVar(&password, "password", "", "require this password before redirecting")
	create.Flags().DurationVar(&expiresIn, "expires-in", 0, "expire the link after this long")
	create.MarkFlagRequired("url")

	archive := &cobra.Command{
		Use:   "archive SLUG...",
		Short: "Archive links so they stop resolving",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App, domain string) error {
				n, err := a.Links.ArchiveMany(cmd.Context(), domain, args)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived %d of %d links on %s\n", n, len(args), domain)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete SLUG",
		Short: "Delete a link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App, domain string) error {
				l, err := a.Links.BySlug(cmd.Context(), domain, args[0])
				if err != nil {
					return fmt.Errorf("find %s/%s: %w", domain, args[0], err)
				}
				if err := a.Links.Delete(cmd.Context(), l.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", l.ShortURL())
				return nil
			})
		},
	}

	cmd.AddCommand(create, archive, del)
	return cmd
}
