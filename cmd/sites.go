package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/sitewatch/internal/api"
)

const defaultServer = "http://localhost:8080"

// newSitesCmd creates the 'sites' command group. Each subcommand talks to a
// running server over its HTTP API.
func newSitesCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SITEWATCH")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Manages monitored sites on a running server",
	}
	cmd.PersistentFlags().String("server", defaultServer, "base URL of the sitewatch API (env SITEWATCH_SERVER)")
	cmd.PersistentFlags().String("api-key", "", "API key sent as X-API-Key (env SITEWATCH_API_KEY)")
	_ = v.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("api_key", cmd.PersistentFlags().Lookup("api-key"))

	client := func() *api.Client {
		return api.NewClient(v.GetString("server"), v.GetString("api_key"), nil)
	}

	cmd.AddCommand(
		newSitesAddCmd(client),
		newSitesRemoveCmd(client),
		newSitesListCmd(client),
		newSitesStatusCmd(client),
		newSitesCheckCmd(client),
		newSitesIntervalCmd(client),
	)
	return cmd
}

func newSitesAddCmd(client func() *api.Client) *cobra.Command {
	var interval int
	cmd := &cobra.Command{
		Use:   "add URL",
		Short: "Starts monitoring a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			site, err := client().AddSite(cmd.Context(), args[0], interval)
			if err != nil {
				return fmt.Errorf("add site: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), site)
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 0, "check interval in minutes (server default when 0)")
	return cmd
}

func newSitesRemoveCmd(client func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "remove URL",
		Short: "Stops monitoring a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().RemoveSite(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove site: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return err
		},
	}
}

func newSitesListCmd(client func() *api.Client) *cobra.Command {
	var page, pageSize int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists monitored sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := client().ListSites(cmd.Context(), page, pageSize)
			if err != nil {
				return fmt.Errorf("list sites: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			return writeTable(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "sites per page (server default when 0)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON page")
	return cmd
}

func newSitesStatusCmd(client func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status URL",
		Short: "Shows a site's last snapshot and last change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			site, err := client().Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("site status: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), site)
		},
	}
}

func newSitesCheckCmd(client func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "check URL",
		Short: "Checks a site immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			site, err := client().CheckNow(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("check site: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "check submitted for %s\n", site.URL)
			return err
		},
	}
}

func newSitesIntervalCmd(client func() *api.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "interval URL MINUTES",
		Short: "Changes a site's check interval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[1])
			if err != nil || minutes <= 0 {
				return fmt.Errorf("minutes must be a positive integer, got %q", args[1])
			}
			site, err := client().UpdateInterval(cmd.Context(), args[0], minutes)
			if err != nil {
				return fmt.Errorf("update interval: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), site)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func writeTable(w io.Writer, page api.PageView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "URL\tINTERVAL\tLAST CHECKED\tNEXT DUE\tFAILURES\tLAST CHANGE")
	for _, s := range page.Sites {
		checked := "never"
		if s.LastCheckedAt != nil {
			checked = s.LastCheckedAt.Format(time.RFC3339)
		}
		change := "-"
		if s.LastChange != nil {
			change = string(s.LastChange.Kind)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%dm\t%s\t%s\t%d\t%s\n",
			s.URL, s.IntervalMinutes, checked, s.NextDueAt.Format(time.RFC3339), s.ConsecutiveFailures, change)
	}
	_, _ = fmt.Fprintf(tw, "page %d of %d (%d sites)\n", page.Page, page.TotalPages, page.Total)
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
