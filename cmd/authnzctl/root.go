// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/authnz"
	"github.com/hashicorp/authnz/config"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:          "authnzctl",
		Short:        "Check identity provider configuration and start logins",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "authnz.yaml", "provider configuration file")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "warn", "log level: trace|debug|info|warn|error")

	root.AddCommand(newValidateCmd(f), newAuthURLCmd(f))
	return root
}

func (f *rootFlags) logger(w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "authnzctl",
		Level:  hclog.LevelFromString(f.logLevel),
		Output: w,
	})
}

// load parses the configuration file.  Invalid provider entries are
// returned in err alongside the valid ones.
func (f *rootFlags) load() (*config.Config, error) {
	return config.Load(f.configPath)
}

func newValidateCmd(f *rootFlags) *cobra.Command {
	var discover bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: "Validate a configuration file.  With --discover every provider is " +
			"contacted the way the server does at startup.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			c, err := f.load()
			if c == nil {
				return err
			}
			var result *multierror.Error
			if err != nil {
				result = multierror.Append(result, err)
			}
			if discover {
				m, err := authnz.NewManager(c.Providers, append(c.ManagerOptions(), authnz.WithLogger(f.logger(cmd.ErrOrStderr())))...)
				defer m.Done()
				if err != nil {
					result = multierror.Append(result, err)
				}
				printProviders(out, c, m.Providers())
			} else {
				printProviders(out, c, nil)
			}
			for _, e := range flatten(result) {
				fmt.Fprintf(out, "error\t%s\n", e)
			}
			if err := result.ErrorOrNil(); err != nil {
				return fmt.Errorf("%d problem(s) found", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&discover, "discover", false, "contact every provider")
	return cmd
}

// printProviders lists the valid providers.  When loaded isn't nil only the
// providers in it are reported as ok.
func printProviders(w io.Writer, c *config.Config, loaded []string) {
	ok := map[string]bool{}
	for _, n := range loaded {
		ok[n] = true
	}
	for _, p := range c.Providers {
		if loaded != nil && !ok[p.Name] {
			continue
		}
		fmt.Fprintf(w, "ok\t%s\t%s\t%s\n", p.Name, p.Kind, p.Issuer)
	}
	aliases := make([]string, 0, len(c.Aliases))
	for a := range c.Aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	for _, a := range aliases {
		fmt.Fprintf(w, "alias\t%s\t%s\n", a, c.Aliases[a])
	}
	fmt.Fprintf(w, "link-policy\t%s\n", c.LinkPolicy)
}

func flatten(result *multierror.Error) []error {
	if result == nil {
		return nil
	}
	var all []error
	for _, e := range result.Errors {
		var nested *multierror.Error
		if errors.As(e, &nested) {
			all = append(all, flatten(nested)...)
			continue
		}
		all = append(all, e)
	}
	return all
}

func newAuthURLCmd(f *rootFlags) *cobra.Command {
	var (
		provider string
		idpHint  string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "auth-url",
		Short: "Print the authorization URL of a provider",
		Long: "Print the authorization URL of a provider along with the cookies " +
			"which would hold the state of the attempt.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if provider == "" {
				return errors.New("--provider is required")
			}
			c, err := f.load()
			if c == nil {
				return err
			}
			m, err := authnz.NewManager(c.Providers, append(c.ManagerOptions(), authnz.WithLogger(f.logger(cmd.ErrOrStderr())))...)
			defer m.Done()
			if err != nil {
				f.logger(cmd.ErrOrStderr()).Warn("some providers failed to load", "error", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			tx := newCLITransaction()
			resp, err := m.Authenticate(ctx, provider, tx, idpHint)
			if err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Message)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.RedirectURL)
			for _, line := range tx.cookieLines() {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "provider name or alias")
	cmd.Flags().StringVar(&idpHint, "idphint", "", "upstream identity provider hint")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

// cliTransaction is a Transaction without a session or stores.  Only the
// cookies of an authorization request are used.
type cliTransaction struct {
	mu      sync.Mutex
	cookies map[string]string
}

var _ authnz.Transaction = (*cliTransaction)(nil)

func newCLITransaction() *cliTransaction {
	return &cliTransaction{cookies: map[string]string{}}
}

func (tx *cliTransaction) Cookie(name string) (string, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	v, ok := tx.cookies[name]
	return v, ok
}

func (tx *cliTransaction) SetCookie(name, value string, maxAge time.Duration) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if maxAge < 0 {
		delete(tx.cookies, name)
		return
	}
	tx.cookies[name] = value
}

func (tx *cliTransaction) CurrentUser() *authnz.User { return nil }
func (tx *cliTransaction) RequestURL() string        { return "" }
func (tx *cliTransaction) Users() authnz.UserStore   { return nil }
func (tx *cliTransaction) Tokens() authnz.TokenStore { return nil }

func (tx *cliTransaction) cookieLines() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	lines := make([]string, 0, len(tx.cookies))
	for k, v := range tx.cookies {
		lines = append(lines, "cookie\t"+k+"="+v)
	}
	sort.Strings(lines)
	return lines
}
