// Package main implements patternctl, the admin CLI for a patternd server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server  string
	token   string
	timeout time.Duration
}

func (o *options) client() *client {
	return newClient(o.server, o.token, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "patternctl",
		Short:         "Admin CLI for the patternd server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("PATTERND_SERVER", "http://localhost:8080"), "patternd server URL")
	pf.StringVar(&opts.token, "token", os.Getenv("PATTERND_TOKEN"), "admin bearer token")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(opts),
		newDecideCmd(opts),
		newLearnCmd(opts),
		newOutcomeCmd(opts),
		newImportCmd(opts),
		newPatternsCmd(opts),
		newCandidatesCmd(opts),
		newSweepCmd(opts),
		newConfigCmd(opts),
		newStatsCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// printJSON indents raw JSON onto w.
func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// call runs one request and prints the reply.
func call(cmd *cobra.Command, opts *options, method, path string, query url.Values, body any) error {
	out, err := opts.client().do(method, path, query, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodGet, "/health", nil, nil)
		},
	}
}

func newDecideCmd(opts *options) *cobra.Command {
	var conversation string
	var history []string
	cmd := &cobra.Command{
		Use:   "decide <message>",
		Short: "Ask the engine what to do with a customer message",
		Example: `  patternctl decide --conversation c-42 "Do you sell gift cards?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/api/v1/messages", nil, map[string]any{
				"conversation_id": conversation,
				"text":            args[0],
				"context":         history,
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "cli", "conversation ID")
	cmd.Flags().StringArrayVar(&history, "context", nil, "earlier turn, oldest first (repeatable)")
	return cmd
}

func newLearnCmd(opts *options) *cobra.Command {
	var conversation, operator string
	cmd := &cobra.Command{
		Use:   "learn <customer message> <operator response>",
		Short: "Learn from one customer/operator exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/api/v1/learn", nil, map[string]any{
				"conversation_id":   conversation,
				"customer_message":  args[0],
				"operator_response": args[1],
				"operator_id":       operator,
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "cli", "conversation ID")
	cmd.Flags().StringVar(&operator, "operator", "", "operator ID")
	return cmd
}

func newOutcomeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "outcome <execution-id> accepted|rejected|modified",
		Short:     "Record what a human did with a decision",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"accepted", "rejected", "modified"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/api/v1/executions/"+url.PathEscape(args[0])+"/outcome", nil,
				map[string]string{"outcome": args[1]})
		},
	}
}

func newImportCmd(opts *options) *cobra.Command {
	var operator string
	var chunk int
	cmd := &cobra.Command{
		Use:   "import <export.json|->",
		Short: "Learn from a conversation export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}
			q := url.Values{}
			if operator != "" {
				q.Set("operator_id", operator)
			}
			if chunk > 0 {
				q.Set("chunk_size", strconv.Itoa(chunk))
			}
			return call(cmd, opts, http.MethodPost, "/api/v1/import", q, r)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator ID recorded on every exchange")
	cmd.Flags().IntVar(&chunk, "chunk-size", 0, "conversations per progress log")
	return cmd
}

func newPatternsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect and manage patterns",
	}

	var state, typ, query string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"state": state, "type": typ, "q": query} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return call(cmd, opts, http.MethodGet, "/api/v1/patterns", q, nil)
		},
	}
	list.Flags().StringVar(&state, "state", "", "staged, active, rejected or disabled")
	list.Flags().StringVar(&typ, "type", "", "pattern type")
	list.Flags().StringVar(&query, "query", "", "trigger text substring")
	list.Flags().IntVar(&limit, "limit", 0, "maximum results")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/api/v1/patterns/"+url.PathEscape(args[0]), nil, nil)
		},
	}

	cmd.AddCommand(list, get)
	for _, t := range []struct{ verb, short string }{
		{"approve", "Approve a staged pattern"},
		{"reject", "Reject a staged pattern"},
		{"disable", "Disable an active pattern"},
		{"elevate", "Allow a pattern to auto-execute"},
		{"demote", "Revoke auto-execution"},
		{"unflag", "Return a corrected pattern to service"},
	} {
		cmd.AddCommand(transitionCmd(opts, t.verb, t.short))
	}
	return cmd
}

func transitionCmd(opts *options, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/api/v1/patterns/"+url.PathEscape(args[0])+"/"+verb, nil, nil)
		},
	}
}

func newCandidatesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "candidates",
		Short: "List staged candidates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodGet, "/api/v1/candidates", nil, nil)
		},
	}
}

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Promote and expire staged candidates now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodPost, "/api/v1/staging/sweep", nil, nil)
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pattern and decision statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodGet, "/api/v1/stats", nil, nil)
		},
	}
}

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change the safety configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current safety configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodGet, "/api/v1/config", nil, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set key=value...",
		Short: "Change safety settings",
		Example: `  patternctl config set shadow_mode=false
  patternctl config set rate_limit.burst=5 min_confidence_to_act=0.95`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parseAssignments(args)
			if err != nil {
				return err
			}
			return call(cmd, opts, http.MethodPut, "/api/v1/config", nil, doc)
		},
	})
	return cmd
}

// parseAssignments turns key=value pairs into a nested JSON document.
// Dotted keys descend into objects. Values parse as JSON when they can and
// are sent as strings otherwise.
func parseAssignments(args []string) (map[string]any, error) {
	doc := map[string]any{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}

		parts := strings.Split(key, ".")
		m := doc
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				if _, exists := m[p]; exists {
					return nil, fmt.Errorf("%q conflicts with an earlier value", key)
				}
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = val
	}
	return doc, nil
}
