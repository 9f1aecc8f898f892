package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/projection-cache/pkg/projclient"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	addr       string
	natsURL    string
	natsPrefix string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "pcctl",
		Short:         "Manage a projection-cache daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "http://localhost:8080", "projection-cache API address")
	root.PersistentFlags().StringVar(&opts.natsURL, "nats", "", "read through the NATS responder at this URL instead of HTTP")
	root.PersistentFlags().StringVar(&opts.natsPrefix, "nats-prefix", "pc", "NATS responder subject prefix")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "pcctl %s\n", version)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show overall status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := opts.api().do(cmd.Context(), http.MethodGet, "/v1/status", nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
		&cobra.Command{
			Use:   "projections",
			Short: "List registered projections",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runProjections(cmd, opts)
			},
		},
		newGetCmd(opts),
		&cobra.Command{
			Use:   "latest-version <kind> <entity>",
			Short: "Show the latest known version of an entity",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runLatestVersion(cmd, opts, args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "snapshots <kind> <entity>",
			Short: "List stored snapshot versions of an entity",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := opts.api().do(cmd.Context(), http.MethodGet, entityPath("/v1/projections", args[0], args[1])+"/snapshots", nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
		&cobra.Command{
			Use:   "cursors <stream>",
			Short: "List durable cursors of a stream",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCursors(cmd, opts, args[0])
			},
		},
		newPublishCmd(opts),
		&cobra.Command{
			Use:   "prune <kind> <entity>",
			Short: "Prune an entity's snapshots by the projection's retain moduli",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := opts.api().do(cmd.Context(), http.MethodPost, entityPath("/v1/admin/prune", args[0], args[1]), nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
		&cobra.Command{
			Use:   "delete <kind> <entity>",
			Short: "Delete every snapshot of an entity",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := opts.api().do(cmd.Context(), http.MethodDelete, entityPath("/v1/admin/snapshots", args[0], args[1]), nil)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), body)
			},
		},
	)
	return root
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	var at int64
	cmd := &cobra.Command{
		Use:   "get <kind> <entity>",
		Short: "Print the latest projection value, or the value at --at",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pinned := cmd.Flags().Changed("at")
			if opts.natsURL != "" {
				return runGetNATS(cmd, opts, args[0], args[1], at, pinned)
			}
			path := entityPath("/v1/projections", args[0], args[1])
			if pinned {
				path += "/versions/" + strconv.FormatInt(at, 10)
			}
			body, err := opts.api().do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().Int64Var(&at, "at", 0, "read the value pinned at this version")
	return cmd
}

func newPublishCmd(opts *globalOptions) *cobra.Command {
	var file, contentType string
	cmd := &cobra.Command{
		Use:   "publish <kind> <entity> <version>",
		Short: "Write a snapshot and advance the entity's cursor",
		Long: `Write a snapshot payload read from --file (or stdin) at the given
version and advance the entity's cursor. Versions must increase.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseInt(args[2], 10, 64); err != nil {
				return fmt.Errorf("invalid version %q", args[2])
			}
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			payload, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}
			body, err := opts.api().send(cmd.Context(), http.MethodPost, entityPath("/v1/admin/publish", args[0], args[1])+"/"+args[2], payload, contentType)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file ('-' or empty for stdin)")
	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "content type stored with the snapshot and served back to readers")
	return cmd
}

func runProjections(cmd *cobra.Command, opts *globalOptions) error {
	body, err := opts.api().do(cmd.Context(), http.MethodGet, "/v1/projections", nil)
	if err != nil {
		return err
	}
	var defs []struct {
		Kind         string  `json:"kind"`
		Stream       string  `json:"stream"`
		Storage      string  `json:"storage"`
		ReducerHash  string  `json:"reducer_hash"`
		RetainModuli []int64 `json:"retain_moduli"`
		Entities     int     `json:"cached_entities"`
		Versions     int     `json:"cached_versions"`
	}
	if err := json.Unmarshal(body, &defs); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tSTREAM\tSTORAGE\tREDUCER\tRETAIN\tCACHED\tPINNED")
	for _, d := range defs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%d\t%d\n",
			d.Kind, d.Stream, d.Storage, d.ReducerHash, d.RetainModuli, d.Entities, d.Versions)
	}
	return w.Flush()
}

func runLatestVersion(cmd *cobra.Command, opts *globalOptions, kind, entity string) error {
	if opts.natsURL != "" {
		client, closeFn, err := opts.projClient()
		if err != nil {
			return err
		}
		defer closeFn()
		v, _, err := client.Version(cmd.Context(), kind, entity)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), projclient.FormatVersion(v))
		return nil
	}

	body, err := opts.api().do(cmd.Context(), http.MethodGet, entityPath("/v1/projections", kind, entity)+"/version", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), projclient.FormatVersion(resp.Version))
	return nil
}

func runCursors(cmd *cobra.Command, opts *globalOptions, stream string) error {
	body, err := opts.api().do(cmd.Context(), http.MethodGet, "/v1/cursors/"+url.PathEscape(stream), nil)
	if err != nil {
		return err
	}
	var cursors []struct {
		Entity    string    `json:"entity"`
		Position  int64     `json:"position"`
		Token     uint64    `json:"token"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(body, &cursors); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tPOSITION\tTOKEN\tUPDATED")
	for _, c := range cursors {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", c.Entity, c.Position, c.Token, c.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runGetNATS(cmd *cobra.Command, opts *globalOptions, kind, entity string, at int64, pinned bool) error {
	client, closeFn, err := opts.projClient()
	if err != nil {
		return err
	}
	defer closeFn()

	var (
		v     projclient.Value
		found bool
	)
	if pinned {
		v, found, err = client.At(cmd.Context(), kind, entity, at)
	} else {
		v, found, err = client.Latest(cmd.Context(), kind, entity)
	}
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no projection value for %s/%s", kind, entity)
	}
	_, err = cmd.OutOrStdout().Write(v.Data)
	return err
}

func (o *globalOptions) projClient() (*projclient.Client, func(), error) {
	nc, err := nats.Connect(o.natsURL, nats.Name("pcctl"), nats.Timeout(o.timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	client, err := projclient.New(projclient.Config{NC: nc, SubjectPrefix: o.natsPrefix, Timeout: o.timeout})
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return client, nc.Close, nil
}

func (o *globalOptions) api() *apiClient {
	return &apiClient{addr: o.addr, http: &http.Client{Timeout: o.timeout}}
}

type apiClient struct {
	addr string
	http *http.Client
}

// do issues a request and returns the response body. Non-2xx responses are
// turned into errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	return c.send(ctx, method, path, payload, "application/octet-stream")
}

func (c *apiClient) send(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return data, nil
}

func entityPath(base, kind, entity string) string {
	return base + "/" + url.PathEscape(kind) + "/" + url.PathEscape(entity)
}

func printJSON(w io.Writer, data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
