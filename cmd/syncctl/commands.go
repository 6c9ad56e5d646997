package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"migranthub/internal/models"
	"migranthub/internal/service"
	"migranthub/internal/status"
	"migranthub/internal/worker"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

type operationList struct {
	Operations []*models.QueuedOperation `json:"operations"`
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show network state, pending count and the last sync error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snap status.Snapshot
			if err := a.client.getJSON(cmd.Context(), http.MethodGet, "/api/v1/sync/status", nil, &snap); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var statuses []string
	var entityID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if len(statuses) > 0 {
				query.Set("status", strings.Join(statuses, ","))
			}
			if entityID != "" {
				query.Set("entity_id", entityID)
			}
			path := "/api/v1/operations"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			return a.printOperations(cmd, path)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending, in-flight, failed, dead)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	return cmd
}

func (a *app) deadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List operations that exhausted their retries or were rejected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.printOperations(cmd, "/api/v1/operations/dead")
		},
	}
}

func (a *app) printOperations(cmd *cobra.Command, path string) error {
	var list operationList
	if err := a.client.getJSON(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
		return err
	}
	if a.json {
		return printJSON(cmd.OutOrStdout(), list)
	}
	if len(list.Operations) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No operations.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), operationsTable(list.Operations))
	return nil
}

func (a *app) enqueueCmd() *cobra.Command {
	var (
		entityType  string
		entityID    string
		kind        string
		payload     string
		payloadFile string
		baseVersion int64
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a mutation for delivery",
		Example: `  syncctl enqueue --type profile --id p1 --kind update --payload '{"city":"Berlin"}' --base-version 3
  syncctl enqueue --type generated-document --kind create --payload-file doc.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := service.Mutation{
				EntityType: models.EntityType(entityType),
				EntityID:   entityID,
				Kind:       models.OpKind(kind),
			}

			raw := payload
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				raw = string(data)
			}
			if raw != "" {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				m.Payload = json.RawMessage(raw)
			}
			if cmd.Flags().Changed("base-version") {
				m.BaseVersion = &baseVersion
			}

			var out struct {
				OperationID string `json:"operation_id"`
				EntityID    string `json:"entity_id"`
			}
			if err := a.client.getJSON(cmd.Context(), http.MethodPost, "/api/v1/mutations", m, &out); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for %s %s\n", out.OperationID, entityType, out.EntityID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&entityType, "type", "", "entity type (profile, document-checklist-item, generated-document)")
	flags.StringVar(&entityID, "id", "", "entity id; empty on create assigns a provisional id")
	flags.StringVar(&kind, "kind", string(models.KindUpdate), "mutation kind (create, update, delete)")
	flags.StringVar(&payload, "payload", "", "JSON payload")
	flags.StringVar(&payloadFile, "payload-file", "", "read the JSON payload from a file")
	flags.Int64Var(&baseVersion, "base-version", 0, "entity version the change was made against")
	_ = cmd.MarkFlagRequired("type")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	return cmd
}

func (a *app) discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop an operation from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/operations/" + url.PathEscape(args[0]) + "/discard"
			var out map[string]string
			if err := a.client.getJSON(cmd.Context(), http.MethodPost, path, nil, &out); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
			return nil
		},
	}
}

func (a *app) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Requeue a dead or failed operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/operations/" + url.PathEscape(args[0]) + "/retry"
			var op models.QueuedOperation
			if err := a.client.getJSON(cmd.Context(), http.MethodPost, path, nil, &op); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), op)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s (%s %s %s)\n", op.ID, op.Kind, op.EntityType, op.EntityID)
			return nil
		},
	}
}

func (a *app) syncCmd() *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if noWait {
				if err := a.client.getJSON(cmd.Context(), http.MethodPost, "/api/v1/sync?wait=false", nil, nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Sync triggered")
				return nil
			}

			var res worker.SyncResult
			if err := a.client.getJSON(cmd.Context(), http.MethodPost, "/api/v1/sync", nil, &res); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printSyncResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "trigger a pass and return immediately")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the queue as an xlsx spreadsheet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output == "" {
				output = fmt.Sprintf("queue_export_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
			}
			return downloadTo(cmd.Context(), a.client, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "target file (default queue_export_<timestamp>.xlsx)")
	return cmd
}

func downloadTo(ctx context.Context, c *client, path string, out io.Writer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := c.download(ctx, "/api/v1/operations/export", f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", path)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, s status.Snapshot) {
	network := errStyle.Render("offline")
	if s.Online {
		network = okStyle.Render("online")
	}
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Network:"), network)
	fmt.Fprintf(w, "%s %d\n", headerStyle.Render("Pending:"), s.PendingCount)

	dead := fmt.Sprintf("%d", len(s.DeadOperations))
	if len(s.DeadOperations) > 0 {
		dead = warnStyle.Render(dead)
	}
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Dead:"), dead)
	if s.IsSyncing {
		fmt.Fprintln(w, headerStyle.Render("Syncing now"))
	}
	if s.LastSyncError != nil {
		fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Last error:"), errStyle.Render(*s.LastSyncError))
	}
}

func printSyncResult(w io.Writer, res worker.SyncResult) {
	fmt.Fprintf(w, "Sync finished: %d sent, %d merged, %d retrying, %d dead, %d remaining\n",
		res.Succeeded, res.Merged, res.Retried, res.Dead, res.Remaining)
	if res.StoppedOffline {
		fmt.Fprintln(w, warnStyle.Render("Stopped: connection lost"))
	}
	if res.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", errStyle.Render(res.LastError))
	}
}

func operationsTable(ops []*models.QueuedOperation) string {
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		lastErr := ""
		if op.LastError != nil {
			lastErr = *op.LastError
		}
		rows = append(rows, []string{
			op.ID,
			string(op.EntityType),
			op.EntityID,
			string(op.Kind),
			string(op.Status),
			fmt.Sprintf("%d", op.AttemptCount),
			op.CreatedAt.Local().Format("2006-01-02 15:04"),
			lastErr,
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("ID", "ENTITY", "ENTITY ID", "KIND", "STATUS", "ATTEMPTS", "CREATED", "LAST ERROR").
		Rows(rows...).
		String()
}
