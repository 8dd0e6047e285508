package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/dto"
)

func newJobsCmd(opts *options) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage watermark jobs",
		Long:  `Commands for creating, listing, inspecting, and deleting watermark jobs.`,
	}

	jobsCmd.AddCommand(newJobsListCmd(opts))
	jobsCmd.AddCommand(newJobsGetCmd(opts))
	jobsCmd.AddCommand(newJobsCreateCmd(opts))
	jobsCmd.AddCommand(newJobsDeleteCmd(opts))
	return jobsCmd
}

type listFlags struct {
	filter    string
	search    string
	startDate string
	endDate   string
	userID    string
	cursor    string
	limit     int
}

func newJobsListCmd(opts *options) *cobra.Command {
	f := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			setIfNotEmpty(query, "filter", f.filter)
			setIfNotEmpty(query, "search", f.search)
			setIfNotEmpty(query, "startDate", f.startDate)
			setIfNotEmpty(query, "endDate", f.endDate)
			setIfNotEmpty(query, "userId", f.userID)
			setIfNotEmpty(query, "cursor", f.cursor)
			if f.limit > 0 {
				query.Set("limit", strconv.Itoa(f.limit))
			}

			var result dto.ListJobsResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, jobsPath, query, nil, &result); err != nil {
				return err
			}

			if opts.jsonOutput() {
				return writeJSON(opts, result)
			}

			table := tablewriter.NewWriter(opts.out)
			table.Header("ID", "Type", "Status", "User", "Source", "Started", "Duration")
			for _, job := range result.Jobs {
				table.Append(
					job.ID,
					job.Type,
					job.Status,
					job.UserName,
					job.SrcImagePath,
					job.StartedAt.Local().Format(time.DateTime),
					formatDuration(job.DurationMs),
				)
			}
			if err := table.Render(); err != nil {
				return err
			}

			if result.HasNextPage {
				fmt.Fprintf(opts.out, "\nMore jobs available: --cursor %s\n", result.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.filter, "filter", "", "job type filter: all, embed, or decode")
	cmd.Flags().StringVar(&f.search, "search", "", "case-insensitive substring match on the watermark text or detected text")
	cmd.Flags().StringVar(&f.startDate, "start", "", "earliest start date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&f.endDate, "end", "", "latest start date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&f.userID, "user", "", "only jobs submitted by this user")
	cmd.Flags().StringVar(&f.cursor, "cursor", "", "page cursor from a previous list")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "page size (1-100, server default 20)")
	return cmd
}

func newJobsGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job dto.JobDTO
			if err := opts.client().do(cmd.Context(), http.MethodGet, jobPath(args[0]), nil, nil, &job); err != nil {
				return err
			}

			if opts.jsonOutput() {
				return writeJSON(opts, job)
			}
			return renderJob(opts, job)
		},
	}
}

type createFlags struct {
	jobType   string
	src       string
	params    string
	thumbnail string
}

func newJobsCreateCmd(opts *options) *cobra.Command {
	f := &createFlags{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a new job",
		Long:  `Submit an EMBED or DECODE job. The job is accepted as PENDING and runs asynchronously.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dto.CreateJobRequest{
				Type:         strings.ToUpper(f.jobType),
				SrcImagePath: f.src,
			}
			if f.params != "" {
				if !json.Valid([]byte(f.params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				req.Params = json.RawMessage(f.params)
			}
			if f.thumbnail != "" {
				req.ThumbnailPath = &f.thumbnail
			}

			var created dto.CreateJobResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, jobsPath, nil, req, &created); err != nil {
				return err
			}

			if opts.jsonOutput() {
				return writeJSON(opts, created)
			}

			table := tablewriter.NewWriter(opts.out)
			table.Header("Field", "Value")
			table.Append("ID", created.ID)
			table.Append("Type", created.Type)
			table.Append("Status", created.Status)
			table.Append("Created At", created.CreatedAt.Format(time.RFC3339))
			return table.Render()
		},
	}

	cmd.Flags().StringVar(&f.jobType, "type", "", "job type: EMBED or DECODE (required)")
	cmd.Flags().StringVar(&f.src, "src", "", "source image path (required)")
	cmd.Flags().StringVar(&f.params, "params", "", "engine parameters as a JSON object")
	cmd.Flags().StringVar(&f.thumbnail, "thumbnail", "", "thumbnail path")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("src")
	return cmd
}

func newJobsDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().do(cmd.Context(), http.MethodDelete, jobPath(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "Job %s deleted\n", args[0])
			return nil
		},
	}
}

func renderJob(opts *options, job dto.JobDTO) error {
	table := tablewriter.NewWriter(opts.out)
	table.Header("Field", "Value")

	table.Append("ID", job.ID)
	table.Append("Type", job.Type)
	table.Append("Status", job.Status)
	table.Append("User", fmt.Sprintf("%s (%s)", job.UserName, job.UserID))
	table.Append("Source", job.SrcImagePath)
	if job.ThumbnailPath != nil {
		table.Append("Thumbnail", *job.ThumbnailPath)
	}
	table.Append("Params", compactJSON(job.Params))
	table.Append("Result", compactJSON(job.Result))
	table.Append("Started At", job.StartedAt.Format(time.RFC3339))
	if job.FinishedAt != nil {
		table.Append("Finished At", job.FinishedAt.Format(time.RFC3339))
	}
	table.Append("Duration", formatDuration(job.DurationMs))

	return table.Render()
}

func jobPath(id string) string {
	return jobsPath + "/" + url.PathEscape(id)
}

func setIfNotEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func compactJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(b)
}

func writeJSON(opts *options, v any) error {
	enc := json.NewEncoder(opts.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
