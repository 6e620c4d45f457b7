package cmd

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pitchlens/inference-scheduler/pkg/api"
	"github.com/pitchlens/inference-scheduler/pkg/middleware"
	"github.com/pitchlens/inference-scheduler/pkg/models"
)

var (
	submitUser         string
	submitVideo        string
	submitModel        string
	submitFrameRate    float64
	submitMaxFrames    int
	submitThreshold    float64
	submitClasses      []string
	submitCapabilities []string
	submitAlgorithm    string
	submitLocation     string
	submitMaxQueue     int
	submitRetries      int
	submitNoFailover   bool
	submitSync         bool

	listUser   string
	listStatus string
	listLimit  int

	getFrames bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage detection jobs",
	Long:  `Commands for submitting, listing, inspecting and cancelling detection jobs.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a video for player and ball detection",
	Example: `  schedctl jobs submit --user analyst --video s3://matches/final.mp4 --frame-rate 5
  schedctl jobs submit --user analyst --video file:///data/clip.mp4 --algorithm geographic --location eu-west`,
	RunE: runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, most recent first",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job's status, progress and detection totals",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or processing job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsGetCmd, jobsCancelCmd)

	f := jobsSubmitCmd.Flags()
	f.StringVar(&submitUser, "user", "", "submitting user (required)")
	f.StringVar(&submitVideo, "video", "", "video reference (required)")
	f.StringVar(&submitModel, "model", "", "model variant (default "+models.DefaultModelVariant+")")
	f.Float64Var(&submitFrameRate, "frame-rate", 1, "frames per second to sample")
	f.IntVar(&submitMaxFrames, "max-frames", 0, "stop after this many frames (0 = whole video)")
	f.Float64Var(&submitThreshold, "threshold", 0, "minimum detection confidence (0 = default)")
	f.StringSliceVar(&submitClasses, "class", nil, "track only these classes (repeatable)")
	f.StringSliceVar(&submitCapabilities, "capability", nil, "required node capability (repeatable)")
	f.StringVar(&submitAlgorithm, "algorithm", "", "round_robin, least_loaded, performance_based or geographic")
	f.StringVar(&submitLocation, "location", "", "preferred node location for geographic balancing")
	f.IntVar(&submitMaxQueue, "max-queue", models.DefaultMaxQueueLength, "skip nodes at or above this queue length (0 = no ceiling)")
	f.IntVar(&submitRetries, "retries", -1, "dispatch retry attempts (-1 = default)")
	f.BoolVar(&submitNoFailover, "no-failover", false, "fail the job instead of requeueing when its node is lost")
	f.BoolVar(&submitSync, "sync", false, "reject the submission if no node is eligible right now")
	jobsSubmitCmd.MarkFlagRequired("user")
	jobsSubmitCmd.MarkFlagRequired("video")

	jobsListCmd.Flags().StringVar(&listUser, "user", "", "only jobs submitted by this user")
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "only jobs in this status")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of jobs (0 = all)")

	jobsGetCmd.Flags().BoolVar(&getFrames, "frames", false, "fetch and print every detection frame")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	req := api.SubmitJobRequest{
		VideoURL: submitVideo,
		Config: models.ModelConfig{
			ModelVariant:        submitModel,
			ConfidenceThreshold: submitThreshold,
			FrameRate:           submitFrameRate,
			MaxFrames:           submitMaxFrames,
			TrackClasses:        submitClasses,
		},
		RequiredCapabilities: submitCapabilities,
		LoadBalancing: models.LoadBalancingConfig{
			Algorithm:         models.Algorithm(submitAlgorithm),
			PreferredLocation: submitLocation,
			MaxQueueLength:    submitMaxQueue,
		},
		SyncAdmission: submitSync,
	}
	if submitRetries >= 0 {
		req.LoadBalancing.RetryAttempts = &submitRetries
	}
	if submitNoFailover {
		failover := false
		req.LoadBalancing.FailoverEnabled = &failover
	}

	var job models.Job
	headers := map[string]string{middleware.UserHeader: submitUser}
	if err := apiRequest(cmd.Context(), "POST", "/jobs", headers, req, &job); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, job)
	}
	fmt.Fprintf(out, "Job %s submitted (%s)\n", job.ID, job.Status)
	return nil
}

type jobsListResponse struct {
	Jobs  []models.Job `json:"jobs"`
	Count int          `json:"count"`
}

func runJobsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listUser != "" {
		q.Set("user_id", listUser)
	}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	if listLimit > 0 {
		q.Set("limit", strconv.Itoa(listLimit))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result jobsListResponse
	if err := apiRequest(cmd.Context(), "GET", path, nil, nil, &result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, result)
	}
	if len(result.Jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "User", "Status", "Progress", "Node", "Frames", "Created")
	for _, j := range result.Jobs {
		table.Append(
			j.ID,
			j.UserID,
			string(j.Status),
			fmt.Sprintf("%.0f%%", j.Progress*100),
			orDash(j.AssignedNodeID),
			frameCount(j),
			formatTime(&j.CreatedAt),
		)
	}
	table.Render()
	fmt.Fprintf(out, "\nTotal jobs: %d\n", result.Count)
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	path := "/jobs/" + url.PathEscape(args[0])
	if !getFrames {
		path += "?frames=false"
	}
	var job models.Job
	if err := apiRequest(cmd.Context(), "GET", path, nil, nil, &job); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, job)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("User", job.UserID)
	table.Append("Video", job.VideoURL)
	table.Append("Model", fmt.Sprintf("%s @ %.2f fps, threshold %.2f", job.Config.ModelVariant, job.Config.FrameRate, job.Config.ConfidenceThreshold))
	table.Append("Algorithm", string(job.LoadBalancing.Algorithm))
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%.1f%%", job.Progress*100))
	table.Append("Node", orDash(job.AssignedNodeID))
	table.Append("Frames", frameCount(job))
	table.Append("Avg Frame Time", fmt.Sprintf("%.1f ms", job.Metrics.AvgFrameTimeMs))
	if job.Metrics.EstimatedRemainingMs > 0 {
		table.Append("Remaining", fmt.Sprintf("%.1f s", job.Metrics.EstimatedRemainingMs/1000))
	}
	table.Append("Objects", formatObjects(job.Metrics.ObjectsByClass))
	table.Append("Dispatch Failures", strconv.Itoa(job.DispatchFailures))
	table.Append("Requeues", strconv.Itoa(job.Requeues))
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Append("Created", formatTime(&job.CreatedAt))
	table.Append("Started", formatTime(job.StartedAt))
	table.Append("Completed", formatTime(job.CompletedAt))
	table.Render()

	if getFrames && len(job.Frames) > 0 {
		fmt.Fprintln(out)
		frames := tablewriter.NewWriter(out)
		frames.Header("Frame", "Time (s)", "Node", "ms", "Detections")
		for _, f := range job.Frames {
			frames.Append(
				strconv.Itoa(f.Index),
				fmt.Sprintf("%.2f", f.Timestamp),
				f.NodeID,
				fmt.Sprintf("%.1f", f.ProcessingTimeMs),
				summarizeDetections(f.Detections),
			)
		}
		frames.Render()
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	var job models.Job
	if err := apiRequest(cmd.Context(), "POST", "/jobs/"+url.PathEscape(args[0])+"/cancel", nil, nil, &job); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(cmd.OutOrStdout(), job)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", job.ID, job.Status)
	return nil
}

func frameCount(j models.Job) string {
	if j.Metrics.FramesTotal > 0 {
		return fmt.Sprintf("%d/%d", j.Metrics.FramesProcessed, j.Metrics.FramesTotal)
	}
	return strconv.Itoa(j.Metrics.FramesProcessed)
}

func formatObjects(byClass map[string]int) string {
	if len(byClass) == 0 {
		return "-"
	}
	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	parts := make([]string, len(classes))
	for i, c := range classes {
		parts[i] = fmt.Sprintf("%s=%d", c, byClass[c])
	}
	return strings.Join(parts, " ")
}

func summarizeDetections(ds []models.Detection) string {
	counts := make(map[string]int)
	for _, d := range ds {
		counts[d.Class]++
	}
	return formatObjects(counts)
}
