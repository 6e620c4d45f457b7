package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pitchlens/inference-scheduler/pkg/models"
)

var includeRemoved bool

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage inference nodes",
	Long:  `Commands for listing, inspecting and removing inference nodes registered with the master.`,
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	RunE:  runNodesList,
}

var nodesGetCmd = &cobra.Command{
	Use:     "get <node-id>",
	Aliases: []string{"describe"},
	Short:   "Show one node's accelerators, load and assignment",
	Args:    cobra.ExactArgs(1),
	RunE:    runNodesGet,
}

var nodesRemoveCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Deregister a node; its job is handed back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesRemove,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesListCmd, nodesGetCmd, nodesRemoveCmd)

	nodesListCmd.Flags().BoolVar(&includeRemoved, "all", false, "include removed nodes")
}

type nodesListResponse struct {
	Nodes []models.Node `json:"nodes"`
	Count int           `json:"count"`
}

func runNodesList(cmd *cobra.Command, args []string) error {
	path := "/nodes"
	if includeRemoved {
		path += "?include_removed=true"
	}
	var result nodesListResponse
	if err := apiRequest(cmd.Context(), "GET", path, nil, nil, &result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, result)
	}
	if len(result.Nodes) == 0 {
		fmt.Fprintln(out, "No nodes registered")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Name", "Location", "Status", "Queue", "Util", "Avg ms", "Current Job")
	for _, n := range result.Nodes {
		table.Append(
			n.ID,
			n.Name,
			orDash(n.Location),
			string(n.Status),
			fmt.Sprintf("%d", n.Performance.QueueLength),
			fmt.Sprintf("%.0f%%", n.Performance.UtilizationPercent),
			fmt.Sprintf("%.1f", n.Performance.AvgInferenceTimeMs),
			orDash(n.CurrentJobID),
		)
	}
	table.Render()
	fmt.Fprintf(out, "\nTotal nodes: %d\n", result.Count)
	return nil
}

func runNodesGet(cmd *cobra.Command, args []string) error {
	var node models.Node
	if err := apiRequest(cmd.Context(), "GET", "/nodes/"+url.PathEscape(args[0]), nil, nil, &node); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, node)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	table.Append("Node ID", node.ID)
	table.Append("Name", node.Name)
	table.Append("Location", orDash(node.Location))
	table.Append("Endpoint", node.Endpoint)
	table.Append("Status", string(node.Status))
	table.Append("Priority", fmt.Sprintf("%d", node.Priority))
	table.Append("Capabilities", orDash(strings.Join(node.Capabilities, ", ")))
	for i, a := range node.Accelerators {
		desc := fmt.Sprintf("%s (%d MB)", a.DeviceName, a.MemoryTotalMB)
		if a.ComputeCapability != "" {
			desc += " cc " + a.ComputeCapability
		}
		table.Append(fmt.Sprintf("Accelerator %d", i), desc)
	}
	table.Append("Queue Length", fmt.Sprintf("%d", node.Performance.QueueLength))
	table.Append("Utilization", fmt.Sprintf("%.1f%%", node.Performance.UtilizationPercent))
	table.Append("Avg Inference", fmt.Sprintf("%.1f ms", node.Performance.AvgInferenceTimeMs))
	if node.Performance.MemoryUsedMB > 0 {
		table.Append("Memory Used", fmt.Sprintf("%.0f MB", node.Performance.MemoryUsedMB))
	}
	table.Append("Current Job", orDash(node.CurrentJobID))
	table.Append("Last Heartbeat", formatTime(&node.LastHeartbeat))
	table.Append("Registered", formatTime(&node.RegisteredAt))
	if node.Removed {
		table.Append("Removed", formatTime(node.RemovedAt))
	}
	table.Render()
	return nil
}

func runNodesRemove(cmd *cobra.Command, args []string) error {
	var result map[string]string
	if err := apiRequest(cmd.Context(), "DELETE", "/nodes/"+url.PathEscape(args[0]), nil, nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(cmd.OutOrStdout(), result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s removed\n", args[0])
	return nil
}
