package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scribeflow/scribeflow/internal/config"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Semantic search over the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		topK, _ := cmd.Flags().GetInt("top-k")
		minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"query": query}
		if cmd.Flags().Changed("top-k") {
			req["top_k"] = topK
		}
		if cmd.Flags().Changed("min-confidence") {
			req["min_confidence"] = minConfidence
		}

		resp, err := client.post(cmd.Context(), "/v1/retrieve", req)
		if err != nil {
			return err
		}

		var result struct {
			Chunks []struct {
				ChunkID      string  `json:"chunk_id"`
				DocumentName string  `json:"document_name"`
				Content      string  `json:"content"`
				Confidence   float64 `json:"confidence"`
				Similarity   float32 `json:"similarity"`
			} `json:"chunks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Chunks) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range result.Chunks {
			header := fmt.Sprintf("Result %d", i+1)
			fmt.Printf("\n%s [similarity: %.3f, confidence: %.0f]\n", colorize(colorBold, header), r.Similarity, r.Confidence)
			fmt.Printf("  Source: %s (%s)\n", r.DocumentName, r.ChunkID)
			text := r.Content
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().Int("top-k", 5, "maximum number of results")
	queryCmd.Flags().Float64("min-confidence", 70, "minimum source confidence score")
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Run a one-off generation against the configured model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		model, _ := cmd.Flags().GetString("model")
		temperature, _ := cmd.Flags().GetFloat64("temperature")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"prompt": prompt, "temperature": temperature}
		if model != "" {
			req["model"] = model
		}

		resp, err := client.post(cmd.Context(), "/v1/generate", req)
		if err != nil {
			return err
		}

		var result struct {
			GeneratedText string `json:"generated_text"`
			FinishReason  string `json:"finish_reason"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.GeneratedText)
		return nil
	},
}

func init() {
	generateCmd.Flags().String("model", "", "override the configured generation model")
	generateCmd.Flags().Float64("temperature", 0.7, "sampling temperature")
}

// --- idea ---

var ideaCmd = &cobra.Command{
	Use:   "idea <title>",
	Short: "Queue a content idea at the start of the pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args, " ")
		summary, _ := cmd.Flags().GetString("summary")
		audience, _ := cmd.Flags().GetString("audience")
		keywordsStr, _ := cmd.Flags().GetString("keywords")

		req := map[string]any{
			"task_type": "blog_outline",
			"title":     title,
		}
		if summary != "" {
			req["summary"] = summary
		}
		if audience != "" {
			req["target_audience"] = audience
		}
		if keywordsStr != "" {
			keywords := strings.Split(keywordsStr, ",")
			for i := range keywords {
				keywords[i] = strings.TrimSpace(keywords[i])
			}
			req["keywords"] = keywords
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/tasks", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued idea %s", result["id"])
		return nil
	},
}

func init() {
	ideaCmd.Flags().String("summary", "", "short summary of the idea")
	ideaCmd.Flags().String("audience", "", "target audience")
	ideaCmd.Flags().String("keywords", "", "comma-separated keywords")
}

// --- tasks ---

// shortID truncates a task id for one-line listings. Ids shorter than the
// display width pass through untouched.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type taskView struct {
	ID           string
	TaskType     string
	Status       string
	Title        string
	ErrorMessage string
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage pipeline tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/tasks?limit=%d", limit)
		if status != "" {
			path += "&status=" + status
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var tasks []taskView
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		for _, t := range tasks {
			title := t.Title
			if len(title) > 60 {
				title = title[:60] + "..."
			}
			line := fmt.Sprintf("%s  %-14s %s %s",
				colorize(colorCyan, shortID(t.ID)), t.TaskType,
				colorize(statusColor(t.Status), fmt.Sprintf("%-14s", t.Status)), title)
			if t.Status == "error" && t.ErrorMessage != "" {
				line += colorize(colorRed, "  ("+t.ErrorMessage+")")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/tasks/"+args[0])
		if err != nil {
			return err
		}

		var task any
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

var tasksApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a task waiting for review, releasing it to the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/tasks/"+args[0]+"/promote", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Task %s approved", result["id"])
		return nil
	},
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed task so the pipeline picks it up again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/tasks/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Task %s queued for retry", result["id"])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("status", "", "filter by status")
	tasksListCmd.Flags().Int("limit", 20, "maximum number of tasks to list")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksApproveCmd)
	tasksCmd.AddCommand(tasksRetryCmd)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger one pipeline poll immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.trigger(cmd.Context(), "/v1/pipeline/run")
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Pipeline run complete: %d claimed, %d recovered", result["claimed"], result["swept"])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
