// Package main is the entry point for the knowledge base admin CLI.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverURL string
	username  string
	password  string
	token     string
	output    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "graphkb-admin",
		Short: "Admin CLI for the GraphKB server",
		Long:  `A command-line tool for managing users, groups, and statistics over the GraphKB HTTP API.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "GraphKB server URL")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "Username used to request a token")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "Password used to request a token")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", "", "Pre-issued token (skips the token exchange)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	// User commands
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	userListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE:  listUsers,
	}

	userCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new user",
		RunE:  createUser,
	}
	userCreateCmd.Flags().String("name", "", "Username (required)")
	userCreateCmd.Flags().String("email", "", "Email address")
	userCreateCmd.Flags().String("pass", "", "Password (required)")
	_ = userCreateCmd.MarkFlagRequired("name")
	_ = userCreateCmd.MarkFlagRequired("pass")

	userCmd.AddCommand(userListCmd, userCreateCmd)

	// Group commands
	groupCmd := &cobra.Command{
		Use:   "group",
		Short: "Manage user groups",
	}
	groupListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all user groups",
		RunE:  listGroups,
	}
	groupCmd.AddCommand(groupListCmd)

	// Stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-class record counts",
		RunE:  showStats,
	}
	statsCmd.Flags().Bool("group-by-source", false, "Break counts down by source")
	statsCmd.Flags().Bool("include-deleted", false, "Count soft-deleted records too")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show client and server versions",
		RunE:  showVersion,
	}

	rootCmd.AddCommand(userCmd, groupCmd, statsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ensureToken exchanges the configured credentials for a token unless one
// was supplied directly.
func ensureToken() error {
	if token != "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("either --token or --username and --password are required")
	}
	result, err := doRequest(http.MethodPost, "/api/token", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	issued, ok := result["kbToken"].(string)
	if !ok || issued == "" {
		return fmt.Errorf("token response did not carry a token")
	}
	token = issued
	return nil
}

func doRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	url := strings.TrimSuffix(serverURL, "/") + path

	var req *http.Request
	var err error

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req, err = http.NewRequest(method, url, strings.NewReader(string(jsonBody)))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && resp.StatusCode != http.StatusNoContent {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if m, ok := result["message"].(string); ok {
			msg = m
		}
		if name, ok := result["name"].(string); ok {
			msg = name + ": " + msg
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
	}

	return result, nil
}

// resultList extracts the record list from the response envelope.
func resultList(result map[string]interface{}) ([]interface{}, error) {
	records, ok := result["result"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected response format")
	}
	return records, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// User commands
func listUsers(cmd *cobra.Command, args []string) error {
	if err := ensureToken(); err != nil {
		return err
	}
	result, err := doRequest(http.MethodGet, "/api/users?neighbors=1", nil)
	if err != nil {
		return err
	}
	users, err := resultList(result)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(users)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RID\tNAME\tEMAIL\tGROUPS\tCREATED")
	for _, u := range users {
		user, ok := u.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			user["@rid"],
			user["name"],
			orDash(user["email"]),
			groupNames(user["groups"]),
			formatTime(user["createdAt"]),
		)
	}
	return w.Flush()
}

func createUser(cmd *cobra.Command, args []string) error {
	if err := ensureToken(); err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	pass, _ := cmd.Flags().GetString("pass")

	body := map[string]interface{}{"name": name, "password": pass}
	if email != "" {
		body["email"] = email
	}
	result, err := doRequest(http.MethodPost, "/api/users", body)
	if err != nil {
		return err
	}
	created, ok := result["result"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected response format")
	}
	if output == "json" {
		return printJSON(created)
	}
	fmt.Printf("Created user %v (%v)\n", created["name"], created["@rid"])
	return nil
}

// Group commands
func listGroups(cmd *cobra.Command, args []string) error {
	if err := ensureToken(); err != nil {
		return err
	}
	result, err := doRequest(http.MethodGet, "/api/usergroups", nil)
	if err != nil {
		return err
	}
	groups, err := resultList(result)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(groups)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RID\tNAME\tCLASSES")
	for _, g := range groups {
		group, ok := g.(map[string]interface{})
		if !ok {
			continue
		}
		classes := "-"
		if perms, ok := group["permissions"].(map[string]interface{}); ok {
			names := make([]string, 0, len(perms))
			for class := range perms {
				names = append(names, class)
			}
			sort.Strings(names)
			classes = strings.Join(names, ",")
		}
		fmt.Fprintf(w, "%v\t%v\t%v\n", group["@rid"], group["name"], classes)
	}
	return w.Flush()
}

// Stats command
func showStats(cmd *cobra.Command, args []string) error {
	if err := ensureToken(); err != nil {
		return err
	}
	path := "/api/stats"
	var params []string
	if v, _ := cmd.Flags().GetBool("group-by-source"); v {
		params = append(params, "groupBySource=true")
	}
	if v, _ := cmd.Flags().GetBool("include-deleted"); v {
		params = append(params, "activeOnly=false")
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}
	result, err := doRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	counts, ok := result["result"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected response format")
	}

	if output == "json" {
		return printJSON(counts)
	}

	classes := make([]string, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tCOUNT")
	for _, class := range classes {
		switch v := counts[class].(type) {
		case map[string]interface{}:
			sources := make([]string, 0, len(v))
			for source := range v {
				sources = append(sources, source)
			}
			sort.Strings(sources)
			for _, source := range sources {
				fmt.Fprintf(w, "%s (%s)\t%v\n", class, source, v[source])
			}
		default:
			fmt.Fprintf(w, "%s\t%v\n", class, v)
		}
	}
	return w.Flush()
}

// Version command
func showVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("graphkb-admin %s (commit: %s, built: %s)\n", version, commit, buildDate)
	result, err := doRequest(http.MethodGet, "/api/version", nil)
	if err != nil {
		return err
	}
	fmt.Printf("server %v (commit: %v)\n", result["version"], result["commit"])
	return nil
}

func orDash(v interface{}) interface{} {
	if v == nil || v == "" {
		return "-"
	}
	return v
}

func groupNames(v interface{}) string {
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return "-"
	}
	names := make([]string, 0, len(list))
	for _, g := range list {
		switch group := g.(type) {
		case map[string]interface{}:
			if name, ok := group["name"].(string); ok {
				names = append(names, name)
				continue
			}
			names = append(names, fmt.Sprint(group["@rid"]))
		case string:
			names = append(names, group)
		}
	}
	return strings.Join(names, ",")
}

func formatTime(v interface{}) string {
	ms, ok := v.(float64)
	if !ok {
		return "-"
	}
	return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339)
}
