package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/cardpilot/internal/config"
	"github.com/kalambet/cardpilot/internal/pipeline"
	"github.com/kalambet/cardpilot/internal/storage"
	"github.com/kalambet/cardpilot/internal/vault"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a product card for publication",
	Long: `Queue a product card for publication on a marketplace portal.

Examples:
  cardpilot submit --partner acme --marketplace ozon --title "Desk lamp" --price 1990 --image https://cdn.example.com/lamp.jpg
  cardpilot submit --partner acme --marketplace ozon --file ./card.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildSubmitRequest(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs", req)
		if err != nil {
			return err
		}

		var job pipeline.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printSuccess("Queued job %s", job.ID)
		return nil
	},
}

func buildSubmitRequest(cmd *cobra.Command) (map[string]any, error) {
	partner, _ := cmd.Flags().GetString("partner")
	marketplace, _ := cmd.Flags().GetString("marketplace")
	file, _ := cmd.Flags().GetString("file")
	if partner == "" || marketplace == "" {
		return nil, fmt.Errorf("--partner and --marketplace are required")
	}

	var payload pipeline.Payload
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("parsing payload file: %w", err)
		}
	} else {
		payload.Title, _ = cmd.Flags().GetString("title")
		payload.Description, _ = cmd.Flags().GetString("description")
		payload.Price, _ = cmd.Flags().GetString("price")
		payload.Images, _ = cmd.Flags().GetStringSlice("image")
		payload.Video, _ = cmd.Flags().GetString("video")
		payload.SpecSheetURL, _ = cmd.Flags().GetString("spec-sheet")
		specs, _ := cmd.Flags().GetStringToString("spec")
		if len(specs) > 0 {
			payload.Specs = specs
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	return map[string]any{
		"partner_id":     partner,
		"marketplace_id": marketplace,
		"payload":        payload,
	}, nil
}

func init() {
	submitCmd.Flags().String("partner", "", "partner ID")
	submitCmd.Flags().String("marketplace", "", "marketplace ID")
	submitCmd.Flags().String("file", "", "JSON file with the card payload")
	submitCmd.Flags().String("title", "", "card title")
	submitCmd.Flags().String("description", "", "card description")
	submitCmd.Flags().String("price", "", "price")
	submitCmd.Flags().StringSlice("image", nil, "image URL (repeatable)")
	submitCmd.Flags().String("video", "", "video URL")
	submitCmd.Flags().String("spec-sheet", "", "PDF spec sheet URL")
	submitCmd.Flags().StringToString("spec", nil, "specification key=value pairs")
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel listing jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, f := range []struct{ flag, param string }{
			{"partner", "partner_id"},
			{"marketplace", "marketplace_id"},
			{"state", "state"},
		} {
			if v, _ := cmd.Flags().GetString(f.flag); v != "" {
				q.Set(f.param, v)
			}
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", fmt.Sprintf("%d", limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}
		var jobs []pipeline.Job
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		writeJobTable(cmd.OutOrStdout(), jobs)
		return nil
	},
}

func writeJobTable(w io.Writer, jobs []pipeline.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARTNER\tMARKETPLACE\tSTATE\tPRODUCT\tUPDATED")
	for _, j := range jobs {
		state := string(j.State)
		if j.RequiresManual {
			state += " (manual)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(j.ID), j.PartnerID, j.MarketplaceID,
			colorize(stateColor(string(j.State)), state),
			j.ResultProductID, j.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job with its error events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Cancelling job %s", args[0])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("partner", "", "filter by partner ID")
	jobsListCmd.Flags().String("marketplace", "", "filter by marketplace ID")
	jobsListCmd.Flags().String("state", "", "filter by state")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsCancelCmd)
}

// --- tickets ---

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Review escalated failures",
}

type ticketSummary struct {
	ID            string `json:"id"`
	JobID         string `json:"job_id"`
	PartnerID     string `json:"partner_id"`
	MarketplaceID string `json:"marketplace_id"`
	Priority      string `json:"priority"`
	Subject       string `json:"subject"`
	Status        string `json:"status"`
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List support tickets",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		q.Set("limit", fmt.Sprintf("%d", limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tickets?"+q.Encode())
		if err != nil {
			return err
		}
		var tickets []ticketSummary
		if err := decodeJSON(resp, &tickets); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(tickets) == 0 {
			fmt.Fprintln(w, "No tickets.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPRIORITY\tSTATUS\tPARTNER\tMARKETPLACE\tSUBJECT")
		for _, t := range tickets {
			priority := t.Priority
			if priority == "urgent" {
				priority = colorize(colorRed, priority)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(t.ID), priority, t.Status, t.PartnerID, t.MarketplaceID, t.Subject)
		}
		return tw.Flush()
	},
}

var ticketsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a ticket with its attempted actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tickets/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var ticket any
		if err := decodeJSON(resp, &ticket); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ticket)
	},
}

var ticketsCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a resolved ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/tickets/"+url.PathEscape(args[0])+"/close", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Closed ticket %s", args[0])
		return nil
	},
}

func init() {
	ticketsListCmd.Flags().String("status", "open", "filter by status (open, closed, or empty for all)")
	ticketsListCmd.Flags().Int("limit", 50, "maximum number of tickets to list")
	ticketsCmd.AddCommand(ticketsListCmd, ticketsShowCmd, ticketsCloseCmd)
}

// --- kb ---

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Inspect the recovery knowledge base",
}

var kbShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show learned recovery actions per error type",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/knowledge-base")
		if err != nil {
			return err
		}
		var kb map[string][]json.RawMessage
		if err := decodeJSON(resp, &kb); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), kb)
	},
}

func init() {
	kbCmd.AddCommand(kbShowCmd)
}

// --- errors ---

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect classified automation errors",
}

var errorsTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the most frequent error fingerprints",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/errors/fingerprints?limit=%d", limit))
		if err != nil {
			return err
		}
		var rows []struct {
			Fingerprint string `json:"fingerprint"`
			Type        string `json:"error_type"`
			Count       int    `json:"count"`
		}
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(w, "No errors recorded since startup.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "COUNT\tTYPE\tFINGERPRINT")
		for _, r := range rows {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Count, r.Type, r.Fingerprint)
		}
		return tw.Flush()
	},
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent error events",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		limit, _ := cmd.Flags().GetInt("limit")
		q := url.Values{}
		if jobID != "" {
			q.Set("job_id", jobID)
		}
		q.Set("limit", fmt.Sprintf("%d", limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/errors?"+q.Encode())
		if err != nil {
			return err
		}
		var events []any
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), events)
	},
}

func init() {
	errorsTopCmd.Flags().Int("limit", 10, "number of fingerprints to show")
	errorsListCmd.Flags().String("job", "", "only events for this job")
	errorsListCmd.Flags().Int("limit", 50, "maximum number of events")
	errorsCmd.AddCommand(errorsTopCmd, errorsListCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage portal sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live portal sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sessions")
		if err != nil {
			return err
		}
		var sessions []struct {
			Key struct {
				PartnerID     string `json:"partner_id"`
				MarketplaceID string `json:"marketplace_id"`
			} `json:"key"`
			State     string `json:"state"`
			ExpiresAt string `json:"expires_at"`
			Leased    bool   `json:"leased"`
		}
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(w, "No sessions.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PARTNER\tMARKETPLACE\tSTATE\tLEASED\tEXPIRES")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
				s.Key.PartnerID, s.Key.MarketplaceID,
				colorize(stateColor(s.State), s.State), s.Leased, s.ExpiresAt)
		}
		return tw.Flush()
	},
}

func sessionPath(partner, marketplace string) string {
	return "/sessions/" + url.PathEscape(partner) + "/" + url.PathEscape(marketplace)
}

var sessionsTeardownCmd = &cobra.Command{
	Use:   "teardown <partner> <marketplace>",
	Short: "Close a session's browser and forget it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), sessionPath(args[0], args[1]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Session %s/%s torn down", args[0], args[1])
		return nil
	},
}

var sessionsCaptchaCmd = &cobra.Command{
	Use:   "captcha <partner> <marketplace>",
	Short: "Report the outcome of a manual CAPTCHA",
	Long: `Report the outcome of a CAPTCHA solved by hand in the session's browser.

With --solved the session re-checks the portal and becomes authenticated.
Without it the session is expired and the next job logs in again.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		solved, _ := cmd.Flags().GetBool("solved")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), sessionPath(args[0], args[1])+"/captcha", map[string]bool{"solved": solved})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Session %s/%s is now %s", args[0], args[1], result["state"])
		return nil
	},
}

var sessionsCodeCmd = &cobra.Command{
	Use:   "code <partner> <marketplace> <code>",
	Short: "Relay a second-factor code to a waiting login",
	Long: `Relay a one-time code the portal sent by SMS or e-mail.

The code is held until the session's login asks for it, so it can be sent
just before or while a job is logging in.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), sessionPath(args[0], args[1])+"/code", map[string]string{"code": args[2]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Code relayed to %s/%s", args[0], args[1])
		return nil
	},
}

func init() {
	sessionsCaptchaCmd.Flags().Bool("solved", false, "the CAPTCHA was solved")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsTeardownCmd, sessionsCaptchaCmd, sessionsCodeCmd)
}

// --- credentials ---

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage encrypted portal credentials",
}

var credentialsKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the vault identity and store it in the keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if _, err := cfg.RequireVaultIdentity(); err == nil && !force {
			printWarning("A vault identity already exists. Replacing it makes stored credentials unreadable; use --force to proceed.")
			return nil
		}

		identity, recipient, err := vault.GenerateIdentity()
		if err != nil {
			return err
		}
		if err := config.StoreVaultIdentity(config.NewKeychain(), identity); err != nil {
			return fmt.Errorf("storing vault identity: %w", err)
		}
		printSuccess("Vault identity stored (recipient %s)", recipient)
		return nil
	},
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <partner> <marketplace>",
	Short: "Encrypt and store portal credentials",
	Long: `Encrypt and store a partner's portal credentials in the local vault.

The password is read from the terminal without echo, or from stdin when
it is not a terminal.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		if username == "" {
			return fmt.Errorf("--username is required")
		}

		password, err := readSecret(cmd.InOrStdin(), "Password: ")
		if err != nil {
			return err
		}
		creds := &vault.Credentials{Username: username, Password: password}
		defer creds.Wipe()
		if seed, _ := cmd.Flags().GetString("totp-seed"); seed != "" {
			creds.TOTPSeed = []byte(strings.ToUpper(strings.ReplaceAll(seed, " ", "")))
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		identity, err := cfg.RequireVaultIdentity()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		v, err := vault.New(store, identity, nil)
		if err != nil {
			return err
		}
		if err := v.Seal(args[0], args[1], creds); err != nil {
			return err
		}
		printSuccess("Credentials stored for %s/%s", args[0], args[1])
		return nil
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <partner> <marketplace>",
	Short: "Remove stored portal credentials",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		if err := store.DeleteCredential(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Credentials removed for %s/%s", args[0], args[1])
		return nil
	},
}

// readSecret prompts on the terminal with echo disabled, or reads one line
// from r when stdin is not a terminal.
func readSecret(r io.Reader, prompt string) ([]byte, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("password is empty")
		}
		return b, nil
	}

	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if len(line) == 0 {
		return nil, fmt.Errorf("password is empty")
	}
	return line, nil
}

func init() {
	credentialsKeygenCmd.Flags().Bool("force", false, "replace an existing identity")
	credentialsSetCmd.Flags().String("username", "", "portal login")
	credentialsSetCmd.Flags().String("totp-seed", "", "base32 TOTP seed for portals with a second factor")
	credentialsCmd.AddCommand(credentialsKeygenCmd, credentialsSetCmd, credentialsDeleteCmd)
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
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
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
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
